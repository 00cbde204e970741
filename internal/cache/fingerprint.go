package cache

import (
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	separator   = "_"
	epochLayout = "2006-01-02"
)

// Epoch is the calendar day a dated fingerprint is valid for, formatted
// YYYY-MM-DD. The zero value means the entry never expires.
type Epoch string

// NoEpoch disables the date suffix; such entries are cached forever.
const NoEpoch Epoch = ""

// Today returns the epoch for the clock's current local date.
func Today(clock clockwork.Clock) Epoch {
	return EpochOf(clock.Now())
}

// EpochOf returns the epoch containing t.
func EpochOf(t time.Time) Epoch {
	return Epoch(t.Format(epochLayout))
}

// Time parses the epoch back into a date. ok is false for NoEpoch or a
// malformed value.
func (e Epoch) Time() (time.Time, bool) {
	if e == NoEpoch {
		return time.Time{}, false
	}
	t, err := time.Parse(epochLayout, string(e))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Fingerprint builds the cache key for a request: the endpoint followed by
// each parameter as name_value, sorted by name, joined with "_", plus the
// epoch date when one is given. Separator and escape characters inside the
// endpoint and the parameter names and values are percent-encoded so distinct
// requests never share a key.
func Fingerprint(endpoint string, params map[string]string, epoch Epoch) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(escape(endpoint))
	for _, name := range names {
		b.WriteString(separator)
		b.WriteString(escape(name))
		b.WriteString(separator)
		b.WriteString(escape(params[name]))
	}
	if epoch != NoEpoch {
		b.WriteString(separator)
		b.WriteString(string(epoch))
	}
	return b.String()
}

var escaper = strings.NewReplacer("%", "%25", separator, "%5F")

func escape(s string) string {
	return escaper.Replace(s)
}

// epochSuffix extracts the trailing date from a dated fingerprint.
func epochSuffix(key string) (Epoch, bool) {
	if len(key) < len(epochLayout)+1 {
		return NoEpoch, false
	}
	cut := len(key) - len(epochLayout)
	if key[cut-1:cut] != separator {
		return NoEpoch, false
	}
	e := Epoch(key[cut:])
	if _, ok := e.Time(); !ok {
		return NoEpoch, false
	}
	return e, true
}
