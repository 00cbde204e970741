package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

const testEndpoint = "https://covidtracking.com/api/states/daily"

func TestFingerprint_Format(t *testing.T) {
	key := Fingerprint(testEndpoint, map[string]string{"state": "MI"}, Epoch("2020-06-15"))
	assert.Equal(t, testEndpoint+"_state_MI_2020-06-15", key)
}

func TestFingerprint_NoEpoch(t *testing.T) {
	key := Fingerprint(testEndpoint, map[string]string{"state": "MI"}, NoEpoch)
	assert.Equal(t, testEndpoint+"_state_MI", key)
}

func TestFingerprint_SortedParameters(t *testing.T) {
	a := Fingerprint(testEndpoint, map[string]string{"q": "from:@CDCgov", "count": "5"}, NoEpoch)
	b := Fingerprint(testEndpoint, map[string]string{"count": "5", "q": "from:@CDCgov"}, NoEpoch)
	assert.Equal(t, a, b)
	assert.Equal(t, testEndpoint+"_count_5_q_from:@CDCgov", a)
}

func TestFingerprint_Deterministic(t *testing.T) {
	params := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"}
	first := Fingerprint(testEndpoint, params, Epoch("2020-06-15"))
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Fingerprint(testEndpoint, params, Epoch("2020-06-15")))
	}
}

func TestFingerprint_DifferentValuesDiffer(t *testing.T) {
	a := Fingerprint(testEndpoint, map[string]string{"state": "MI"}, NoEpoch)
	b := Fingerprint(testEndpoint, map[string]string{"state": "OH"}, NoEpoch)
	assert.NotEqual(t, a, b)
}

func TestFingerprint_DifferentEpochsDiffer(t *testing.T) {
	a := Fingerprint(testEndpoint, map[string]string{"state": "MI"}, Epoch("2020-06-15"))
	b := Fingerprint(testEndpoint, map[string]string{"state": "MI"}, Epoch("2020-06-16"))
	assert.NotEqual(t, a, b)
}

func TestFingerprint_SeparatorInValuesCannotCollide(t *testing.T) {
	// Unescaped, both would render as "<endpoint>_a_b_c".
	a := Fingerprint(testEndpoint, map[string]string{"a": "b_c"}, NoEpoch)
	b := Fingerprint(testEndpoint, map[string]string{"a_b": "c"}, NoEpoch)
	assert.NotEqual(t, a, b)
	assert.Equal(t, testEndpoint+"_a_b%5Fc", a)
}

func TestFingerprint_SeparatorInEndpointCannotCollide(t *testing.T) {
	a := Fingerprint("https://x/daily_state_MI", nil, NoEpoch)
	b := Fingerprint("https://x/daily", map[string]string{"state": "MI"}, NoEpoch)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "https://x/daily%5Fstate%5FMI", a)
	assert.Equal(t, "https://x/daily_state_MI", b)
}

func TestFingerprint_PercentInEndpointIsEscaped(t *testing.T) {
	a := Fingerprint("https://x/a%5Fb", nil, NoEpoch)
	b := Fingerprint("https://x/a_b", nil, NoEpoch)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "https://x/a%255Fb", a)
}

func TestToday_UsesClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2020, time.June, 15, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, Epoch("2020-06-15"), Today(clock))
}

func TestEpochSuffix(t *testing.T) {
	e, ok := epochSuffix(testEndpoint + "_state_MI_2020-06-15")
	assert.True(t, ok)
	assert.Equal(t, Epoch("2020-06-15"), e)

	_, ok = epochSuffix(testEndpoint + "_state_MI")
	assert.False(t, ok)

	_, ok = epochSuffix("x")
	assert.False(t, ok)
}
