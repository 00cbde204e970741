package twitter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/couchcryptid/covid-state-etl/internal/adapter/upstream"
	"github.com/couchcryptid/covid-state-etl/internal/cache"
	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agencyQuery = "from:@CDCgov"

var testCreds = upstream.OAuth1Credentials{
	ConsumerKey:    "ckey",
	ConsumerSecret: "csecret",
	AccessToken:    "atoken",
	AccessSecret:   "asecret",
}

func testClient(t *testing.T, searchURL string) *Client {
	t.Helper()
	hc := upstream.NewClient("test-agent", "").WithOAuth1(testCreds)
	return NewClient(searchURL, hc, fetch.NewForTesting("twitter", t.TempDir()))
}

func TestClient_Search_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, agencyQuery, r.URL.Query().Get("q"))
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "OAuth "))
		_, _ = w.Write([]byte(`{"statuses":[
			{"id_str":"1","text":"Wash your hands","created_at":"Wed Apr 01 12:00:00 +0000 2020","user":{"screen_name":"CDCgov"}},
			{"id_str":"2","full_text":"Stay home","user":{"screen_name":"CDCgov"}}
		]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	posts, err := c.Search(context.Background(), agencyQuery, 5)
	require.NoError(t, err)

	require.Len(t, posts, 2)
	assert.Equal(t, "Wash your hands", posts[0].Text)
	assert.Equal(t, "CDCgov", posts[0].Author)
	assert.Equal(t, "Stay home", posts[1].Text)

	key := cache.Fingerprint(srv.URL, map[string]string{"q": agencyQuery, "count": "5"}, c.fetcher.Epoch())
	_, ok := c.fetcher.Store().Get(key)
	assert.True(t, ok)
}

func TestClient_Search_AuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"code":32,"message":"Could not authenticate you."}]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Search(context.Background(), "from:@MichiganHHS", 5)
	require.ErrorIs(t, err, domain.ErrAuth)
	assert.Equal(t, 0, c.fetcher.Store().Len())
}

func TestClient_Search_ErrorBodyWithOKStatusNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"code":215,"message":"Bad Authentication data."}]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Search(context.Background(), agencyQuery, 5)
	require.ErrorIs(t, err, domain.ErrAuth)
	assert.Equal(t, 0, c.fetcher.Store().Len())
}
