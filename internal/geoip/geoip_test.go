package geoip

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPStackResolve(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("access_key")
		_, _ = w.Write([]byte(`{"ip":"203.0.113.5","country_code":"us","region_code":"ca"}`))
	}))
	defer srv.Close()

	loc, err := NewIPStack(srv.URL, "secret", srv.Client()).Resolve(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, Location{Country: "US", Region: "CA"}, loc)
	assert.Equal(t, "/203.0.113.5", gotPath)
	assert.Equal(t, "secret", gotKey)
}

func TestIPStackAPIErrorIsNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":101,"type":"invalid_access_key"}}`))
	}))
	defer srv.Close()

	_, err := NewIPStack(srv.URL, "bad", srv.Client()).Fetch(context.Background(), "203.0.113.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_access_key")
}

func TestProvidersWithoutCredentialsDoNotCallOut(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, err := NewIPStack(srv.URL, "", srv.Client()).Resolve(context.Background(), "203.0.113.5")
	assert.ErrorIs(t, err, ErrNoCredentials)
	_, err = NewIPInfo(srv.URL, "", srv.Client()).Resolve(context.Background(), "203.0.113.5")
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Zero(t, calls.Load())
}

func TestIPInfoResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"ip":"198.51.100.9","country":"DE","region":"Berlin"}`))
	}))
	defer srv.Close()

	loc, err := NewIPInfo(srv.URL, "tok", srv.Client()).Resolve(context.Background(), "198.51.100.9")
	require.NoError(t, err)
	assert.Equal(t, "DE", loc.Country)

	_, err = NewIPInfo(srv.URL, "wrong", srv.Client()).Resolve(context.Background(), "198.51.100.9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestIPInfoBogon(t *testing.T) {
	_, err := NewIPInfo("", "tok", nil).Decode([]byte(`{"ip":"10.0.0.1","bogon":true}`))
	assert.ErrorIs(t, err, ErrNotFound)
}

const sampleRanges = `# start,end,country,region
192.0.2.0,192.0.2.255,us,ca
198.51.100.0,198.51.100.127,DE
2001:db8::,2001:db8::ffff,JP,13
`

func TestLocalDBResolve(t *testing.T) {
	db := NewLocalDB()
	require.NoError(t, db.Load(strings.NewReader(sampleRanges)))
	assert.Equal(t, 3, db.Len())

	cases := map[string]Location{
		"192.0.2.0":        {Country: "US", Region: "CA"},
		"192.0.2.77":       {Country: "US", Region: "CA"},
		"::ffff:192.0.2.1": {Country: "US", Region: "CA"},
		"198.51.100.127":   {Country: "DE"},
		"2001:db8::42":     {Country: "JP", Region: "13"},
	}
	for ip, want := range cases {
		got, err := db.Resolve(context.Background(), ip)
		require.NoError(t, err, ip)
		assert.Equal(t, want, got, ip)
	}
	for _, ip := range []string{"198.51.100.128", "203.0.113.5", "2001:db9::1", "10.0.0.1"} {
		_, err := db.Resolve(context.Background(), ip)
		assert.True(t, errors.Is(err, ErrNotFound), ip)
	}
}

func TestLocalDBRejectsOverlapAndKeepsPrevious(t *testing.T) {
	db := NewLocalDB()
	require.NoError(t, db.Load(strings.NewReader(sampleRanges)))

	err := db.Load(strings.NewReader("10.0.0.0,10.0.0.255,FR\n10.0.0.128,10.0.1.0,IT\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps")
	assert.Equal(t, 3, db.Len())

	err = db.Load(strings.NewReader("10.0.1.0,10.0.0.0,FR\n"))
	require.Error(t, err)
}

func TestLocationCodes(t *testing.T) {
	assert.Equal(t, []string{"US", "US-CA"}, Location{Country: "US", Region: "CA"}.Codes())
	assert.Equal(t, []string{"US", "US-CA"}, Location{Country: "US", Region: "US-CA"}.Codes())
	assert.Equal(t, "DE-BERLIN", Location{Country: "DE", Region: "BERLIN"}.RegionCode())
	assert.Nil(t, Location{Region: "CA"}.Codes())
	assert.Nil(t, Location{}.Codes())
	assert.True(t, Location{}.Empty())
}
