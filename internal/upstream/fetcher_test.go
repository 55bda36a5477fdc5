package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(agents []string, profiles []HeaderProfile) *Fetcher {
	return NewFetcher(Config{
		ConnectTimeout: 2 * time.Second,
		HeaderTimeout:  2 * time.Second,
		UserAgents:     agents,
		Profiles:       profiles,
	})
}

func TestOpenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write([]byte{0x47, 0x00, 0x11})
	}))
	defer srv.Close()

	f := newTestFetcher(nil, nil)
	stream, err := f.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "video/mp2t", stream.ContentType)
	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x47, 0x00, 0x11}, body)
}

func TestOpenBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newTestFetcher(nil, nil)
	_, err := f.Open(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestUserAgentRotation(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	f := newTestFetcher([]string{"agent-a", "agent-b"}, nil)
	for i := 0; i < 4; i++ {
		stream, err := f.Open(context.Background(), srv.URL)
		require.NoError(t, err)
		stream.Close()
	}

	assert.Equal(t, []string{"agent-a", "agent-b", "agent-a", "agent-b"}, seen)
}

func TestHeaderProfileApplied(t *testing.T) {
	var referer, origin string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("Referer")
		origin = r.Header.Get("Origin")
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	f := newTestFetcher(nil, []HeaderProfile{
		{HostSuffix: u.Hostname(), Referer: "https://site.example/", Origin: "https://site.example"},
	})

	stream, err := f.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	stream.Close()

	assert.Equal(t, "https://site.example/", referer)
	assert.Equal(t, "https://site.example", origin)
}

func TestProfileForSuffixMatch(t *testing.T) {
	f := newTestFetcher(nil, []HeaderProfile{
		{HostSuffix: "sofascore.com", Referer: "https://www.sofascore.com/"},
	})

	tests := []struct {
		host  string
		match bool
	}{
		{"http://sofascore.com/feed", true},
		{"http://api.sofascore.com/feed", true},
		{"http://SOFASCORE.com/feed", true},
		{"http://notsofascore.com/feed", false},
		{"http://example.com/feed", false},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.host)
		require.NoError(t, err)
		got := f.profileFor(u)
		if tt.match {
			assert.NotNil(t, got, tt.host)
		} else {
			assert.Nil(t, got, tt.host)
		}
	}
}

func TestFetchDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newTestFetcher(nil, nil)
	body, contentType, err := f.FetchDocument(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, "application/json", contentType)
}

func TestFetchDocumentBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(nil, nil)
	_, _, err := f.FetchDocument(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadStatus)
}
