package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versionServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/version/1", r.URL.Path)
		assert.Equal(t, "overseer/1.2.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchVersion(t *testing.T) {
	srv := versionServer(t, http.StatusOK,
		`{"current-version-stable":"1.3.0","current-version-prerelease":"1.4.0-beta"}`)

	c := NewVersionClient(srv.URL+"/", time.Second, "1.2.0")
	info, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", info.Stable)
	assert.Equal(t, "1.4.0-beta", info.Prerelease)

	assert.Equal(t, "1.3.0", c.Check(context.Background()))
}

func TestFetchFailuresAreUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{}`},
		{name: "missing field", status: http.StatusOK, body: `{"foo":"bar"}`},
		{name: "garbage version", status: http.StatusOK, body: `{"current-version-stable":"latest"}`},
		{name: "not json", status: http.StatusOK, body: `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := versionServer(t, tt.status, tt.body)
			c := NewVersionClient(srv.URL, time.Second, "1.2.0")

			_, err := c.Fetch(context.Background())
			assert.ErrorIs(t, err, ErrUnavailable)
			assert.Equal(t, UnknownVersion, c.Check(context.Background()))
		})
	}
}

func TestCheckUnreachable(t *testing.T) {
	c := NewVersionClient("http://127.0.0.1:1", 200*time.Millisecond, "1.2.0")
	assert.Equal(t, UnknownVersion, c.Check(context.Background()))
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.0", "1.3.0", -1},
		{"v1.10.0", "1.9.9", 1},
		{"2.4", "2.4.0.0", 0},
		{"2.4.1-beta", "2.4.1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			got, err := CompareVersions(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := CompareVersions("x.y", "1.0")
	assert.Error(t, err)
}
