package engine

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gettlstap/tlstap/pkg/rule"
)

func TestUpstreamTarget(t *testing.T) {
	m := &UpstreamManager{}

	tests := []struct {
		name     string
		pt       *rule.PassThrough
		original string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{
			name:     "explicit host and port",
			pt:       &rule.PassThrough{Host: "api.example.com", Port: 8443},
			original: "orig.example.com:443",
			wantHost: "api.example.com",
			wantPort: 8443,
		},
		{
			name:     "port defaults to 443",
			pt:       &rule.PassThrough{Host: "api.example.com"},
			wantHost: "api.example.com",
			wantPort: 443,
		},
		{
			name:     "empty host uses original target",
			pt:       &rule.PassThrough{},
			original: "orig.example.com:8443",
			wantHost: "orig.example.com",
			wantPort: 8443,
		},
		{
			name:     "empty host keeps explicit port",
			pt:       &rule.PassThrough{Port: 9443},
			original: "orig.example.com:443",
			wantHost: "orig.example.com",
			wantPort: 9443,
		},
		{
			name:     "original target without port",
			pt:       &rule.PassThrough{},
			original: "orig.example.com",
			wantHost: "orig.example.com",
			wantPort: 443,
		},
		{
			name:    "no target at all",
			pt:      &rule.PassThrough{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := m.Target(tt.pt, tt.original)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestTunnelResponseWriter(t *testing.T) {
	t.Run("buffers status, headers, and body", func(t *testing.T) {
		rw := newTunnelResponseWriter()
		rw.Header().Set("X-Test", "yes")
		rw.WriteHeader(http.StatusTeapot)
		_, err := rw.Write([]byte("short and stout"))
		require.NoError(t, err)

		var buf bytes.Buffer
		req := httptest.NewRequest(http.MethodGet, "/teapot", nil)
		require.NoError(t, rw.flush(&buf, req))

		resp, err := http.ReadResponse(bufio.NewReader(&buf), req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusTeapot, resp.StatusCode)
		assert.Equal(t, "yes", resp.Header.Get("X-Test"))
		assert.Equal(t, int64(15), resp.ContentLength)
	})

	t.Run("defaults to 200 when nothing written", func(t *testing.T) {
		rw := newTunnelResponseWriter()

		var buf bytes.Buffer
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		require.NoError(t, rw.flush(&buf, req))

		resp, err := http.ReadResponse(bufio.NewReader(&buf), req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
