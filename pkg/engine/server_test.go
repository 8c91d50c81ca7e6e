package engine

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gettlstap/tlstap/pkg/config"
)

func newTestEngine(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultServerConfiguration()
	cfg.HTTPSPort = 0 // ephemeral

	srv := NewServer(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if srv.IsRunning() {
			_ = srv.Stop()
		}
	})
	return srv
}

func insecureClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func TestServerLifecycle(t *testing.T) {
	cfg := config.DefaultServerConfiguration()
	cfg.HTTPSPort = 0

	srv := NewServer(cfg)
	assert.Equal(t, StateStopped, srv.State())
	assert.False(t, srv.IsRunning())
	assert.Equal(t, 0, srv.Uptime())

	require.NoError(t, srv.Start())
	assert.Equal(t, StateRunning, srv.State())
	assert.True(t, srv.IsRunning())
	assert.NotZero(t, srv.BoundPort())

	// Start from running is an error.
	assert.Error(t, srv.Start())

	require.NoError(t, srv.Stop())
	assert.Equal(t, StateStopped, srv.State())

	// Stop from stopped is an error.
	assert.Error(t, srv.Stop())
}

func TestServerRestart(t *testing.T) {
	cfg := config.DefaultServerConfiguration()
	cfg.HTTPSPort = 0

	srv := NewServer(cfg)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	require.NoError(t, srv.Stop())
}

func TestServerStopImmediatelyAfterStart(t *testing.T) {
	// A Stop racing the freshly launched serve goroutines must shut the
	// listeners down cleanly, never crash them.
	cfg := config.DefaultServerConfiguration()
	cfg.HTTPSPort = 0

	srv := NewServer(cfg)
	for i := 0; i < 10; i++ {
		require.NoError(t, srv.Start())
		require.NoError(t, srv.Stop())
	}
	assert.Equal(t, StateStopped, srv.State())
}

func TestNewServerFillsUnsetLimits(t *testing.T) {
	// A caller that only names ports still gets working body buffering,
	// timeouts, and event retention.
	cfg := &config.ServerConfiguration{HTTPSPort: 0}
	NewServer(cfg)

	assert.Equal(t, 10*1024*1024, cfg.MaxBodySize)
	assert.Equal(t, 30, cfg.ReadTimeout)
	assert.Equal(t, 30, cfg.WriteTimeout)
	assert.Equal(t, 1000, cfg.MaxEventEntries)
	require.NotNil(t, cfg.TLS)
	assert.True(t, cfg.TLS.AutoGenerateCert)
}

func TestServerServesReplyRule(t *testing.T) {
	srv := newTestEngine(t)

	require.NoError(t, srv.AddRule(replyRule("r1", "/api/ping")))

	url := fmt.Sprintf("https://127.0.0.1:%d/api/ping", srv.BoundPort())
	resp, err := insecureClient().Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestServerNoMatchReturns502(t *testing.T) {
	srv := newTestEngine(t)

	url := fmt.Sprintf("https://127.0.0.1:%d/unmatched", srv.BoundPort())
	resp, err := insecureClient().Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServerControlAPI(t *testing.T) {
	srv := newTestEngine(t)

	url := fmt.Sprintf("http://127.0.0.1:%d/health", srv.APIPort())
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestServerRuleAccessors(t *testing.T) {
	cfg := config.DefaultServerConfiguration()
	srv := NewServer(cfg)

	require.NoError(t, srv.AddRule(replyRule("r1", "/a")))
	require.NoError(t, srv.AddRule(replyRule("r2", "/b")))
	assert.Equal(t, 2, srv.RuleCount())

	require.NoError(t, srv.DeleteRule("r1"))
	assert.Nil(t, srv.GetRule("r1"))
	assert.NotNil(t, srv.GetRule("r2"))

	srv.ClearRules()
	assert.Equal(t, 0, srv.RuleCount())
}
