package integration

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gettlstap/tlstap/pkg/config"
)

// startBodyEchoTarget runs an upstream TLS server that mirrors the request
// body back verbatim.
func startBodyEchoTarget(t *testing.T) (string, int) {
	t.Helper()
	target := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(body)
	}))
	t.Cleanup(target.Close)

	u, err := url.Parse(target.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestPassthroughRelaysBodyWithMinimalConfig(t *testing.T) {
	host, port := startBodyEchoTarget(t)

	// Only the port is set; the engine must fill the body limit itself or
	// every buffered body comes back empty.
	srv := startServer(t, &config.ServerConfiguration{HTTPSPort: getFreePort(t)})
	require.NoError(t, srv.AddRule(passthroughRule(host, port)))

	resp, err := insecureClient().Post(
		fmt.Sprintf("https://localhost:%d/echo", srv.BoundPort()),
		"text/plain",
		strings.NewReader("hello-body"),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello-body", string(got))
}

func TestPassthroughRelaysLargeBody(t *testing.T) {
	host, port := startBodyEchoTarget(t)

	srv := startServer(t, &config.ServerConfiguration{HTTPSPort: getFreePort(t)})
	require.NoError(t, srv.AddRule(passthroughRule(host, port)))

	payload := strings.Repeat("x", 256*1024)
	resp, err := insecureClient().Post(
		fmt.Sprintf("https://localhost:%d/echo", srv.BoundPort()),
		"text/plain",
		strings.NewReader(payload),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, got, len(payload))
}
