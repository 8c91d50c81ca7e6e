package integration

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gettlstap/tlstap/pkg/config"
	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/keylog"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// proxiedClient routes everything through the CONNECT port, trusting the
// intercepting certificate.
func proxiedClient(proxyPort int) *http.Client {
	proxyURL, _ := url.Parse(fmt.Sprintf("http://localhost:%d", proxyPort))
	return &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func TestConnectInterceptReply(t *testing.T) {
	srv := startServer(t, &config.ServerConfiguration{
		HTTPSPort: getFreePort(t),
		ProxyPort: getFreePort(t),
	})
	require.NoError(t, srv.AddRule(&rule.Rule{
		ID:    "intercepted",
		Match: &rule.Match{Host: "intercepted.example.com", Path: "/secret"},
		Reply: &rule.Reply{
			Status:  200,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    `{"intercepted":true}`,
		},
	}))

	// The target host does not exist; the proxy terminates the tunnel
	// itself and answers from the rule.
	client := proxiedClient(srv.ProxyPort())
	resp, err := client.Get("https://intercepted.example.com/secret")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"intercepted":true}`, string(body))
}

func TestConnectInterceptPassthroughToOriginalTarget(t *testing.T) {
	_, host, port := startTLSTarget(t)

	srv := startServer(t, &config.ServerConfiguration{
		HTTPSPort: getFreePort(t),
		ProxyPort: getFreePort(t),
	})
	// Empty passthrough host: forward to the CONNECT target itself.
	require.NoError(t, srv.AddRule(&rule.Rule{
		ID:          "forward",
		Match:       &rule.Match{PathPattern: "/**"},
		PassThrough: &rule.PassThrough{},
	}))

	_, unsubscribe := srv.SubscribeEvents(events.TypeKeylog)
	defer unsubscribe()

	client := proxiedClient(srv.ProxyPort())
	resp, err := client.Get(fmt.Sprintf("https://%s:%d/echo", host, port))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "GET /echo", string(body))

	// Both legs of the tunnel were tapped.
	types := make(map[string]bool)
	for _, c := range keylogEvents(srv) {
		types[c.ConnectionType] = true
	}
	assert.True(t, types[keylog.ConnectionIncoming], "incoming leg not captured")
	assert.True(t, types[keylog.ConnectionUpstream], "upstream leg not captured")
}

func TestConnectInterceptNoMatch(t *testing.T) {
	srv := startServer(t, &config.ServerConfiguration{
		HTTPSPort: getFreePort(t),
		ProxyPort: getFreePort(t),
	})

	client := proxiedClient(srv.ProxyPort())
	resp, err := client.Get("https://nowhere.example.com/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "no_rule_matched")
}

func TestConnectRequiresConnectMethod(t *testing.T) {
	srv := startServer(t, &config.ServerConfiguration{
		HTTPSPort: getFreePort(t),
		ProxyPort: getFreePort(t),
	})

	// A plain GET against the CONNECT port is rejected.
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/", srv.ProxyPort()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
