package matching

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchHeader(t *testing.T) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Request-Id", "req-12345")

	tests := []struct {
		name    string
		header  string
		pattern string
		want    bool
	}{
		{"exact match", "Content-Type", "application/json", true},
		{"case-insensitive name", "content-type", "application/json", true},
		{"prefix pattern", "Content-Type", "application/*", true},
		{"suffix pattern", "Content-Type", "*/json", true},
		{"contains pattern", "X-Request-Id", "*12345*", true},
		{"contains pattern no match", "X-Request-Id", "*99999*", false},
		{"value mismatch", "Content-Type", "text/html", false},
		{"missing header", "Authorization", "Bearer x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchHeader(tt.header, tt.pattern, headers))
		})
	}
}

func TestMatchQueryParam(t *testing.T) {
	params := url.Values{}
	params.Set("page", "2")
	params.Set("filter", "status:active")

	tests := []struct {
		name    string
		param   string
		pattern string
		want    bool
	}{
		{"exact match", "page", "2", true},
		{"exact mismatch", "page", "3", false},
		{"prefix pattern", "filter", "status:*", true},
		{"contains pattern", "filter", "*active*", true},
		{"missing param", "sort", "asc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchQueryParam(tt.param, tt.pattern, params))
		})
	}
}

func TestMatchHostname(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		host    string
		want    bool
	}{
		{"exact match", "example.com", "example.com", true},
		{"case insensitive", "Example.COM", "example.com", true},
		{"trailing dot ignored", "example.com", "example.com.", true},
		{"exact mismatch", "example.com", "example.org", false},
		{"wildcard one label", "*.example.com", "api.example.com", true},
		{"wildcard does not match apex", "*.example.com", "example.com", false},
		{"wildcard does not match two labels", "*.example.com", "a.b.example.com", false},
		{"wildcard wrong parent", "*.example.com", "api.example.org", false},
		{"empty host", "example.com", "", false},
		{"empty pattern", "", "example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchHostname(tt.pattern, tt.host))
		})
	}
}

func TestStripPort(t *testing.T) {
	tests := []struct {
		name     string
		hostport string
		want     string
	}{
		{"host with port", "example.com:8443", "example.com"},
		{"host without port", "example.com", "example.com"},
		{"ipv4 with port", "127.0.0.1:4480", "127.0.0.1"},
		{"bracketed ipv6 with port", "[::1]:4480", "::1"},
		{"bracketed ipv6 without port", "[::1]", "::1"},
		{"bare ipv6", "2001:db8::1", "2001:db8::1"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripPort(tt.hostport))
		})
	}
}
