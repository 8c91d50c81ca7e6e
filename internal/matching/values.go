package matching

import (
	"net/http"
	"net/url"
	"strings"
)

// matchValuePattern matches a value against a pattern with * wildcards:
// exact, prefix (pat*), suffix (*pat), and contains (*pat*).
func matchValuePattern(pattern, value string) bool {
	if !strings.Contains(pattern, "*") {
		return value == pattern
	}

	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		middle := strings.Trim(pattern, "*")
		return strings.Contains(value, middle)
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(value, strings.TrimPrefix(pattern, "*"))
	}

	return false
}

// MatchHeader checks if a header matches the expected pattern.
// Header names are case-insensitive; values support * patterns.
func MatchHeader(name, pattern string, headers http.Header) bool {
	value := headers.Get(name)
	if value == "" {
		return false
	}
	return matchValuePattern(pattern, value)
}

// MatchQueryParam checks if a query parameter matches the expected pattern.
func MatchQueryParam(name, pattern string, params url.Values) bool {
	value := params.Get(name)
	if value == "" {
		return false
	}
	return matchValuePattern(pattern, value)
}

// MatchHostname matches a hostname against a pattern, case-insensitively.
// A leading "*." matches exactly one extra label: "*.example.com" matches
// "api.example.com" but not "example.com" or "a.b.example.com".
func MatchHostname(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if pattern == "" || host == "" {
		return false
	}

	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		label, parent, found := strings.Cut(host, ".")
		return found && label != "" && parent == rest
	}

	return host == pattern
}

// StripPort removes a :port suffix from a host, leaving bare hostnames
// and bracketed IPv6 literals intact.
func StripPort(hostport string) string {
	if hostport == "" {
		return ""
	}
	// IPv6 literal with port: [::1]:443
	if strings.HasPrefix(hostport, "[") {
		if idx := strings.LastIndex(hostport, "]"); idx >= 0 {
			return hostport[1:idx]
		}
		return hostport
	}
	// Bare IPv6 literal without a port
	if strings.Count(hostport, ":") > 1 {
		return hostport
	}
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		return hostport[:idx]
	}
	return hostport
}
