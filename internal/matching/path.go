package matching

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchPath checks if the request path matches the pattern.
// Returns a score > 0 if matched, 0 if not matched.
// Exact matches score higher than wildcard matches.
// Supports:
//   - Exact match: "/api/users" matches "/api/users"
//   - Wildcard: "/api/users/*" matches "/api/users/123"
//   - Named params: "/api/users/{id}" matches "/api/users/123"
func MatchPath(pattern, path string) int {
	// Exact match
	if pattern == path {
		return ScorePathExact
	}

	// Named parameter pattern (e.g. /api/users/{id})
	if strings.Contains(pattern, "{") && strings.Contains(pattern, "}") {
		if matchNamedParams(pattern, path) {
			return ScorePathNamedParams
		}
	}

	// Trailing wildcard (e.g. /api/users/*)
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if strings.HasPrefix(path, prefix+"/") || path == prefix {
			return ScorePathWildcard
		}
	}

	// General wildcard matching
	if strings.Contains(pattern, "*") {
		if matchWildcard(pattern, path) {
			return ScorePathWildcard
		}
	}

	return 0
}

// matchNamedParams checks if path matches a pattern with named parameters.
// Example: "/users/{id}" matches "/users/123"
func matchNamedParams(pattern, path string) bool {
	patternParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i, patternPart := range patternParts {
		// Named parameter matches any value
		if strings.HasPrefix(patternPart, "{") && strings.HasSuffix(patternPart, "}") {
			continue
		}
		if patternPart != pathParts[i] {
			return false
		}
	}

	return true
}

// matchWildcard performs simple wildcard pattern matching.
// * matches any sequence of characters.
func matchWildcard(pattern, path string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == path
	}

	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}

		// First part must be a prefix
		if i == 0 {
			if !strings.HasPrefix(path, part) {
				return false
			}
			pos = len(part)
			continue
		}

		idx := strings.Index(path[pos:], part)
		if idx == -1 {
			return false
		}
		pos += idx + len(part)
	}

	return true
}

// MatchPathPattern checks if the request path matches a doublestar glob.
// Returns a score > 0 if matched, 0 if not matched. The glob uses
// slash-separated segments where * spans one segment and ** spans any
// number, e.g. "/api/**" matches "/api/users/42".
func MatchPathPattern(pattern, path string) int {
	if pattern == "" {
		return 0
	}

	matched, err := doublestar.Match(pattern, path)
	if err != nil || !matched {
		return 0
	}
	return ScorePathPattern
}

// ValidatePathPattern checks if a doublestar glob is valid.
func ValidatePathPattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid glob pattern: %s", pattern)
	}
	return nil
}

// PathParams extracts path variables from a pattern with {name} params and
// * wildcards.
// Examples:
//   - pattern "/users/{id}" with path "/users/123" returns {"id": "123"}
//   - pattern "/api/users/*" with path "/api/users/456" returns {"0": "456"}
func PathParams(pattern, path string) map[string]string {
	result := make(map[string]string)

	patternParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	wildcardIndex := 0

	for i, patternPart := range patternParts {
		if i >= len(pathParts) {
			break
		}

		// Named parameter: {name}
		if strings.HasPrefix(patternPart, "{") && strings.HasSuffix(patternPart, "}") {
			paramName := patternPart[1 : len(patternPart)-1]
			result[paramName] = pathParts[i]
			continue
		}

		// Wildcard: * captures the segment, or the rest when trailing
		if patternPart == "*" {
			if i == len(patternParts)-1 {
				remaining := strings.Join(pathParts[i:], "/")
				result[fmt.Sprintf("%d", wildcardIndex)] = remaining
			} else {
				result[fmt.Sprintf("%d", wildcardIndex)] = pathParts[i]
			}
			wildcardIndex++
			continue
		}
	}

	return result
}
