package matching

import (
	"regexp"
	"sync"
)

var (
	regexpCacheMu sync.RWMutex
	regexpCache   = make(map[string]*regexp.Regexp)
)

// MatchBodyPattern checks if the request body matches a regex pattern.
// Returns a score > 0 if matched, 0 if not matched.
// Uses Go's regexp package with RE2 syntax. Compiled patterns are cached
// since the same rule evaluates on every dispatch.
func MatchBodyPattern(pattern string, body []byte) int {
	if pattern == "" {
		return 0
	}

	re, err := compiledRegexp(pattern)
	if err != nil {
		// Invalid regex pattern - gracefully return no match
		return 0
	}

	if re.Match(body) {
		return ScoreBodyPattern
	}

	return 0
}

// compiledRegexp returns a cached compiled pattern.
func compiledRegexp(pattern string) (*regexp.Regexp, error) {
	regexpCacheMu.RLock()
	re, ok := regexpCache[pattern]
	regexpCacheMu.RUnlock()
	if ok {
		return re, nil
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	regexpCacheMu.Lock()
	defer regexpCacheMu.Unlock()
	if re, ok := regexpCache[pattern]; ok {
		return re, nil
	}
	regexpCache[pattern] = compiled
	return compiled, nil
}
