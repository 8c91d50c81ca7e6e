package matching

import (
	"net/http"
	"strings"

	"github.com/gettlstap/tlstap/pkg/rule"
)

// MatchResult pairs a rule with its dispatch score and any path parameters
// extracted from the matched path template.
type MatchResult struct {
	Rule       *rule.Rule
	Score      int
	PathParams map[string]string
}

// MatchScore calculates the match score for a request against a match
// predicate. Returns 0 if there's no match; higher scores indicate more
// specific matches.
func MatchScore(m *rule.Match, r *http.Request, body []byte) int {
	score, _ := MatchScoreWithParams(m, r, body)
	return score
}

// MatchScoreWithParams calculates the match score and returns path
// parameters captured from {param} segments in the path template.
// Every specified criterion must hold; the first failing criterion
// short-circuits to 0.
func MatchScoreWithParams(m *rule.Match, r *http.Request, body []byte) (int, map[string]string) {
	if m == nil {
		return 0, nil
	}

	// Path and PathPattern are mutually exclusive
	if m.Path != "" && m.PathPattern != "" {
		return 0, nil
	}

	score := 0
	var pathParams map[string]string

	if m.Method != "" {
		if !MatchMethod(m.Method, r.Method) {
			return 0, nil
		}
		score += ScoreMethod
	}

	if m.Path != "" {
		pathScore := MatchPath(m.Path, r.URL.Path)
		if pathScore == 0 {
			return 0, nil
		}
		score += pathScore
		pathParams = PathParams(m.Path, r.URL.Path)
	}

	if m.PathPattern != "" {
		pathScore := MatchPathPattern(m.PathPattern, r.URL.Path)
		if pathScore == 0 {
			return 0, nil
		}
		score += pathScore
	}

	if m.Host != "" {
		if !MatchHostname(m.Host, StripPort(r.Host)) {
			return 0, nil
		}
		score += ScoreHost
	}

	if m.SNI != "" {
		if !MatchHostname(m.SNI, ServerName(r)) {
			return 0, nil
		}
		score += ScoreSNI
	}

	for name, value := range m.Headers {
		if !MatchHeader(name, value, r.Header) {
			return 0, nil
		}
		score += ScoreHeader
	}

	for name, value := range m.Query {
		if !MatchQueryParam(name, value, r.URL.Query()) {
			return 0, nil
		}
		score += ScoreQueryParam
	}

	// Body criteria combine with AND logic
	if m.BodyEquals != "" {
		if string(body) != m.BodyEquals {
			return 0, nil
		}
		score += ScoreBodyEquals
	}

	if m.BodyContains != "" {
		if !strings.Contains(string(body), m.BodyContains) {
			return 0, nil
		}
		score += ScoreBodyContains
	}

	if m.BodyPattern != "" {
		patternScore := MatchBodyPattern(m.BodyPattern, body)
		if patternScore == 0 {
			return 0, nil
		}
		score += patternScore
	}

	if len(m.BodyJSONPath) > 0 {
		jsonPathScore := MatchJSONPath(m.BodyJSONPath, body)
		if jsonPathScore == 0 {
			return 0, nil
		}
		score += jsonPathScore
	}

	if len(m.BodySchema) > 0 {
		schemaScore := MatchSchema(m.BodySchema, body)
		if schemaScore == 0 {
			return 0, nil
		}
		score += schemaScore
	}

	if len(m.BodyXPath) > 0 {
		xpathScore := MatchXPath(m.BodyXPath, body)
		if xpathScore == 0 {
			return 0, nil
		}
		score += xpathScore
	}

	if m.JWT != nil {
		jwtScore := MatchJWT(m.JWT, r)
		if jwtScore == 0 {
			return 0, nil
		}
		score += jwtScore
	}

	if m.Condition != "" {
		conditionScore := MatchCondition(m.Condition, r)
		if conditionScore == 0 {
			return 0, nil
		}
		score += conditionScore
	}

	return score, pathParams
}

// MatchMethod checks if the request method matches, case-insensitively.
func MatchMethod(expected, actual string) bool {
	return strings.EqualFold(expected, actual)
}

// ServerName returns the SNI the client presented during the TLS handshake,
// or "" for plaintext connections.
func ServerName(r *http.Request) string {
	if r.TLS == nil {
		return ""
	}
	return r.TLS.ServerName
}
