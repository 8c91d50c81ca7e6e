package matching

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gettlstap/tlstap/pkg/rule"
)

// FieldResult describes whether a single match criterion held for the request.
type FieldResult struct {
	Field    string      `json:"field"`
	Matched  bool        `json:"matched"`
	Score    int         `json:"score"`
	MaxScore int         `json:"maxScore"`
	Expected interface{} `json:"expected,omitempty"`
	Actual   interface{} `json:"actual,omitempty"`
	Details  interface{} `json:"details,omitempty"`
}

// ValueDetail describes the match result for a single header or query param.
type ValueDetail struct {
	Key      string `json:"key"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Matched  bool   `json:"matched"`
}

// NearMiss is a rule that partially matched an intercepted request.
type NearMiss struct {
	RuleID           string        `json:"ruleId"`
	RuleName         string        `json:"ruleName,omitempty"`
	Score            int           `json:"score"`
	MaxPossibleScore int           `json:"maxPossibleScore"`
	MatchPercentage  int           `json:"matchPercentage"`
	Fields           []FieldResult `json:"fields"`
	Reason           string        `json:"reason"`
}

// MatchBreakdown evaluates every criterion in the match against the request
// without short-circuiting, returning per-field match/mismatch results.
// Only criteria the match specifies are included in the breakdown.
func MatchBreakdown(m *rule.Match, r *http.Request, body []byte) *NearMiss {
	if m == nil {
		return &NearMiss{}
	}

	// Path and PathPattern are mutually exclusive - invalid config scores zero
	if m.Path != "" && m.PathPattern != "" {
		return &NearMiss{}
	}

	result := &NearMiss{}

	if m.Method != "" {
		matched := MatchMethod(m.Method, r.Method)
		score := 0
		if matched {
			score = ScoreMethod
		}
		result.Fields = append(result.Fields, FieldResult{
			Field:    "method",
			Matched:  matched,
			Score:    score,
			MaxScore: ScoreMethod,
			Expected: m.Method,
			Actual:   r.Method,
		})
		result.Score += score
		result.MaxPossibleScore += ScoreMethod
	}

	if m.Path != "" {
		pathScore := MatchPath(m.Path, r.URL.Path)
		matched := pathScore > 0
		maxScore := maxPathScore(m.Path)
		if matched {
			result.Score += pathScore
		}
		result.Fields = append(result.Fields, FieldResult{
			Field:    "path",
			Matched:  matched,
			Score:    pathScore,
			MaxScore: maxScore,
			Expected: m.Path,
			Actual:   r.URL.Path,
		})
		result.MaxPossibleScore += maxScore
	}

	if m.PathPattern != "" {
		pathScore := MatchPathPattern(m.PathPattern, r.URL.Path)
		matched := pathScore > 0
		if matched {
			result.Score += pathScore
		}
		result.Fields = append(result.Fields, FieldResult{
			Field:    "pathPattern",
			Matched:  matched,
			Score:    pathScore,
			MaxScore: ScorePathPattern,
			Expected: m.PathPattern,
			Actual:   r.URL.Path,
		})
		result.MaxPossibleScore += ScorePathPattern
	}

	if m.Host != "" {
		actual := StripPort(r.Host)
		matched := MatchHostname(m.Host, actual)
		score := 0
		if matched {
			score = ScoreHost
		}
		result.Fields = append(result.Fields, FieldResult{
			Field:    "host",
			Matched:  matched,
			Score:    score,
			MaxScore: ScoreHost,
			Expected: m.Host,
			Actual:   actual,
		})
		result.Score += score
		result.MaxPossibleScore += ScoreHost
	}

	if m.SNI != "" {
		actual := ServerName(r)
		matched := MatchHostname(m.SNI, actual)
		score := 0
		if matched {
			score = ScoreSNI
		}
		display := actual
		if display == "" {
			display = "(no TLS server name)"
		}
		result.Fields = append(result.Fields, FieldResult{
			Field:    "sni",
			Matched:  matched,
			Score:    score,
			MaxScore: ScoreSNI,
			Expected: m.SNI,
			Actual:   display,
		})
		result.Score += score
		result.MaxPossibleScore += ScoreSNI
	}

	if len(m.Headers) > 0 {
		allMatched := true
		headerScore := 0
		var details []ValueDetail
		for name, expected := range m.Headers {
			matched := MatchHeader(name, expected, r.Header)
			actual := r.Header.Get(name)
			if actual == "" {
				actual = "(missing)"
			}
			if matched {
				headerScore += ScoreHeader
			} else {
				allMatched = false
			}
			details = append(details, ValueDetail{
				Key:      name,
				Expected: expected,
				Actual:   actual,
				Matched:  matched,
			})
		}
		maxScore := len(m.Headers) * ScoreHeader
		result.Fields = append(result.Fields, FieldResult{
			Field:    "headers",
			Matched:  allMatched,
			Score:    headerScore,
			MaxScore: maxScore,
			Details:  details,
		})
		result.Score += headerScore
		result.MaxPossibleScore += maxScore
	}

	if len(m.Query) > 0 {
		allMatched := true
		queryScore := 0
		var details []ValueDetail
		queryValues := r.URL.Query()
		for name, expected := range m.Query {
			matched := MatchQueryParam(name, expected, queryValues)
			actual := queryValues.Get(name)
			if actual == "" {
				actual = "(missing)"
			}
			if matched {
				queryScore += ScoreQueryParam
			} else {
				allMatched = false
			}
			details = append(details, ValueDetail{
				Key:      name,
				Expected: expected,
				Actual:   actual,
				Matched:  matched,
			})
		}
		maxScore := len(m.Query) * ScoreQueryParam
		result.Fields = append(result.Fields, FieldResult{
			Field:    "query",
			Matched:  allMatched,
			Score:    queryScore,
			MaxScore: maxScore,
			Details:  details,
		})
		result.Score += queryScore
		result.MaxPossibleScore += maxScore
	}

	if m.BodyEquals != "" {
		matched := string(body) == m.BodyEquals
		score := 0
		if matched {
			score = ScoreBodyEquals
		}
		result.Fields = append(result.Fields, FieldResult{
			Field:    "bodyEquals",
			Matched:  matched,
			Score:    score,
			MaxScore: ScoreBodyEquals,
			Expected: truncate(m.BodyEquals, 200),
			Actual:   truncate(string(body), 200),
		})
		result.Score += score
		result.MaxPossibleScore += ScoreBodyEquals
	}

	if m.BodyContains != "" {
		matched := strings.Contains(string(body), m.BodyContains)
		score := 0
		if matched {
			score = ScoreBodyContains
		}
		actual := "(body does not contain substring)"
		if matched {
			actual = "(body contains substring)"
		}
		result.Fields = append(result.Fields, FieldResult{
			Field:    "bodyContains",
			Matched:  matched,
			Score:    score,
			MaxScore: ScoreBodyContains,
			Expected: fmt.Sprintf("contains %q", m.BodyContains),
			Actual:   actual,
		})
		result.Score += score
		result.MaxPossibleScore += ScoreBodyContains
	}

	if m.BodyPattern != "" {
		patternScore := MatchBodyPattern(m.BodyPattern, body)
		matched := patternScore > 0
		actual := "(body does not match pattern)"
		if matched {
			actual = "(body matches pattern)"
		}
		result.Fields = append(result.Fields, FieldResult{
			Field:    "bodyPattern",
			Matched:  matched,
			Score:    patternScore,
			MaxScore: ScoreBodyPattern,
			Expected: m.BodyPattern,
			Actual:   actual,
		})
		result.Score += patternScore
		result.MaxPossibleScore += ScoreBodyPattern
	}

	if len(m.BodyJSONPath) > 0 {
		jsonPathScore := MatchJSONPath(m.BodyJSONPath, body)
		matched := jsonPathScore > 0
		maxScore := len(m.BodyJSONPath) * ScoreJSONPathCondition
		result.Fields = append(result.Fields, FieldResult{
			Field:    "bodyJsonPath",
			Matched:  matched,
			Score:    jsonPathScore,
			MaxScore: maxScore,
			Expected: m.BodyJSONPath,
		})
		result.Score += jsonPathScore
		result.MaxPossibleScore += maxScore
	}

	if len(m.BodySchema) > 0 {
		schemaScore := MatchSchema(m.BodySchema, body)
		matched := schemaScore > 0
		actual := "(body does not conform to schema)"
		if matched {
			actual = "(body conforms to schema)"
		}
		result.Fields = append(result.Fields, FieldResult{
			Field:    "bodySchema",
			Matched:  matched,
			Score:    schemaScore,
			MaxScore: ScoreBodySchema,
			Actual:   actual,
		})
		result.Score += schemaScore
		result.MaxPossibleScore += ScoreBodySchema
	}

	if len(m.BodyXPath) > 0 {
		xpathScore := MatchXPath(m.BodyXPath, body)
		matched := xpathScore > 0
		maxScore := len(m.BodyXPath) * ScoreXPathCondition
		result.Fields = append(result.Fields, FieldResult{
			Field:    "bodyXpath",
			Matched:  matched,
			Score:    xpathScore,
			MaxScore: maxScore,
			Expected: m.BodyXPath,
		})
		result.Score += xpathScore
		result.MaxPossibleScore += maxScore
	}

	if m.JWT != nil && len(m.JWT.Claims) > 0 {
		jwtScore := MatchJWT(m.JWT, r)
		matched := jwtScore > 0
		maxScore := len(m.JWT.Claims) * ScoreJWTClaim
		actual := "(claims do not match)"
		if matched {
			actual = "(claims match)"
		} else if bearerToken(r) == "" {
			actual = "(no bearer token)"
		}
		result.Fields = append(result.Fields, FieldResult{
			Field:    "jwt",
			Matched:  matched,
			Score:    jwtScore,
			MaxScore: maxScore,
			Expected: m.JWT.Claims,
			Actual:   actual,
		})
		result.Score += jwtScore
		result.MaxPossibleScore += maxScore
	}

	if m.Condition != "" {
		conditionScore := MatchCondition(m.Condition, r)
		matched := conditionScore > 0
		result.Fields = append(result.Fields, FieldResult{
			Field:    "condition",
			Matched:  matched,
			Score:    conditionScore,
			MaxScore: ScoreCondition,
			Expected: m.Condition,
		})
		result.Score += conditionScore
		result.MaxPossibleScore += ScoreCondition
	}

	if result.MaxPossibleScore > 0 {
		result.MatchPercentage = (result.Score * 100) / result.MaxPossibleScore
	}

	result.Reason = GenerateReason(result.Fields)

	return result
}

// CollectNearMisses evaluates all rules against the request and returns the
// top N by partial match score. Only includes rules with at least one
// criterion matched (score > 0). This is only called when dispatch finds no
// rule, so matched requests pay nothing.
func CollectNearMisses(rules []*rule.Rule, r *http.Request, body []byte, topN int) []NearMiss {
	if topN <= 0 {
		topN = 3
	}

	var candidates []NearMiss

	for _, rl := range rules {
		if rl == nil || !rl.IsEnabled() || rl.Match == nil {
			continue
		}

		nm := MatchBreakdown(rl.Match, r, body)
		if nm.Score == 0 {
			continue
		}

		nm.RuleID = rl.ID
		nm.RuleName = rl.Name

		candidates = append(candidates, *nm)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].MatchPercentage > candidates[j].MatchPercentage
	})

	if len(candidates) > topN {
		candidates = candidates[:topN]
	}

	return candidates
}

// GenerateReason creates a human-readable explanation of why a rule
// partially matched but ultimately failed.
func GenerateReason(fields []FieldResult) string {
	if len(fields) == 0 {
		return "no criteria to compare"
	}

	var matched []string
	var firstMismatch *FieldResult

	for i := range fields {
		if fields[i].Matched {
			matched = append(matched, fields[i].Field)
		} else if firstMismatch == nil {
			firstMismatch = &fields[i]
		}
	}

	if firstMismatch == nil {
		return "all specified criteria matched"
	}

	if len(matched) == 0 {
		return formatMismatch(firstMismatch)
	}

	return joinFields(matched) + " matched, but " + formatMismatch(firstMismatch)
}

// formatMismatch formats a single criterion mismatch into a human-readable
// string.
func formatMismatch(f *FieldResult) string {
	switch f.Field {
	case "method":
		return fmt.Sprintf("method expected %q, got %q", f.Expected, f.Actual)
	case "path", "pathPattern":
		return fmt.Sprintf("path expected %q, got %q", f.Expected, f.Actual)
	case "host":
		return fmt.Sprintf("host expected %q, got %q", f.Expected, f.Actual)
	case "sni":
		return fmt.Sprintf("sni expected %q, got %v", f.Expected, f.Actual)
	case "headers":
		if details, ok := f.Details.([]ValueDetail); ok {
			for _, d := range details {
				if !d.Matched {
					return fmt.Sprintf("header %s expected %q, got %q", d.Key, d.Expected, d.Actual)
				}
			}
		}
		return "header mismatch"
	case "query":
		if details, ok := f.Details.([]ValueDetail); ok {
			for _, d := range details {
				if !d.Matched {
					return fmt.Sprintf("query param %s expected %q, got %q", d.Key, d.Expected, d.Actual)
				}
			}
		}
		return "query parameter mismatch"
	case "bodyEquals":
		return fmt.Sprintf("body expected exact match %q", f.Expected)
	case "bodyContains":
		return fmt.Sprintf("body expected to %v", f.Expected)
	case "bodyPattern":
		return fmt.Sprintf("body expected to match pattern %q", f.Expected)
	case "bodyJsonPath":
		return "body JSONPath condition not satisfied"
	case "bodySchema":
		return "body does not conform to schema"
	case "bodyXpath":
		return "body XPath condition not satisfied"
	case "jwt":
		return fmt.Sprintf("jwt %v", f.Actual)
	case "condition":
		return fmt.Sprintf("condition %q not satisfied", f.Expected)
	default:
		return f.Field + " did not match"
	}
}

// joinFields joins field names with commas and "and".
func joinFields(fields []string) string {
	switch len(fields) {
	case 0:
		return ""
	case 1:
		return fields[0]
	case 2:
		return fields[0] + " and " + fields[1]
	default:
		return strings.Join(fields[:len(fields)-1], ", ") + ", and " + fields[len(fields)-1]
	}
}

// maxPathScore returns the maximum possible score for a path template.
func maxPathScore(path string) int {
	if strings.Contains(path, "{") {
		return ScorePathNamedParams
	}
	if strings.Contains(path, "*") {
		return ScorePathWildcard
	}
	return ScorePathExact
}

// truncate shortens a string to maxLen, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
