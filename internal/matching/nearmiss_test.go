package matching

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/gettlstap/tlstap/pkg/rule"
)

// Helper to create a test HTTP request.
func newTestRequest(method, path string, headers map[string]string, body string) *http.Request {
	r := &http.Request{
		Method: method,
		URL:    &url.URL{Path: path, RawQuery: ""},
		Header: http.Header{},
		Body:   http.NoBody,
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	if body != "" {
		r.Body = newReadCloser(body)
	}
	return r
}

// Helper to create a request with query params.
func newTestRequestWithQuery(method, path, rawQuery string) *http.Request {
	return &http.Request{
		Method: method,
		URL:    &url.URL{Path: path, RawQuery: rawQuery},
		Header: http.Header{},
		Body:   http.NoBody,
	}
}

type readCloser struct {
	*strings.Reader
}

func (rc readCloser) Close() error { return nil }

func newReadCloser(s string) readCloser {
	return readCloser{strings.NewReader(s)}
}

// --- MatchBreakdown Tests ---

func TestMatchBreakdown_NilMatch(t *testing.T) {
	r := newTestRequest("GET", "/test", nil, "")
	nm := MatchBreakdown(nil, r, nil)
	if nm.Score != 0 {
		t.Errorf("expected score 0 for nil match, got %d", nm.Score)
	}
}

func TestMatchBreakdown_AllCriteriaMatch(t *testing.T) {
	m := &rule.Match{
		Method: "GET",
		Path:   "/api/users",
	}
	r := newTestRequest("GET", "/api/users", nil, "")
	nm := MatchBreakdown(m, r, nil)

	if !nm.Fields[0].Matched || !nm.Fields[1].Matched {
		t.Error("expected both method and path to match")
	}
	if nm.Score != ScoreMethod+ScorePathExact {
		t.Errorf("expected score %d, got %d", ScoreMethod+ScorePathExact, nm.Score)
	}
	if nm.MatchPercentage != 100 {
		t.Errorf("expected 100%% match, got %d%%", nm.MatchPercentage)
	}
}

func TestMatchBreakdown_MethodMismatch(t *testing.T) {
	m := &rule.Match{
		Method: "POST",
		Path:   "/api/users",
	}
	r := newTestRequest("GET", "/api/users", nil, "")
	nm := MatchBreakdown(m, r, nil)

	// Method should NOT match
	if nm.Fields[0].Matched {
		t.Error("expected method to not match")
	}
	if nm.Fields[0].Expected != "POST" || nm.Fields[0].Actual != "GET" {
		t.Errorf("expected POST/GET, got %v/%v", nm.Fields[0].Expected, nm.Fields[0].Actual)
	}

	// Path should still match (no short-circuit)
	if !nm.Fields[1].Matched {
		t.Error("expected path to match despite method mismatch")
	}

	// Score should be path only
	if nm.Score != ScorePathExact {
		t.Errorf("expected score %d (path only), got %d", ScorePathExact, nm.Score)
	}
}

func TestMatchBreakdown_HostAndSNI(t *testing.T) {
	m := &rule.Match{
		Host: "*.example.com",
		SNI:  "api.example.com",
	}
	r := newTestRequest("GET", "/api/users", nil, "")
	r.Host = "api.example.com:4480"
	nm := MatchBreakdown(m, r, nil)

	if !nm.Fields[0].Matched {
		t.Error("expected host to match")
	}
	// Plaintext request carries no SNI
	if nm.Fields[1].Matched {
		t.Error("expected sni to not match without TLS")
	}
	if nm.Score != ScoreHost {
		t.Errorf("expected score %d (host only), got %d", ScoreHost, nm.Score)
	}
}

func TestMatchBreakdown_HeaderMismatch(t *testing.T) {
	m := &rule.Match{
		Method: "POST",
		Path:   "/api/users",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer *",
		},
	}
	r := newTestRequest("POST", "/api/users", map[string]string{
		"Content-Type": "text/plain",
		// Authorization missing
	}, "")
	nm := MatchBreakdown(m, r, nil)

	// Method and path match
	if !nm.Fields[0].Matched || !nm.Fields[1].Matched {
		t.Error("expected method and path to match")
	}

	// Headers should not all match
	headersField := nm.Fields[2]
	if headersField.Matched {
		t.Error("expected headers to not match overall")
	}

	// Check individual header details
	details, ok := headersField.Details.([]ValueDetail)
	if !ok {
		t.Fatal("expected ValueDetail slice in details")
	}

	// At least one header should not match
	mismatched := 0
	for _, d := range details {
		if !d.Matched {
			mismatched++
		}
	}
	if mismatched == 0 {
		t.Error("expected at least one header mismatch")
	}
}

func TestMatchBreakdown_QueryMismatch(t *testing.T) {
	m := &rule.Match{
		Method: "GET",
		Path:   "/api/search",
		Query: map[string]string{
			"q":    "tlstap",
			"page": "1",
		},
	}
	r := newTestRequestWithQuery("GET", "/api/search", "q=tlstap&page=2")
	nm := MatchBreakdown(m, r, nil)

	// Method and path match, query params partially match
	queryField := nm.Fields[2]
	if queryField.Field != "query" {
		t.Fatalf("expected query field, got %s", queryField.Field)
	}
	if queryField.Matched {
		t.Error("expected query to not match (page=2 vs page=1)")
	}
	// q=tlstap matched, so partial score
	if queryField.Score != ScoreQueryParam {
		t.Errorf("expected partial query score %d, got %d", ScoreQueryParam, queryField.Score)
	}
}

func TestMatchBreakdown_BodyContainsMismatch(t *testing.T) {
	m := &rule.Match{
		Method:       "POST",
		Path:         "/api/users",
		BodyContains: "email",
	}
	body := `{"name": "Alice"}`
	r := newTestRequest("POST", "/api/users", nil, body)
	nm := MatchBreakdown(m, r, []byte(body))

	// Method and path match
	if !nm.Fields[0].Matched || !nm.Fields[1].Matched {
		t.Error("expected method and path to match")
	}

	// BodyContains should not match
	bodyField := nm.Fields[2]
	if bodyField.Matched {
		t.Error("expected bodyContains to not match")
	}
	if bodyField.Score != 0 {
		t.Errorf("expected score 0 for body mismatch, got %d", bodyField.Score)
	}
}

func TestMatchBreakdown_PathPattern(t *testing.T) {
	m := &rule.Match{
		Method:      "GET",
		PathPattern: "/api/users/*",
	}
	r := newTestRequest("GET", "/api/users/42/profile", nil, "")
	nm := MatchBreakdown(m, r, nil)

	if !nm.Fields[0].Matched {
		t.Error("expected method to match")
	}
	if nm.Fields[1].Matched {
		t.Error("expected pathPattern to not match across segments")
	}
}

func TestMatchBreakdown_ScoreCalculation(t *testing.T) {
	m := &rule.Match{
		Method: "GET",
		Path:   "/api/users",
		Headers: map[string]string{
			"Accept": "application/json",
		},
		Query: map[string]string{
			"limit": "10",
		},
	}
	r := newTestRequestWithQuery("GET", "/api/users", "limit=10")
	r.Header.Set("Accept", "application/json")
	nm := MatchBreakdown(m, r, nil)

	expectedScore := ScoreMethod + ScorePathExact + ScoreHeader + ScoreQueryParam
	if nm.Score != expectedScore {
		t.Errorf("expected score %d, got %d", expectedScore, nm.Score)
	}
	if nm.MatchPercentage != 100 {
		t.Errorf("expected 100%%, got %d%%", nm.MatchPercentage)
	}
}

func TestMatchBreakdown_Percentage(t *testing.T) {
	m := &rule.Match{
		Method: "POST",
		Path:   "/api/users",
	}
	// Method matches, path doesn't
	r := newTestRequest("POST", "/api/products", nil, "")
	nm := MatchBreakdown(m, r, nil)

	// Score = method (10), Max = method (10) + path (15) = 25
	expectedPct := (ScoreMethod * 100) / (ScoreMethod + ScorePathExact)
	if nm.MatchPercentage != expectedPct {
		t.Errorf("expected %d%%, got %d%%", expectedPct, nm.MatchPercentage)
	}
}

func TestMatchBreakdown_OnlySpecifiedCriteria(t *testing.T) {
	// Match only specifies method - path, headers, body should not appear
	m := &rule.Match{
		Method: "GET",
	}
	r := newTestRequest("GET", "/anything", nil, "")
	nm := MatchBreakdown(m, r, nil)

	if len(nm.Fields) != 1 {
		t.Errorf("expected 1 field (method only), got %d", len(nm.Fields))
	}
	if nm.Fields[0].Field != "method" {
		t.Errorf("expected 'method' field, got %q", nm.Fields[0].Field)
	}
}

// --- CollectNearMisses Tests ---

func TestCollectNearMisses_Ordering(t *testing.T) {
	rules := []*rule.Rule{
		{ID: "rule1", Name: "Exact path",
			Match: &rule.Match{Method: "GET", Path: "/api/users"}},
		{ID: "rule2", Name: "Wrong everything",
			Match: &rule.Match{Method: "DELETE", Path: "/api/admin"}},
		{ID: "rule3", Name: "Right method only",
			Match: &rule.Match{Method: "POST", Path: "/api/products"}},
	}

	r := newTestRequest("POST", "/api/users", nil, "")
	results := CollectNearMisses(rules, r, nil, 3)

	if len(results) == 0 {
		t.Fatal("expected at least one near miss")
	}

	// rule1 matches path but not method (score = path 15)
	// rule3 matches method but not path (score = method 10)
	// rule2 matches nothing (DELETE != POST, /api/admin != /api/users)
	// So rule1 should be first (higher score from path)
	if results[0].RuleID != "rule1" {
		t.Errorf("expected rule1 first (path match), got %s", results[0].RuleID)
	}
}

func TestCollectNearMisses_FilterZeroScore(t *testing.T) {
	rules := []*rule.Rule{
		{ID: "rule1",
			Match: &rule.Match{Method: "DELETE", Path: "/completely/different"}},
	}

	r := newTestRequest("GET", "/api/users", nil, "")
	results := CollectNearMisses(rules, r, nil, 3)

	// Nothing should match at all
	if len(results) != 0 {
		t.Errorf("expected 0 near misses, got %d", len(results))
	}
}

func TestCollectNearMisses_Empty(t *testing.T) {
	r := newTestRequest("GET", "/api/users", nil, "")
	results := CollectNearMisses(nil, r, nil, 3)
	if len(results) != 0 {
		t.Errorf("expected 0 results for nil rules, got %d", len(results))
	}
}

func TestCollectNearMisses_SkipsDisabled(t *testing.T) {
	disabled := false
	rules := []*rule.Rule{
		{ID: "rule1", Enabled: &disabled,
			Match: &rule.Match{Method: "GET", Path: "/api/users"}},
		{ID: "rule2"}, // no match block
	}

	r := newTestRequest("GET", "/api/users", nil, "")
	results := CollectNearMisses(rules, r, nil, 3)
	if len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
}

func TestCollectNearMisses_TopN(t *testing.T) {
	var rules []*rule.Rule
	for i := 0; i < 10; i++ {
		rules = append(rules, &rule.Rule{
			ID:    fmt.Sprintf("rule%d", i),
			Match: &rule.Match{Method: "GET", Path: fmt.Sprintf("/api/path%d", i)},
		})
	}

	// All rules match on method (score 10 each)
	r := newTestRequest("GET", "/api/other", nil, "")
	results := CollectNearMisses(rules, r, nil, 3)

	if len(results) > 3 {
		t.Errorf("expected at most 3 results, got %d", len(results))
	}
}

// --- GenerateReason Tests ---

func TestGenerateReason_AllMatched(t *testing.T) {
	fields := []FieldResult{
		{Field: "method", Matched: true},
		{Field: "path", Matched: true},
	}
	reason := GenerateReason(fields)
	if reason != "all specified criteria matched" {
		t.Errorf("unexpected reason: %s", reason)
	}
}

func TestGenerateReason_MethodMismatch(t *testing.T) {
	fields := []FieldResult{
		{Field: "method", Matched: false, Expected: "POST", Actual: "GET"},
	}
	reason := GenerateReason(fields)
	if !strings.Contains(reason, "method expected") {
		t.Errorf("expected method mismatch in reason, got: %s", reason)
	}
}

func TestGenerateReason_PartialMatch(t *testing.T) {
	fields := []FieldResult{
		{Field: "method", Matched: true},
		{Field: "path", Matched: false, Expected: "/api/users", Actual: "/api/products"},
	}
	reason := GenerateReason(fields)
	if !strings.Contains(reason, "method matched") {
		t.Errorf("expected 'method matched' in reason, got: %s", reason)
	}
	if !strings.Contains(reason, "path expected") {
		t.Errorf("expected path mismatch in reason, got: %s", reason)
	}
}

func TestGenerateReason_MultipleMatched(t *testing.T) {
	fields := []FieldResult{
		{Field: "method", Matched: true},
		{Field: "path", Matched: true},
		{Field: "headers", Matched: false, Details: []ValueDetail{
			{Key: "Content-Type", Expected: "application/json", Actual: "text/plain", Matched: false},
		}},
	}
	reason := GenerateReason(fields)
	if !strings.Contains(reason, "method and path matched") {
		t.Errorf("expected 'method and path matched' in reason, got: %s", reason)
	}
	if !strings.Contains(reason, "header Content-Type") {
		t.Errorf("expected header detail in reason, got: %s", reason)
	}
}

func TestGenerateReason_Empty(t *testing.T) {
	reason := GenerateReason(nil)
	if reason != "no criteria to compare" {
		t.Errorf("unexpected reason for empty fields: %s", reason)
	}
}

func TestJoinFields(t *testing.T) {
	tests := []struct {
		input    []string
		expected string
	}{
		{nil, ""},
		{[]string{"method"}, "method"},
		{[]string{"method", "path"}, "method and path"},
		{[]string{"method", "path", "headers"}, "method, path, and headers"},
	}
	for _, tt := range tests {
		got := joinFields(tt.input)
		if got != tt.expected {
			t.Errorf("joinFields(%v) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
