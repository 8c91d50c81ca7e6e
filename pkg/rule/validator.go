package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/ohler55/ojg/jp"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Store errors shared by every rule collection implementation.
var (
	// ErrNotFound reports a lookup for an unknown rule ID.
	ErrNotFound = errors.New("rule not found")

	// ErrDuplicateID reports an insert with an already registered ID.
	ErrDuplicateID = errors.New("rule with this ID already exists")
)

// ValidationError represents a validation failure with context.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// validHTTPMethods are the allowed HTTP methods.
var validHTTPMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"PATCH":   true,
	"HEAD":    true,
	"OPTIONS": true,
	"CONNECT": true,
}

// headerNameRegex validates HTTP header names (RFC 7230).
var headerNameRegex = regexp.MustCompile(`^[A-Za-z0-9!#$%&'*+\-.^_\x60|~]+$`)

// Validate checks if the Rule is valid.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}

	if r.Match == nil {
		return &ValidationError{Field: "match", Message: "match is required"}
	}
	if err := r.Match.Validate(); err != nil {
		return err
	}

	// Exactly one action must be specified
	actionCount := 0
	if r.Reply != nil {
		actionCount++
	}
	if r.PassThrough != nil {
		actionCount++
	}
	if actionCount == 0 {
		return &ValidationError{Field: "action", Message: "one of reply or passThrough is required"}
	}
	if actionCount > 1 {
		return &ValidationError{Field: "action", Message: "only one of reply or passThrough may be specified"}
	}

	if r.Reply != nil {
		if err := r.Reply.Validate(); err != nil {
			return err
		}
	}
	if r.PassThrough != nil {
		if err := r.PassThrough.Validate(); err != nil {
			return err
		}
	}

	if r.Priority < 0 {
		return &ValidationError{Field: "priority", Message: "priority must be >= 0"}
	}

	return nil
}

// Validate checks if the Match is valid.
func (m *Match) Validate() error {
	hasAnyCriteria := m.Method != "" ||
		m.Path != "" ||
		m.PathPattern != "" ||
		m.Host != "" ||
		m.SNI != "" ||
		len(m.Headers) > 0 ||
		len(m.Query) > 0 ||
		m.BodyEquals != "" ||
		m.BodyContains != "" ||
		m.BodyPattern != "" ||
		len(m.BodyJSONPath) > 0 ||
		len(m.BodySchema) > 0 ||
		len(m.BodyXPath) > 0 ||
		m.JWT != nil ||
		m.Condition != ""

	if !hasAnyCriteria {
		return &ValidationError{Field: "match", Message: "at least one matching criterion must be specified"}
	}

	if m.Method != "" {
		method := strings.ToUpper(m.Method)
		if !validHTTPMethods[method] {
			return &ValidationError{
				Field:   "match.method",
				Message: fmt.Sprintf("invalid HTTP method: %s", m.Method),
			}
		}
	}

	if m.Path != "" && !strings.HasPrefix(m.Path, "/") {
		return &ValidationError{Field: "match.path", Message: "path must start with /"}
	}

	// Path and PathPattern are mutually exclusive
	if m.Path != "" && m.PathPattern != "" {
		return &ValidationError{
			Field:   "match",
			Message: "cannot specify both path and pathPattern",
		}
	}

	if m.PathPattern != "" {
		if !doublestar.ValidatePattern(m.PathPattern) {
			return &ValidationError{
				Field:   "match.pathPattern",
				Message: fmt.Sprintf("invalid glob pattern: %s", m.PathPattern),
			}
		}
	}

	if m.BodyPattern != "" {
		if _, err := regexp.Compile(m.BodyPattern); err != nil {
			return &ValidationError{
				Field:   "match.bodyPattern",
				Message: fmt.Sprintf("invalid regex pattern: %s", err.Error()),
			}
		}
	}

	for name := range m.Headers {
		if !headerNameRegex.MatchString(name) {
			return &ValidationError{
				Field:   "match.headers",
				Message: fmt.Sprintf("invalid header name: %s", name),
			}
		}
	}

	// Cannot specify both BodyEquals and BodyContains
	if m.BodyEquals != "" && m.BodyContains != "" {
		return &ValidationError{
			Field:   "match",
			Message: "cannot specify both bodyEquals and bodyContains",
		}
	}

	for path := range m.BodyJSONPath {
		if _, err := jp.ParseString(path); err != nil {
			return &ValidationError{
				Field:   "match.bodyJsonPath",
				Message: fmt.Sprintf("invalid JSONPath expression %q: %s", path, err.Error()),
			}
		}
	}

	if len(m.BodySchema) > 0 {
		if err := validateSchema(m.BodySchema); err != nil {
			return &ValidationError{
				Field:   "match.bodySchema",
				Message: err.Error(),
			}
		}
	}

	for path := range m.BodyXPath {
		elemPath := path
		if idx := strings.LastIndex(path, "/@"); idx >= 0 {
			elemPath = path[:idx]
		}
		if _, err := etree.CompilePath(elemPath); err != nil {
			return &ValidationError{
				Field:   "match.bodyXpath",
				Message: fmt.Sprintf("invalid XPath expression %q: %s", path, err.Error()),
			}
		}
	}

	if m.JWT != nil && len(m.JWT.Claims) == 0 {
		return &ValidationError{Field: "match.jwt.claims", Message: "at least one claim must be specified"}
	}

	if m.Condition != "" {
		if _, err := expr.Compile(m.Condition); err != nil {
			return &ValidationError{
				Field:   "match.condition",
				Message: fmt.Sprintf("invalid condition expression: %s", err.Error()),
			}
		}
	}

	return nil
}

// validateSchema compiles the schema to surface draft errors at rule
// registration time instead of on the first matching request.
func validateSchema(schema map[string]interface{}) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("schema is not valid JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	return nil
}

// Validate checks if the Reply is valid.
func (r *Reply) Validate() error {
	// Status 0 falls back to 200
	if r.Status != 0 && (r.Status < 100 || r.Status > 599) {
		return &ValidationError{
			Field:   "reply.status",
			Message: fmt.Sprintf("status must be between 100-599, got %d", r.Status),
		}
	}

	if r.DelayMs < 0 {
		return &ValidationError{Field: "reply.delayMs", Message: "delayMs must be >= 0"}
	}
	if r.DelayMs > 30000 {
		return &ValidationError{Field: "reply.delayMs", Message: "delayMs must be <= 30000 (30 seconds)"}
	}

	for name := range r.Headers {
		if !headerNameRegex.MatchString(name) {
			return &ValidationError{
				Field:   "reply.headers",
				Message: fmt.Sprintf("invalid header name: %s", name),
			}
		}
	}

	return nil
}

// Validate checks if the PassThrough is valid.
func (p *PassThrough) Validate() error {
	if p.Port < 0 || p.Port > 65535 {
		return &ValidationError{
			Field:   "passThrough.port",
			Message: fmt.Sprintf("port must be between 0-65535, got %d", p.Port),
		}
	}
	if strings.ContainsAny(p.Host, " /") {
		return &ValidationError{
			Field:   "passThrough.host",
			Message: "host must be a bare hostname or IP",
		}
	}
	return nil
}
