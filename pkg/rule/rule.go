// Package rule defines the proxy rule model: a match predicate over an
// intercepted request plus exactly one action, either a local reply or a
// passthrough to a real upstream.
package rule

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule pairs a request predicate with the action to take when it matches.
// Rules are evaluated in registration order; the first enabled rule whose
// Match accepts the request wins.
type Rule struct {
	// ID is a unique identifier for the rule (UUID or prefixed ID).
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the rule.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description is an optional longer description.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Priority orders rules loaded from config files (higher first).
	// Rules registered through the API keep registration order.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Enabled indicates whether this rule participates in dispatch.
	// nil means enabled.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Match defines the criteria an intercepted request must satisfy.
	Match *Match `json:"match" yaml:"match"`

	// Exactly one of Reply or PassThrough is populated.
	Reply       *Reply       `json:"reply,omitempty" yaml:"reply,omitempty"`
	PassThrough *PassThrough `json:"passThrough,omitempty" yaml:"passThrough,omitempty"`

	// CreatedAt is when the rule was created.
	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`

	// UpdatedAt is when the rule was last modified.
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// IsEnabled reports whether the rule participates in dispatch.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ActionKind returns "reply" or "passthrough" for display purposes.
func (r *Rule) ActionKind() string {
	switch {
	case r.Reply != nil:
		return "reply"
	case r.PassThrough != nil:
		return "passthrough"
	default:
		return ""
	}
}

// Clone returns a deep copy of the rule. Dispatch iterates snapshots, so
// callers mutating a rule must clone first.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	if r.Enabled != nil {
		enabled := *r.Enabled
		out.Enabled = &enabled
	}
	out.Match = r.Match.clone()
	out.Reply = r.Reply.clone()
	if r.PassThrough != nil {
		pt := *r.PassThrough
		out.PassThrough = &pt
	}
	return &out
}

// Match defines criteria used to match intercepted requests.
// All specified criteria must hold for the rule to match.
type Match struct {
	// Method is the HTTP method (case-insensitive).
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Path matches the URL path exactly, with {param} segments matching
	// any single segment, or with a trailing /* wildcard.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// PathPattern is a doublestar glob (e.g. /api/**). Mutually exclusive
	// with Path.
	PathPattern string `json:"pathPattern,omitempty" yaml:"pathPattern,omitempty"`

	// Host matches the request Host header or CONNECT target host.
	// Supports a leading *. wildcard.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// SNI matches the server name from the TLS handshake.
	// Supports a leading *. wildcard.
	SNI string `json:"sni,omitempty" yaml:"sni,omitempty"`

	// Headers must all be present with matching values (supports * patterns).
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Query parameters must all be present with matching values.
	Query map[string]string `json:"query,omitempty" yaml:"query,omitempty"`

	// Body criteria combine with AND logic.
	BodyEquals   string `json:"bodyEquals,omitempty" yaml:"bodyEquals,omitempty"`
	BodyContains string `json:"bodyContains,omitempty" yaml:"bodyContains,omitempty"`
	BodyPattern  string `json:"bodyPattern,omitempty" yaml:"bodyPattern,omitempty"`

	// BodyJSONPath maps JSONPath expressions to expected values.
	// {"exists": true/false} values assert presence.
	BodyJSONPath map[string]interface{} `json:"bodyJsonPath,omitempty" yaml:"bodyJsonPath,omitempty"`

	// BodySchema validates the JSON body against a JSON Schema (draft 2020-12).
	BodySchema map[string]interface{} `json:"bodySchema,omitempty" yaml:"bodySchema,omitempty"`

	// BodyXPath maps XPath expressions to expected text values for XML bodies.
	// A path ending in /@attr matches the attribute value.
	BodyXPath map[string]string `json:"bodyXpath,omitempty" yaml:"bodyXpath,omitempty"`

	// JWT matches claims from a Bearer token in the Authorization header.
	JWT *JWTMatch `json:"jwt,omitempty" yaml:"jwt,omitempty"`

	// Condition is an expression evaluated against the request
	// (method, path, host, sni, remoteAddr, header(), query()).
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

func (m *Match) clone() *Match {
	if m == nil {
		return nil
	}
	out := *m
	out.Headers = cloneStringMap(m.Headers)
	out.Query = cloneStringMap(m.Query)
	if m.BodyJSONPath != nil {
		out.BodyJSONPath = make(map[string]interface{}, len(m.BodyJSONPath))
		for k, v := range m.BodyJSONPath {
			out.BodyJSONPath[k] = v
		}
	}
	if m.BodySchema != nil {
		out.BodySchema = make(map[string]interface{}, len(m.BodySchema))
		for k, v := range m.BodySchema {
			out.BodySchema[k] = v
		}
	}
	out.BodyXPath = cloneStringMap(m.BodyXPath)
	if m.JWT != nil {
		jwt := *m.JWT
		if m.JWT.Claims != nil {
			jwt.Claims = make(map[string]interface{}, len(m.JWT.Claims))
			for k, v := range m.JWT.Claims {
				jwt.Claims[k] = v
			}
		}
		out.JWT = &jwt
	}
	return &out
}

// JWTMatch defines Bearer token claim matching criteria.
type JWTMatch struct {
	// Claims maps claim names to expected values. Claims are extracted
	// without signature verification unless Secret is set.
	Claims map[string]interface{} `json:"claims,omitempty" yaml:"claims,omitempty"`

	// Secret enables HMAC signature verification when non-empty.
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// Reply specifies a locally generated response.
type Reply struct {
	// Status is the HTTP status code. 0 means 200.
	Status int `json:"status,omitempty" yaml:"status,omitempty"`

	// Headers are set on the response.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the response body.
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// DelayMs delays the response by the given number of milliseconds.
	DelayMs int `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`
}

func (r *Reply) clone() *Reply {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = cloneStringMap(r.Headers)
	return &out
}

// StatusCode returns the effective status code (200 when unset).
func (r *Reply) StatusCode() int {
	if r.Status == 0 {
		return 200
	}
	return r.Status
}

// PassThrough forwards the request to a real upstream over a fresh TLS
// connection.
type PassThrough struct {
	// Host is the upstream host. Empty means the connection's original
	// target (the CONNECT authority or the request Host).
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Port is the upstream port. 0 means 443.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`
}

// UnmarshalJSON accepts the Body field as either a string or a JSON
// object/array. Object and array bodies are re-marshaled to a JSON string,
// so configs can write body: {"id": 1} instead of body: '{"id": 1}'.
func (r *Reply) UnmarshalJSON(data []byte) error {
	var proxy struct {
		Status  int               `json:"status,omitempty"`
		Headers map[string]string `json:"headers,omitempty"`
		Body    json.RawMessage   `json:"body,omitempty"`
		DelayMs int               `json:"delayMs,omitempty"`
	}
	if err := json.Unmarshal(data, &proxy); err != nil {
		return err
	}

	r.Status = proxy.Status
	r.Headers = proxy.Headers
	r.DelayMs = proxy.DelayMs

	if len(proxy.Body) == 0 {
		r.Body = ""
		return nil
	}

	// Most bodies are strings
	var s string
	if err := json.Unmarshal(proxy.Body, &s); err == nil {
		r.Body = s
		return nil
	}

	// Object, array, number, or boolean: keep the raw JSON text
	r.Body = string(proxy.Body)
	return nil
}

// UnmarshalYAML accepts the Body field as either a string or a YAML
// mapping/sequence, marshaling structured bodies to a JSON string.
func (r *Reply) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("expected mapping node, got %d", value.Kind)
	}

	type replyAlias Reply
	var alias replyAlias

	var bodyNode *yaml.Node
	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		if keyNode.Value == "body" {
			bodyNode = value.Content[i+1]
			// Swap in a placeholder scalar so the default decoder does not
			// choke on object bodies, then restore.
			orig := *bodyNode
			value.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Value: "", Tag: "!!str"}
			if err := value.Decode(&alias); err != nil {
				return err
			}
			*value.Content[i+1] = orig
			bodyNode = &orig
			goto handleBody
		}
	}

	if err := value.Decode(&alias); err != nil {
		return err
	}
	*r = Reply(alias)
	return nil

handleBody:
	*r = Reply(alias)

	if bodyNode.Kind == yaml.ScalarNode {
		r.Body = bodyNode.Value
		return nil
	}

	var bodyObj interface{}
	if err := bodyNode.Decode(&bodyObj); err != nil {
		return fmt.Errorf("failed to decode body: %w", err)
	}

	bodyJSON, err := json.Marshal(bodyObj)
	if err != nil {
		return fmt.Errorf("failed to marshal body to JSON: %w", err)
	}
	r.Body = string(bodyJSON)
	return nil
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
