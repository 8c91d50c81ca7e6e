package portability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gettlstap/tlstap/pkg/rule"
)

// maxSchemaDepth caps example generation so schema reference cycles
// cannot recurse forever.
const maxSchemaDepth = 8

// ImportOpenAPI parses an OpenAPI 3 document (JSON or YAML) and returns
// one reply-rule scaffold per documented operation. OpenAPI path templates
// ({param} segments) carry over unchanged: rule path matching uses the
// same syntax. IDs are left empty for the rule store to assign.
func ImportOpenAPI(data []byte) ([]*rule.Rule, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}
	if doc.Paths == nil || doc.Paths.Len() == 0 {
		return nil, fmt.Errorf("OpenAPI document has no paths")
	}

	pathMap := doc.Paths.Map()
	paths := make([]string, 0, len(pathMap))
	for p := range pathMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var rules []*rule.Rule
	for _, path := range paths {
		ops := pathMap[path].Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			rules = append(rules, scaffoldRule(method, path, ops[method]))
		}
	}
	return rules, nil
}

// scaffoldRule builds one reply rule for an operation. The reply carries
// the first successful response's example body, or an empty 200 when the
// document describes none.
func scaffoldRule(method, path string, op *openapi3.Operation) *rule.Rule {
	name := op.OperationID
	if name == "" {
		name = fmt.Sprintf("%s %s", method, path)
	}

	r := &rule.Rule{
		Name:        name,
		Description: firstNonEmpty(op.Summary, op.Description),
		Match: &rule.Match{
			Method: method,
			Path:   path,
		},
		Reply: &rule.Reply{Status: 200},
	}

	status, resp := successResponse(op)
	if resp == nil {
		return r
	}
	r.Reply.Status = status

	contentType, media := preferredMedia(resp.Content)
	if media == nil {
		return r
	}

	if body := exampleBody(media); body != "" {
		r.Reply.Body = body
		r.Reply.Headers = map[string]string{"Content-Type": contentType}
	}
	return r
}

// successResponse picks the lowest 2xx response, falling back to the
// default response rendered as a 200.
func successResponse(op *openapi3.Operation) (int, *openapi3.Response) {
	if op.Responses == nil {
		return 0, nil
	}

	best := 0
	var bestResp *openapi3.Response
	for code, ref := range op.Responses.Map() {
		if ref == nil || ref.Value == nil {
			continue
		}
		status, err := strconv.Atoi(code)
		if err != nil || status < 200 || status > 299 {
			continue
		}
		if best == 0 || status < best {
			best = status
			bestResp = ref.Value
		}
	}
	if bestResp != nil {
		return best, bestResp
	}

	if def := op.Responses.Default(); def != nil && def.Value != nil {
		return 200, def.Value
	}
	return 0, nil
}

// preferredMedia returns the JSON media type when present, otherwise the
// lexically first content type.
func preferredMedia(content openapi3.Content) (string, *openapi3.MediaType) {
	if content == nil {
		return "", nil
	}
	for ct, media := range content {
		if strings.Contains(ct, "json") {
			return ct, media
		}
	}

	types := make([]string, 0, len(content))
	for ct := range content {
		types = append(types, ct)
	}
	if len(types) == 0 {
		return "", nil
	}
	sort.Strings(types)
	return types[0], content[types[0]]
}

// exampleBody renders the media type's example as a JSON string: an
// explicit example wins, then the first named example, then a value
// generated from the schema.
func exampleBody(media *openapi3.MediaType) string {
	if media.Example != nil {
		return renderJSON(media.Example)
	}

	if len(media.Examples) > 0 {
		names := make([]string, 0, len(media.Examples))
		for name := range media.Examples {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ref := media.Examples[name]
			if ref != nil && ref.Value != nil && ref.Value.Value != nil {
				return renderJSON(ref.Value.Value)
			}
		}
	}

	if media.Schema != nil && media.Schema.Value != nil {
		if v := exampleFromSchema(media.Schema.Value, 0); v != nil {
			return renderJSON(v)
		}
	}
	return ""
}

// exampleFromSchema generates a representative value for a schema:
// explicit example, first enum member, or a type-derived placeholder.
func exampleFromSchema(schema *openapi3.Schema, depth int) interface{} {
	if schema == nil || depth > maxSchemaDepth {
		return nil
	}
	if schema.Example != nil {
		return schema.Example
	}
	if len(schema.Enum) > 0 {
		return schema.Enum[0]
	}

	switch {
	case schema.Type.Is(openapi3.TypeObject) || len(schema.Properties) > 0:
		obj := make(map[string]interface{}, len(schema.Properties))
		for name, ref := range schema.Properties {
			if ref == nil || ref.Value == nil {
				continue
			}
			if v := exampleFromSchema(ref.Value, depth+1); v != nil {
				obj[name] = v
			}
		}
		return obj
	case schema.Type.Is(openapi3.TypeArray):
		if schema.Items != nil && schema.Items.Value != nil {
			if v := exampleFromSchema(schema.Items.Value, depth+1); v != nil {
				return []interface{}{v}
			}
		}
		return []interface{}{}
	case schema.Type.Is(openapi3.TypeString):
		return stringExample(schema.Format)
	case schema.Type.Is(openapi3.TypeInteger):
		return 0
	case schema.Type.Is(openapi3.TypeNumber):
		return 0.0
	case schema.Type.Is(openapi3.TypeBoolean):
		return true
	default:
		return nil
	}
}

func stringExample(format string) string {
	switch format {
	case "date-time":
		return "2024-01-01T00:00:00Z"
	case "date":
		return "2024-01-01"
	case "uuid":
		return "00000000-0000-0000-0000-000000000000"
	case "email":
		return "user@example.com"
	case "uri", "url":
		return "https://example.com"
	default:
		return "string"
	}
}

func renderJSON(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
