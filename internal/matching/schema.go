package matching

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaCacheMu sync.RWMutex
	schemaCache   = make(map[string]*jsonschema.Schema)
)

// MatchSchema validates a JSON body against a JSON Schema (draft 2020-12).
// Returns ScoreBodySchema when the body is valid JSON and conforms, 0
// otherwise. Compiled schemas are cached on their serialized form.
func MatchSchema(schema map[string]interface{}, body []byte) int {
	if len(schema) == 0 {
		return 0
	}

	compiled, err := compiledSchema(schema)
	if err != nil {
		// Invalid schemas are rejected at rule validation time
		return 0
	}

	var instance interface{}
	if err := json.Unmarshal(body, &instance); err != nil {
		// Not valid JSON - no match, not an error
		return 0
	}

	if err := compiled.Validate(instance); err != nil {
		return 0
	}

	return ScoreBodySchema
}

// compiledSchema returns a cached compiled schema, compiling on first use.
func compiledSchema(schema map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	schemaCacheMu.RLock()
	compiled, ok := schemaCache[key]
	schemaCacheMu.RUnlock()
	if ok {
		return compiled, nil
	}

	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()

	if compiled, ok := schemaCache[key]; ok {
		return compiled, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", strings.NewReader(key)); err != nil {
		return nil, err
	}
	compiled, err = compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	schemaCache[key] = compiled
	return compiled, nil
}
