package matching

import (
	"net/http"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	programCacheMu sync.RWMutex
	programCache   = make(map[string]*vm.Program)
)

// MatchCondition evaluates an expr-lang expression against the request.
// Returns ScoreCondition when the expression yields true, 0 on false, a
// non-boolean result, or an evaluation error.
//
// The expression environment exposes:
//
//	method     string  - request method
//	path       string  - URL path
//	host       string  - Host header without port
//	sni        string  - TLS server name, "" on plaintext connections
//	remoteAddr string  - client host:port
//	header(n)  string  - first value of header n, "" when absent
//	query(n)   string  - first value of query parameter n, "" when absent
func MatchCondition(expression string, r *http.Request) int {
	if expression == "" {
		return 0
	}

	program, err := compiledProgram(expression)
	if err != nil {
		// Invalid expressions are rejected at rule validation time
		return 0
	}

	result, err := expr.Run(program, conditionEnv(r))
	if err != nil {
		return 0
	}

	ok, isBool := result.(bool)
	if !isBool || !ok {
		return 0
	}

	return ScoreCondition
}

// compiledProgram returns a cached program, compiling on first use.
// Programs are compiled without a static environment so the same compile
// path serves validation and dispatch.
func compiledProgram(expression string) (*vm.Program, error) {
	programCacheMu.RLock()
	if program, ok := programCache[expression]; ok {
		programCacheMu.RUnlock()
		return program, nil
	}
	programCacheMu.RUnlock()

	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}

	programCacheMu.Lock()
	// Double-check in case another goroutine compiled the same expression.
	if existing, ok := programCache[expression]; ok {
		programCacheMu.Unlock()
		return existing, nil
	}
	programCache[expression] = program
	programCacheMu.Unlock()

	return program, nil
}

// conditionEnv builds the per-request expression environment.
func conditionEnv(r *http.Request) map[string]interface{} {
	return map[string]interface{}{
		"method":     r.Method,
		"path":       r.URL.Path,
		"host":       StripPort(r.Host),
		"sni":        ServerName(r),
		"remoteAddr": r.RemoteAddr,
		"header": func(name string) string {
			return r.Header.Get(name)
		},
		"query": func(name string) string {
			return r.URL.Query().Get(name)
		},
	}
}
