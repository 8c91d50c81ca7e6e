// Package matching evaluates intercepted requests against rule predicates.
//
// It implements scoring-based matching for decrypted HTTPS requests against
// rule.Match criteria, supporting:
//
//   - Path matching: exact paths, {param} segments, trailing wildcards, and
//     doublestar glob patterns
//   - Method, host, and SNI matching (host/SNI support *. wildcards)
//   - Header and query parameter matching with * value patterns
//   - Body matching: exact, contains, regex, JSONPath conditions, JSON
//     Schema validation, and XPath conditions for XML bodies
//   - Bearer token claim matching with optional HMAC verification
//   - Condition expressions evaluated against the request
//
// All criteria a rule specifies must hold (AND logic); a failed criterion
// zeroes the score. Dispatch walks rules in registration order and takes
// the first rule with a positive score, so scores only distinguish match
// from no-match there; they surface in request events for debugging.
package matching
