package matching

// Match score constants for body matching.
// Higher scores indicate more specific/precise matches.
const (
	// ScoreBodyEquals is the score for an exact body match.
	ScoreBodyEquals = 25

	// ScoreBodyPattern is the score for a body regex pattern match.
	// Between contains (20) and equals (25).
	ScoreBodyPattern = 22

	// ScoreBodyContains is the score for a body substring match.
	ScoreBodyContains = 20

	// ScoreBodySchema is the score for a JSON Schema validation pass.
	ScoreBodySchema = 18
)

// Match score constants for path matching.
const (
	// ScorePathExact is the score for an exact path match.
	ScorePathExact = 15

	// ScorePathPattern is the score for a doublestar glob pattern match.
	// Between exact (15) and named params (12).
	ScorePathPattern = 14

	// ScorePathNamedParams is the score for a path with {param} segments.
	ScorePathNamedParams = 12

	// ScorePathWildcard is the score for a wildcard path match.
	ScorePathWildcard = 10
)

// Match score constants for request metadata.
const (
	// ScoreMethod is the score for a method match.
	ScoreMethod = 10

	// ScoreHeader is the score for each header match.
	ScoreHeader = 10

	// ScoreQueryParam is the score for each query parameter match.
	ScoreQueryParam = 5

	// ScoreHost is the score for a host match.
	ScoreHost = 8

	// ScoreSNI is the score for a TLS server-name match.
	ScoreSNI = 8
)

// Match score constants for structured body conditions.
const (
	// ScoreJSONPathCondition is the score per matched JSONPath condition.
	ScoreJSONPathCondition = 15

	// ScoreXPathCondition is the score per matched XPath condition.
	ScoreXPathCondition = 15
)

// Match score constants for token and expression criteria.
const (
	// ScoreJWTClaim is the score per matched Bearer token claim.
	ScoreJWTClaim = 12

	// ScoreCondition is the score for a condition expression that
	// evaluated to true.
	ScoreCondition = 10
)
