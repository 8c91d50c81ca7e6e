package matching

import (
	"strings"

	"github.com/beevik/etree"
)

// MatchXPath evaluates XPath conditions against an XML body.
// Returns ScoreXPathCondition per matched condition, or 0 when the body is
// not well-formed XML or any condition fails (all must match).
//
// Supported syntax (etree paths):
//   - /path/to/element - absolute path
//   - //element - find anywhere in document
//   - /path/to/element/@attr - attribute value
//   - /path/to/element[1] - indexed access (1-based)
//
// The expected value is compared against the element's trimmed text (or the
// attribute's value). An absent element or attribute never matches, so an
// empty expected value acts as an existence check on empty content.
func MatchXPath(conditions map[string]string, body []byte) int {
	if len(conditions) == 0 {
		return 0
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		// Not well-formed XML - no match, not an error
		return 0
	}

	score := 0
	for xpath, expected := range conditions {
		actual, found := extractXPath(doc, xpath)
		if !found || actual != expected {
			return 0
		}
		score += ScoreXPathCondition
	}

	return score
}

// extractXPath extracts the text value at the given XPath. The second return
// reports whether the element (or attribute) exists at all.
func extractXPath(doc *etree.Document, xpath string) (string, bool) {
	if xpath == "" {
		return "", false
	}

	// Attribute form: split off the trailing /@attr and select it from the
	// element the remaining path resolves to.
	if idx := strings.LastIndex(xpath, "/@"); idx >= 0 {
		elemPath := xpath[:idx]
		attrName := xpath[idx+2:]
		elem := findElement(doc, elemPath)
		if elem == nil {
			return "", false
		}
		attr := elem.SelectAttr(attrName)
		if attr == nil {
			return "", false
		}
		return attr.Value, true
	}

	elem := findElement(doc, xpath)
	if elem == nil {
		return "", false
	}
	return strings.TrimSpace(elem.Text()), true
}

// findElement resolves a path without panicking on malformed expressions.
func findElement(doc *etree.Document, xpath string) *etree.Element {
	path, err := etree.CompilePath(xpath)
	if err != nil {
		return nil
	}
	return doc.FindElementPath(path)
}
