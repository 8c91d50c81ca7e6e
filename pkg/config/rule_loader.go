package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/gettlstap/tlstap/internal/id"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// ruleFileContent represents the possible contents of a rule file:
// a single rule document or a sequence of rules.
type ruleFileContent struct {
	Rule  *rule.Rule
	Rules []*rule.Rule
}

// UnmarshalYAML handles both single-rule and rule-array file formats.
func (c *ruleFileContent) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&c.Rules)
	}

	var r rule.Rule
	if err := node.Decode(&r); err != nil {
		return err
	}
	c.Rule = &r
	return nil
}

// LoadRulesFromEntry expands one RuleEntry into concrete rules. Inline
// entries return as-is; file references load and parse the file; globs
// expand (doublestar ** supported) and load every match in sorted order.
// Relative paths resolve against baseDir.
func LoadRulesFromEntry(entry RuleEntry, baseDir string) ([]*rule.Rule, error) {
	switch {
	case entry.IsInline():
		return []*rule.Rule{entry.Rule}, nil
	case entry.IsFileRef():
		return loadRulesFromFile(entry.File, baseDir)
	case entry.IsGlob():
		return loadRulesFromGlob(entry.Files, baseDir)
	default:
		return nil, errors.New("invalid rule entry: no rule, file, or files specified")
	}
}

// LoadAllRules expands every entry of a collection into a flat rule slice,
// validates each rule, and orders the result: entries with an explicit
// Priority sort descending, ties and unprioritized rules keep file order.
func LoadAllRules(entries []RuleEntry, baseDir string) ([]*rule.Rule, error) {
	var result []*rule.Rule

	for i, entry := range entries {
		rules, err := LoadRulesFromEntry(entry, baseDir)
		if err != nil {
			if entry.IsFileRef() {
				return nil, fmt.Errorf("rules[%d] (file: %s): %w", i, entry.File, err)
			}
			if entry.IsGlob() {
				return nil, fmt.Errorf("rules[%d] (files: %s): %w", i, entry.Files, err)
			}
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		result = append(result, rules...)
	}

	for i, r := range result {
		if r.ID == "" {
			r.ID = id.Rule()
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority > result[j].Priority
	})

	return result, nil
}

// loadRulesFromFile loads rules from a single YAML file.
func loadRulesFromFile(filePath, baseDir string) ([]*rule.Rule, error) {
	resolvedPath := ResolvePath(baseDir, filePath)

	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", resolvedPath)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied: %s", resolvedPath)
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("file is empty: %s", resolvedPath)
	}

	expanded := ExpandEnvVars(string(data))

	var content ruleFileContent
	if err := yaml.Unmarshal([]byte(expanded), &content); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if len(content.Rules) > 0 {
		return content.Rules, nil
	}
	if content.Rule == nil || content.Rule.Match == nil {
		return nil, fmt.Errorf("invalid rule file: missing 'match' field: %s", resolvedPath)
	}
	return []*rule.Rule{content.Rule}, nil
}

// loadRulesFromGlob loads rules from files matching a glob pattern.
// Matches load in sorted order for deterministic registration.
func loadRulesFromGlob(pattern, baseDir string) ([]*rule.Rule, error) {
	resolvedPattern := ResolvePath(baseDir, pattern)

	matches, err := expandGlob(resolvedPattern)
	if err != nil {
		return nil, fmt.Errorf("expanding glob pattern: %w", err)
	}

	if len(matches) == 0 {
		// Not an error, just no matches
		return []*rule.Rule{}, nil
	}

	sort.Strings(matches)

	var result []*rule.Rule
	for _, match := range matches {
		relPath, _ := filepath.Rel(baseDir, match)
		if relPath == "" {
			relPath = match
		}

		rules, err := loadRulesFromFile(match, "")
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", relPath, err)
		}
		result = append(result, rules...)
	}

	return result, nil
}

// expandGlob expands a glob pattern to matching file paths, using
// doublestar when the pattern needs ** recursion.
func expandGlob(pattern string) ([]string, error) {
	if strings.Contains(pattern, "**") {
		return doublestar.FilepathGlob(pattern)
	}
	return filepath.Glob(pattern)
}
