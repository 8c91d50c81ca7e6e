package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gettlstap/tlstap/internal/id"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// Rule set errors, aliased from pkg/rule so API consumers can match them
// without importing the engine.
var (
	ErrRuleNotFound  = rule.ErrNotFound
	ErrDuplicateRule = rule.ErrDuplicateID
)

// RuleSet is the server-scoped ordered rule collection. Dispatch iterates
// snapshots, so mutations never race a request in flight; a changed set
// applies from the next dispatch on.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*rule.Rule
}

// NewRuleSet creates an empty RuleSet.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// Add validates and appends a rule. An empty ID is assigned and written
// back to the caller's rule so it can be addressed afterwards; a duplicate
// ID is rejected.
func (rs *RuleSet) Add(r *rule.Rule) error {
	if r == nil {
		return errors.New("rule cannot be nil")
	}

	stored := r.Clone()
	if stored.ID == "" {
		stored.ID = id.Rule()
	}
	if err := stored.Validate(); err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, existing := range rs.rules {
		if existing.ID == stored.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, stored.ID)
		}
	}

	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	rs.rules = append(rs.rules, stored)
	r.ID = stored.ID
	return nil
}

// Update replaces the rule with the given ID, keeping its position and
// creation time.
func (rs *RuleSet) Update(ruleID string, r *rule.Rule) error {
	if r == nil {
		return errors.New("rule cannot be nil")
	}

	r = r.Clone()
	r.ID = ruleID
	if err := r.Validate(); err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i, existing := range rs.rules {
		if existing.ID == ruleID {
			r.CreatedAt = existing.CreatedAt
			r.UpdatedAt = time.Now()
			rs.rules[i] = r
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
}

// Delete removes the rule with the given ID.
func (rs *RuleSet) Delete(ruleID string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i, existing := range rs.rules {
		if existing.ID == ruleID {
			rs.rules = append(rs.rules[:i], rs.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
}

// Get returns a clone of the rule with the given ID, or nil.
func (rs *RuleSet) Get(ruleID string) *rule.Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	for _, existing := range rs.rules {
		if existing.ID == ruleID {
			return existing.Clone()
		}
	}
	return nil
}

// List returns clones of all rules in registration order.
func (rs *RuleSet) List() []*rule.Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	out := make([]*rule.Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.Clone()
	}
	return out
}

// Toggle flips the rule's enabled state and returns the new state.
func (rs *RuleSet) Toggle(ruleID string) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i, existing := range rs.rules {
		if existing.ID == ruleID {
			enabled := !existing.IsEnabled()
			updated := existing.Clone()
			updated.Enabled = &enabled
			updated.UpdatedAt = time.Now()
			rs.rules[i] = updated
			return enabled, nil
		}
	}
	return false, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
}

// SetAll validates and atomically replaces the whole rule set.
func (rs *RuleSet) SetAll(rules []*rule.Rule) error {
	now := time.Now()
	cloned := make([]*rule.Rule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))

	for i, r := range rules {
		if r == nil {
			return fmt.Errorf("rules[%d]: rule cannot be nil", i)
		}
		c := r.Clone()
		if c.ID == "" {
			c.ID = id.Rule()
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("rules[%d]: %w: %s", i, ErrDuplicateRule, c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		cloned = append(cloned, c)
	}

	rs.mu.Lock()
	rs.rules = cloned
	rs.mu.Unlock()
	return nil
}

// Clear removes all rules.
func (rs *RuleSet) Clear() {
	rs.mu.Lock()
	rs.rules = nil
	rs.mu.Unlock()
}

// Count returns the number of rules.
func (rs *RuleSet) Count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// Snapshot returns the current rules for one dispatch pass. The returned
// slice is a copy; the rules themselves are shared and must not be
// mutated by the caller.
func (rs *RuleSet) Snapshot() []*rule.Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	out := make([]*rule.Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}
