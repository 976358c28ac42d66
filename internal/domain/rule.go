package domain

import (
	"encoding/json"
	"fmt"
)

// RawRule is a clinical rule exactly as the rule store returns it. Condition
// and ActionPayload may each be a JSON object or a JSON string holding an
// encoded object; the rule catalog turns them into canonical form.
type RawRule struct {
	ID            string          `json:"id"`
	RuleType      string          `json:"rule_type"`
	RuleName      string          `json:"rule_name"`
	Severity      string          `json:"severity,omitempty"`
	IsActive      bool            `json:"is_active"`
	Condition     json.RawMessage `json:"condition,omitempty"`
	ActionPayload json.RawMessage `json:"action_payload,omitempty"`
}

// ActionPayload is the canonical action a fired rule produces.
type ActionPayload struct {
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation,omitempty"`
	Severity       Severity `json:"severity,omitempty"`
}

// ClinicalRule is a rule after parsing and validation. Rules are read-only
// once loaded into a catalog.
type ClinicalRule struct {
	ID        string        `json:"id"`
	RuleType  string        `json:"rule_type"`
	RuleName  string        `json:"rule_name"`
	Severity  Severity      `json:"severity,omitempty"`
	Condition *Condition    `json:"condition"`
	Action    ActionPayload `json:"action"`
	IsActive  bool          `json:"is_active"`
}

// EffectiveSeverity applies the precedence: action override, rule severity, default.
func (r *ClinicalRule) EffectiveSeverity() Severity {
	if r.Action.Severity.IsValid() {
		return r.Action.Severity
	}
	if r.Severity.IsValid() {
		return r.Severity
	}
	return DefaultSeverity
}

// Operator is a leaf comparison in a condition tree.
type Operator string

const (
	OpEqual          Operator = "eq"
	OpNotEqual       Operator = "ne"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpIn             Operator = "in"
	OpNotIn          Operator = "notIn"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "doesNotContain"
	OpExists         Operator = "exists"
)

// Condition is a declarative predicate over fact paths. Exactly one of
// All, Any, Not or Fact is set.
type Condition struct {
	All      []*Condition `json:"all,omitempty"`
	Any      []*Condition `json:"any,omitempty"`
	Not      *Condition   `json:"not,omitempty"`
	Fact     string       `json:"fact,omitempty"`
	Operator Operator     `json:"operator,omitempty"`
	Value    any          `json:"value,omitempty"`
}

// IsLeaf reports whether the condition compares a single fact.
func (c *Condition) IsLeaf() bool {
	return c.Fact != ""
}

// FactPaths returns the distinct fact paths referenced by the tree in
// first-appearance order.
func (c *Condition) FactPaths() []string {
	seen := make(map[string]bool)
	var paths []string
	var walk func(*Condition)
	walk = func(n *Condition) {
		if n == nil {
			return
		}
		if n.IsLeaf() && !seen[n.Fact] {
			seen[n.Fact] = true
			paths = append(paths, n.Fact)
		}
		for _, child := range n.All {
			walk(child)
		}
		for _, child := range n.Any {
			walk(child)
		}
		walk(n.Not)
	}
	walk(c)
	return paths
}

// String renders a leaf for diagnostics.
func (c *Condition) String() string {
	switch {
	case c.IsLeaf():
		return fmt.Sprintf("%s %s %v", c.Fact, c.Operator, c.Value)
	case len(c.All) > 0:
		return fmt.Sprintf("all(%d)", len(c.All))
	case len(c.Any) > 0:
		return fmt.Sprintf("any(%d)", len(c.Any))
	case c.Not != nil:
		return "not(" + c.Not.String() + ")"
	default:
		return "empty"
	}
}
