package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// RuleEvaluator matches a rule's condition tree against a fact set.
// It holds no per-run state and is safe for concurrent use.
type RuleEvaluator struct {
	logger *logrus.Logger
}

// Evaluation is the outcome of matching one rule.
type Evaluation struct {
	Fired        bool
	MissingFacts []string
}

// NewRuleEvaluator creates a rule evaluator
func NewRuleEvaluator(logger *logrus.Logger) *RuleEvaluator {
	return &RuleEvaluator{logger: logger}
}

// Evaluate reports whether the rule fires. A referenced fact that the patient
// lacks makes its comparison false and is listed in MissingFacts. An error is
// returned only for a rule without a usable condition.
func (e *RuleEvaluator) Evaluate(rule *domain.ClinicalRule, facts *domain.PatientFacts) (Evaluation, error) {
	if rule == nil || rule.Condition == nil {
		return Evaluation{}, fmt.Errorf("%w: no condition", domain.ErrMalformedRule)
	}
	if facts == nil {
		return Evaluation{}, fmt.Errorf("%w: no facts supplied", domain.ErrMissingFact)
	}

	run := &conditionRun{facts: facts, seen: make(map[string]bool)}
	fired := run.match(rule.Condition)

	if len(run.missing) > 0 && e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"rule_id": rule.ID,
			"missing": run.missing,
		}).Debug("Rule references facts absent for patient")
	}

	return Evaluation{Fired: fired, MissingFacts: run.missing}, nil
}

// Matches is Evaluate reduced to a boolean; malformed rules never match.
func (e *RuleEvaluator) Matches(rule *domain.ClinicalRule, facts *domain.PatientFacts) bool {
	ev, err := e.Evaluate(rule, facts)
	return err == nil && ev.Fired
}

type conditionRun struct {
	facts   *domain.PatientFacts
	missing []string
	seen    map[string]bool
}

// match walks every branch so that missing-fact reporting does not depend on
// which sibling happened to decide the result.
func (r *conditionRun) match(c *domain.Condition) bool {
	switch {
	case c.IsLeaf():
		return r.leaf(c)
	case len(c.All) > 0:
		result := true
		for _, child := range c.All {
			if !r.match(child) {
				result = false
			}
		}
		return result
	case len(c.Any) > 0:
		result := false
		for _, child := range c.Any {
			if r.match(child) {
				result = true
			}
		}
		return result
	case c.Not != nil:
		return !r.match(c.Not)
	default:
		return false
	}
}

func (r *conditionRun) leaf(c *domain.Condition) bool {
	actual, present := r.facts.Lookup(c.Fact)

	if c.Operator == domain.OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return present == want
	}

	if !present {
		if !r.seen[c.Fact] {
			r.seen[c.Fact] = true
			r.missing = append(r.missing, c.Fact)
		}
		return false
	}

	switch c.Operator {
	case domain.OpEqual:
		return equalFact(actual, c.Value)
	case domain.OpNotEqual:
		return !equalFact(actual, c.Value)
	case domain.OpLessThan, domain.OpLessOrEqual, domain.OpGreaterThan, domain.OpGreaterOrEqual:
		return compareNumbers(c.Operator, actual, c.Value)
	case domain.OpIn:
		return inList(actual, c.Value)
	case domain.OpNotIn:
		return !inList(actual, c.Value)
	case domain.OpContains:
		return containsValue(actual, c.Value)
	case domain.OpNotContains:
		return !containsValue(actual, c.Value)
	default:
		return false
	}
}

// equalFact compares a fact to an expected value. List facts match when any
// element is equal.
func equalFact(actual, expected any) bool {
	if list, ok := actual.([]string); ok {
		for _, item := range list {
			if equalScalar(item, expected) {
				return true
			}
		}
		return false
	}
	return equalScalar(actual, expected)
}

func equalScalar(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(strings.TrimSpace(as), strings.TrimSpace(bs))
	}
	return false
}

func compareNumbers(op domain.Operator, actual, expected any) bool {
	a, ok := toFloat(actual)
	if !ok {
		return false
	}
	b, ok := toFloat(expected)
	if !ok {
		return false
	}
	switch op {
	case domain.OpLessThan:
		return a < b
	case domain.OpLessOrEqual:
		return a <= b
	case domain.OpGreaterThan:
		return a > b
	case domain.OpGreaterOrEqual:
		return a >= b
	}
	return false
}

func inList(actual, expected any) bool {
	options, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, opt := range options {
		if list, ok := actual.([]string); ok {
			for _, item := range list {
				if medicationMatches(item, opt) {
					return true
				}
			}
			continue
		}
		if equalScalar(actual, opt) {
			return true
		}
	}
	return false
}

func containsValue(actual, expected any) bool {
	if list, ok := actual.([]string); ok {
		for _, item := range list {
			if medicationMatches(item, expected) {
				return true
			}
		}
		return false
	}
	s, ok := actual.(string)
	if !ok {
		return false
	}
	needle, ok := expected.(string)
	if !ok || needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
}

// medicationMatches is the case-insensitive exact-or-substring test shared by
// rule matching and evidence annotation.
func medicationMatches(medication string, expected any) bool {
	needle, ok := expected.(string)
	if !ok {
		return false
	}
	needle = strings.ToLower(strings.TrimSpace(needle))
	if needle == "" {
		return false
	}
	med := strings.ToLower(strings.TrimSpace(medication))
	return med == needle || strings.Contains(med, needle)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
