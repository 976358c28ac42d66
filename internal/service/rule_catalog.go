package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// maxConditionDepth bounds nesting of all/any/not groups.
const maxConditionDepth = 32

// operatorAliases maps every accepted operator spelling to its canonical form.
var operatorAliases = map[string]domain.Operator{
	"eq":                   domain.OpEqual,
	"equal":                domain.OpEqual,
	"==":                   domain.OpEqual,
	"ne":                   domain.OpNotEqual,
	"notequal":             domain.OpNotEqual,
	"!=":                   domain.OpNotEqual,
	"lt":                   domain.OpLessThan,
	"lessthan":             domain.OpLessThan,
	"<":                    domain.OpLessThan,
	"lte":                  domain.OpLessOrEqual,
	"lessthaninclusive":    domain.OpLessOrEqual,
	"<=":                   domain.OpLessOrEqual,
	"gt":                   domain.OpGreaterThan,
	"greaterthan":          domain.OpGreaterThan,
	">":                    domain.OpGreaterThan,
	"gte":                  domain.OpGreaterOrEqual,
	"greaterthaninclusive": domain.OpGreaterOrEqual,
	">=":                   domain.OpGreaterOrEqual,
	"in":                   domain.OpIn,
	"notin":                domain.OpNotIn,
	"contains":             domain.OpContains,
	"doesnotcontain":       domain.OpNotContains,
	"exists":               domain.OpExists,
}

// CatalogEntry is one active rule. When ParseErr is set the rule never fires
// and is reported as malformed on every run.
type CatalogEntry struct {
	Rule     *domain.ClinicalRule
	ParseErr error
	Warnings []domain.RuleIssue
}

// Catalog is the immutable, ordered set of active rules for a run.
type Catalog struct {
	entries     []CatalogEntry
	fingerprint string
}

// BuildCatalog parses raw rules into canonical form. Inactive rules are
// dropped; input order is preserved for everything else.
func BuildCatalog(raw []domain.RawRule) *Catalog {
	return buildCatalog(raw, Fingerprint(raw))
}

func buildCatalog(raw []domain.RawRule, fingerprint string) *Catalog {
	entries := make([]CatalogEntry, 0, len(raw))
	for i := range raw {
		if !raw[i].IsActive {
			continue
		}
		entries = append(entries, parseRule(&raw[i]))
	}
	return &Catalog{entries: entries, fingerprint: fingerprint}
}

// Len is the number of active rules.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Entries returns the catalog in evaluation order. Callers must not modify it.
func (c *Catalog) Entries() []CatalogEntry {
	return c.entries
}

// Fingerprint identifies the raw rule set the catalog was built from.
func (c *Catalog) Fingerprint() string {
	return c.fingerprint
}

// Fingerprint hashes a raw rule list so identical catalogs can be reused.
func Fingerprint(raw []domain.RawRule) string {
	data, err := json.Marshal(raw)
	if err != nil {
		// RawMessage fields that are not valid JSON fail to marshal; hash them verbatim.
		var buf bytes.Buffer
		for _, r := range raw {
			fmt.Fprintf(&buf, "%s|%s|%s|%s|%t|%s|%s\n", r.ID, r.RuleType, r.RuleName, r.Severity, r.IsActive, r.Condition, r.ActionPayload)
		}
		data = buf.Bytes()
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func parseRule(raw *domain.RawRule) CatalogEntry {
	rule := &domain.ClinicalRule{
		ID:       raw.ID,
		RuleType: strings.TrimSpace(raw.RuleType),
		RuleName: strings.TrimSpace(raw.RuleName),
		IsActive: raw.IsActive,
	}
	if rule.RuleName == "" {
		rule.RuleName = rule.RuleType
	}
	entry := CatalogEntry{Rule: rule}

	if strings.TrimSpace(raw.Severity) != "" {
		sev, err := domain.ParseSeverity(raw.Severity)
		if err != nil {
			entry.Warnings = append(entry.Warnings, severityWarning(rule, "rule", raw.Severity))
		} else {
			rule.Severity = sev
		}
	}

	action, warning, err := ParseActionPayload(raw.ActionPayload)
	if err != nil {
		entry.ParseErr = fmt.Errorf("%w: action payload: %v", domain.ErrMalformedRule, err)
		return entry
	}
	if warning != "" {
		entry.Warnings = append(entry.Warnings, severityWarning(rule, "action", warning))
	}
	rule.Action = action

	cond, err := ParseCondition(raw.Condition)
	if err != nil {
		entry.ParseErr = fmt.Errorf("%w: condition: %v", domain.ErrMalformedRule, err)
		return entry
	}
	rule.Condition = cond

	return entry
}

func severityWarning(rule *domain.ClinicalRule, source, value string) domain.RuleIssue {
	return domain.RuleIssue{
		RuleID:   rule.ID,
		RuleName: rule.RuleName,
		Kind:     domain.IssueInvalidSeverity,
		Message:  fmt.Sprintf("ignoring unknown %s severity %q", source, value),
	}
}

// unwrapJSON accepts either a JSON object or a JSON string that encodes one.
func unwrapJSON(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.New("missing")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("invalid string encoding: %w", err)
		}
		trimmed = bytes.TrimSpace([]byte(s))
		if len(trimmed) == 0 {
			return nil, errors.New("empty")
		}
	}
	if trimmed[0] != '{' {
		return nil, errors.New("expected a JSON object")
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("invalid JSON")
	}
	return trimmed, nil
}

// ParseActionPayload yields the canonical action. An unknown severity is not
// fatal: it is dropped and returned as a warning value.
func ParseActionPayload(raw json.RawMessage) (domain.ActionPayload, string, error) {
	body, err := unwrapJSON(raw)
	if err != nil {
		return domain.ActionPayload{}, "", err
	}

	var payload struct {
		Message        string `json:"message"`
		Recommendation string `json:"recommendation"`
		Severity       string `json:"severity"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.ActionPayload{}, "", fmt.Errorf("decoding: %w", err)
	}
	if strings.TrimSpace(payload.Message) == "" {
		return domain.ActionPayload{}, "", errors.New("message is required")
	}

	action := domain.ActionPayload{
		Message:        strings.TrimSpace(payload.Message),
		Recommendation: strings.TrimSpace(payload.Recommendation),
	}
	var warning string
	if strings.TrimSpace(payload.Severity) != "" {
		sev, err := domain.ParseSeverity(payload.Severity)
		if err != nil {
			warning = payload.Severity
		} else {
			action.Severity = sev
		}
	}
	return action, warning, nil
}

// ParseCondition decodes and validates a condition tree.
func ParseCondition(raw json.RawMessage) (*domain.Condition, error) {
	body, err := unwrapJSON(raw)
	if err != nil {
		return nil, err
	}
	var node map[string]any
	if err := json.Unmarshal(body, &node); err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	// {"conditions": {...}} wrappers are accepted as-is.
	if inner, ok := node["conditions"].(map[string]any); ok && len(node) == 1 {
		node = inner
	}
	return buildCondition(node, 0)
}

func buildCondition(node map[string]any, depth int) (*domain.Condition, error) {
	if depth > maxConditionDepth {
		return nil, fmt.Errorf("nesting deeper than %d", maxConditionDepth)
	}

	var kinds []string
	for _, k := range []string{"all", "any", "not", "fact"} {
		if _, ok := node[k]; ok {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) != 1 {
		return nil, fmt.Errorf("expected exactly one of all/any/not/fact, got %v", kinds)
	}

	switch kinds[0] {
	case "all", "any":
		list, ok := node[kinds[0]].([]any)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("%q must be a non-empty array", kinds[0])
		}
		children := make([]*domain.Condition, 0, len(list))
		for i, item := range list {
			child, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be an object", kinds[0], i)
			}
			c, err := buildCondition(child, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", kinds[0], i, err)
			}
			children = append(children, c)
		}
		if kinds[0] == "all" {
			return &domain.Condition{All: children}, nil
		}
		return &domain.Condition{Any: children}, nil

	case "not":
		child, ok := node["not"].(map[string]any)
		if !ok {
			return nil, errors.New(`"not" must be an object`)
		}
		c, err := buildCondition(child, depth+1)
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		return &domain.Condition{Not: c}, nil
	}

	fact, ok := node["fact"].(string)
	if !ok || strings.TrimSpace(fact) == "" {
		return nil, errors.New(`"fact" must be a non-empty string`)
	}
	opName, _ := node["operator"].(string)
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(opName))]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", opName)
	}
	value, hasValue := node["value"]
	if op != domain.OpExists && !hasValue {
		return nil, fmt.Errorf("operator %s requires a value", op)
	}
	if op == domain.OpIn || op == domain.OpNotIn {
		if _, ok := value.([]any); !ok {
			return nil, fmt.Errorf("operator %s requires an array value", op)
		}
	}
	return &domain.Condition{Fact: strings.TrimSpace(fact), Operator: op, Value: value}, nil
}
