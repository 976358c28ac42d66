package service

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmacy-cdss-server/internal/domain"
)

func rawRule(id, ruleType, severity, condition, action string) domain.RawRule {
	r := domain.RawRule{ID: id, RuleType: ruleType, RuleName: id + " rule", Severity: severity, IsActive: true}
	if condition != "" {
		r.Condition = json.RawMessage(condition)
	}
	if action != "" {
		r.ActionPayload = json.RawMessage(action)
	}
	return r
}

func TestBuildCatalog_KeepsActiveRulesInOrder(t *testing.T) {
	cond := `{"fact":"ageInDays","operator":"lt","value":28}`
	action := `{"message":"check dose"}`

	inactive := rawRule("r2", "dose_too_high", "high", cond, action)
	inactive.IsActive = false

	catalog := BuildCatalog([]domain.RawRule{
		rawRule("r3", "allergy", "", cond, action),
		inactive,
		rawRule("r1", "dose_too_low", "low", cond, action),
	})

	require.Equal(t, 2, catalog.Len())
	assert.Equal(t, "r3", catalog.Entries()[0].Rule.ID)
	assert.Equal(t, "r1", catalog.Entries()[1].Rule.ID)
	assert.NotEmpty(t, catalog.Fingerprint())
}

func TestBuildCatalog_StringEncodedPayloads(t *testing.T) {
	cond, _ := json.Marshal(`{"all":[{"fact":"patientType","operator":"equal","value":"neonate"}]}`)
	action, _ := json.Marshal(`{"message":"Avoid ceftriaxone","recommendation":"Use cefotaxime","severity":"Critical"}`)

	catalog := BuildCatalog([]domain.RawRule{rawRule("r1", "pediatric_restriction", "low", string(cond), string(action))})
	entry := catalog.Entries()[0]

	require.NoError(t, entry.ParseErr)
	assert.Equal(t, "Avoid ceftriaxone", entry.Rule.Action.Message)
	assert.Equal(t, "Use cefotaxime", entry.Rule.Action.Recommendation)
	assert.Equal(t, domain.SeverityCritical, entry.Rule.Action.Severity)
	assert.Equal(t, domain.SeverityLow, entry.Rule.Severity)
	require.Len(t, entry.Rule.Condition.All, 1)
	assert.Equal(t, domain.OpEqual, entry.Rule.Condition.All[0].Operator)
}

func TestBuildCatalog_MalformedRules(t *testing.T) {
	goodCond := `{"fact":"ageInDays","operator":"lt","value":28}`
	goodAction := `{"message":"m"}`

	tests := []struct {
		name      string
		condition string
		action    string
	}{
		{"Unparsable action text", goodCond, `"not json at all"`},
		{"Action missing message", goodCond, `{"recommendation":"r"}`},
		{"Action is an array", goodCond, `[1,2]`},
		{"Missing action", goodCond, ""},
		{"Missing condition", "", goodAction},
		{"Unknown operator", `{"fact":"ageInDays","operator":"approximately","value":28}`, goodAction},
		{"Leaf without value", `{"fact":"ageInDays","operator":"lt"}`, goodAction},
		{"Empty all group", `{"all":[]}`, goodAction},
		{"Mixed group kinds", `{"all":[{"fact":"gender","operator":"eq","value":"f"}],"any":[]}`, goodAction},
		{"In without array", `{"fact":"gender","operator":"in","value":"f"}`, goodAction},
		{"Broken JSON", `{"fact":`, goodAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := BuildCatalog([]domain.RawRule{rawRule("bad", "allergy", "", tt.condition, tt.action)})
			require.Equal(t, 1, catalog.Len())

			entry := catalog.Entries()[0]
			require.Error(t, entry.ParseErr)
			assert.True(t, errors.Is(entry.ParseErr, domain.ErrMalformedRule))
			assert.Equal(t, "bad", entry.Rule.ID)
		})
	}
}

func TestBuildCatalog_InvalidSeverityIsAWarning(t *testing.T) {
	catalog := BuildCatalog([]domain.RawRule{
		rawRule("r1", "allergy", "urgent",
			`{"fact":"gender","operator":"exists"}`,
			`{"message":"m","severity":"severe"}`),
	})
	entry := catalog.Entries()[0]

	require.NoError(t, entry.ParseErr)
	assert.Len(t, entry.Warnings, 2)
	for _, w := range entry.Warnings {
		assert.Equal(t, domain.IssueInvalidSeverity, w.Kind)
	}
	assert.Equal(t, domain.SeverityModerate, entry.Rule.EffectiveSeverity())
}

func TestParseCondition_OperatorAliases(t *testing.T) {
	tests := []struct {
		operator string
		expected domain.Operator
	}{
		{"equal", domain.OpEqual},
		{"notEqual", domain.OpNotEqual},
		{"lessThan", domain.OpLessThan},
		{"lessThanInclusive", domain.OpLessOrEqual},
		{"greaterThan", domain.OpGreaterThan},
		{"greaterThanInclusive", domain.OpGreaterOrEqual},
		{"GTE", domain.OpGreaterOrEqual},
		{"contains", domain.OpContains},
		{"doesNotContain", domain.OpNotContains},
	}

	for _, tt := range tests {
		t.Run(tt.operator, func(t *testing.T) {
			raw := json.RawMessage(`{"fact":"labs.inr","operator":"` + tt.operator + `","value":3}`)
			cond, err := ParseCondition(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cond.Operator)
		})
	}
}

func TestParseCondition_ConditionsWrapperAndNesting(t *testing.T) {
	raw := json.RawMessage(`{"conditions":{"any":[
		{"not":{"fact":"medications","operator":"contains","value":"heparin"}},
		{"all":[{"fact":"labs.inr","operator":"gt","value":3},{"fact":"ageYears","operator":"gte","value":70}]}
	]}}`)

	cond, err := ParseCondition(raw)
	require.NoError(t, err)
	require.Len(t, cond.Any, 2)
	require.NotNil(t, cond.Any[0].Not)
	assert.Equal(t, []string{"medications", "labs.inr", "ageYears"}, cond.FactPaths())
}

func TestParseCondition_DepthLimit(t *testing.T) {
	leaf := `{"fact":"gender","operator":"exists"}`
	nested := leaf
	for i := 0; i <= maxConditionDepth; i++ {
		nested = `{"not":` + nested + `}`
	}

	_, err := ParseCondition(json.RawMessage(nested))
	assert.Error(t, err)
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	rules := []domain.RawRule{rawRule("r1", "allergy", "high", `{"fact":"gender","operator":"exists"}`, `{"message":"m"}`)}

	assert.Equal(t, Fingerprint(rules), Fingerprint(rules))

	changed := []domain.RawRule{rules[0]}
	changed[0].Severity = "low"
	assert.NotEqual(t, Fingerprint(rules), Fingerprint(changed))
}
