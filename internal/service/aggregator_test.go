package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmacy-cdss-server/internal/domain"
)

func newTestAggregator() *AlertAggregator {
	logger := quietLogger()
	return NewAlertAggregator(NewRuleEvaluator(logger), NewStaticTaxonomy(), logger)
}

func neonateFacts() *domain.PatientFacts {
	days := 10
	return &domain.PatientFacts{
		AgeInDays:   &days,
		AgeCategory: domain.AgeNeonate,
		PatientType: domain.PatientNeonate,
		Gender:      "unknown",
		Labs:        map[string]any{},
		Vitals:      map[string]any{},
		Medications: []string{},
	}
}

func assertStatsInvariant(t *testing.T, catalog *Catalog, agg *Aggregation) {
	t.Helper()
	sum := 0
	for _, n := range agg.Stats.BySeverity {
		sum += n
	}
	assert.Equal(t, len(agg.Alerts), sum)
	assert.Equal(t, len(agg.Alerts), agg.Stats.AlertCount)
	assert.Equal(t, catalog.Len(), agg.Stats.RulesEvaluated)
	assert.Equal(t, len(agg.Issues), agg.Stats.IssueCount)
}

func TestAggregate_PediatricPatientWithoutMedications(t *testing.T) {
	catalog := BuildCatalog([]domain.RawRule{
		rawRule("neo-1", "pediatric_restriction", "critical",
			`{"fact":"ageInDays","operator":"lt","value":28}`,
			`{"message":"Neonate: review all new orders","recommendation":"Confirm neonatal dosing"}`),
	})

	agg, err := newTestAggregator().Aggregate(catalog, neonateFacts(), fixedNow)
	require.NoError(t, err)

	require.Len(t, agg.Alerts, 1)
	alert := agg.Alerts[0]
	assert.Equal(t, "neo-1", alert.ID)
	assert.Equal(t, domain.SeverityCritical, alert.Severity)
	require.NotNil(t, alert.Evidence.AgeInDays)
	assert.Equal(t, 10, *alert.Evidence.AgeInDays)
	assert.Equal(t, domain.PatientNeonate, alert.Evidence.PatientType)
	assert.Equal(t, "Safety", alert.Category)
	assert.Equal(t, "Unsafe for pediatric patient", alert.Cause)
	assert.Equal(t, fixedNow, alert.Timestamp)
	assert.False(t, alert.Acknowledged)
	assert.False(t, alert.Expanded)
	assertStatsInvariant(t, catalog, agg)
}

func TestAggregate_MalformedRuleIsReported(t *testing.T) {
	catalog := BuildCatalog([]domain.RawRule{
		rawRule("ok", "abnormal_lab", "high",
			`{"fact":"ageInDays","operator":"gte","value":0}`,
			`{"message":"fine"}`),
		rawRule("broken", "abnormal_lab", "high",
			`{"fact":"ageInDays","operator":"gte","value":0}`,
			`"this is not json"`),
	})

	agg, err := newTestAggregator().Aggregate(catalog, neonateFacts(), fixedNow)
	require.NoError(t, err)

	require.Len(t, agg.Alerts, 1)
	assert.Equal(t, "ok", agg.Alerts[0].ID)
	require.Len(t, agg.Issues, 1)
	assert.Equal(t, "broken", agg.Issues[0].RuleID)
	assert.Equal(t, domain.IssueMalformedRule, agg.Issues[0].Kind)
	assert.Equal(t, 2, agg.Stats.RulesEvaluated)
	assertStatsInvariant(t, catalog, agg)
}

func TestAggregate_FallbackClassification(t *testing.T) {
	catalog := BuildCatalog([]domain.RawRule{
		rawRule("x", "brand_new_type", "", `{"fact":"gender","operator":"exists"}`, `{"message":"m"}`),
	})

	agg, err := newTestAggregator().Aggregate(catalog, neonateFacts(), fixedNow)
	require.NoError(t, err)
	require.Len(t, agg.Alerts, 1)
	assert.Equal(t, FallbackCategory, agg.Alerts[0].Category)
	assert.Equal(t, "x rule", agg.Alerts[0].Cause)
	assert.Equal(t, domain.SeverityModerate, agg.Alerts[0].Severity)
}

func TestAggregate_NoDeduplicationAcrossRules(t *testing.T) {
	cond := `{"fact":"ageInDays","operator":"lt","value":28}`
	action := `{"message":"Same message"}`
	catalog := BuildCatalog([]domain.RawRule{
		rawRule("a", "allergy", "low", cond, action),
		rawRule("b", "allergy", "low", cond, action),
	})

	agg, err := newTestAggregator().Aggregate(catalog, neonateFacts(), fixedNow)
	require.NoError(t, err)
	require.Len(t, agg.Alerts, 2)
	assert.Equal(t, "a", agg.Alerts[0].ID)
	assert.Equal(t, "b", agg.Alerts[1].ID)
	assert.Equal(t, 2, agg.Stats.BySeverity[domain.SeverityLow])
}

func TestAggregate_RepeatedRuleIDsGetDistinctAlertIDs(t *testing.T) {
	cond := `{"fact":"ageInDays","operator":"lt","value":28}`
	catalog := BuildCatalog([]domain.RawRule{
		rawRule("r1", "allergy", "low", cond, `{"message":"first"}`),
		rawRule("r1", "allergy", "high", cond, `{"message":"second"}`),
		rawRule("r1#2", "allergy", "low", cond, `{"message":"third"}`),
	})

	agg, err := newTestAggregator().Aggregate(catalog, neonateFacts(), fixedNow)
	require.NoError(t, err)
	require.Len(t, agg.Alerts, 3)
	assert.Equal(t, "r1", agg.Alerts[0].ID)
	assert.Equal(t, "r1#2", agg.Alerts[1].ID)
	assert.Equal(t, "r1#2#3", agg.Alerts[2].ID)

	acked := Acknowledge(agg.Alerts, "r1")
	assert.True(t, acked[0].Acknowledged)
	assert.False(t, acked[1].Acknowledged)
	assert.False(t, acked[2].Acknowledged)
}

func TestAggregate_EmptyCatalog(t *testing.T) {
	catalog := BuildCatalog(nil)

	agg, err := newTestAggregator().Aggregate(catalog, neonateFacts(), fixedNow)
	require.NoError(t, err)
	assert.Empty(t, agg.Alerts)
	assert.Equal(t, 0, agg.Stats.RulesEvaluated)
	assert.Len(t, agg.Stats.BySeverity, 4)
}

func TestAggregate_SeverityPrecedence(t *testing.T) {
	cond := `{"fact":"gender","operator":"exists"}`
	catalog := BuildCatalog([]domain.RawRule{
		rawRule("override", "allergy", "low", cond, `{"message":"m","severity":"high"}`),
		rawRule("declared", "allergy", "low", cond, `{"message":"m"}`),
		rawRule("default", "allergy", "", cond, `{"message":"m"}`),
		rawRule("bogus", "allergy", "urgent", cond, `{"message":"m"}`),
	})

	agg, err := newTestAggregator().Aggregate(catalog, neonateFacts(), fixedNow)
	require.NoError(t, err)
	require.Len(t, agg.Alerts, 4)
	assert.Equal(t, domain.SeverityHigh, agg.Alerts[0].Severity)
	assert.Equal(t, domain.SeverityLow, agg.Alerts[1].Severity)
	assert.Equal(t, domain.SeverityModerate, agg.Alerts[2].Severity)
	assert.Equal(t, domain.SeverityModerate, agg.Alerts[3].Severity)
	require.Len(t, agg.Issues, 1)
	assert.Equal(t, domain.IssueInvalidSeverity, agg.Issues[0].Kind)
	assertStatsInvariant(t, catalog, agg)
}

func TestAggregate_Evidence(t *testing.T) {
	facts := neonateFacts()
	facts.Medications = []string{"Warfarin", "Amiodarone", "Metformin"}
	facts.Labs = map[string]any{"inr": 4.2, "potassium": 4.0}
	facts.Vitals = map[string]any{"heartRate": 52}

	catalog := BuildCatalog([]domain.RawRule{
		rawRule("ddi", "drug_drug_interaction", "critical",
			`{"all":[
				{"fact":"medications","operator":"contains","value":"warfarin"},
				{"fact":"labs.inr","operator":"gt","value":3},
				{"fact":"vitals.heartRate","operator":"lt","value":60},
				{"fact":"labs.creatinine","operator":"exists","value":false}
			]}`,
			`{"message":"WARFARIN with amiodarone raises INR","recommendation":"Reduce warfarin dose"}`),
	})

	agg, err := newTestAggregator().Aggregate(catalog, facts, fixedNow)
	require.NoError(t, err)
	require.Len(t, agg.Alerts, 1)

	ev := agg.Alerts[0].Evidence
	assert.Equal(t, []string{"Warfarin", "Amiodarone"}, ev.MedicationsInvolved)
	assert.Equal(t, map[string]any{"labs.inr": 4.2, "vitals.heartRate": 52}, ev.LabValuesReferenced)

	*facts.AgeInDays = 999
	assert.Equal(t, 10, *ev.AgeInDays)
}

func TestAggregate_MissingFactsAreDiagnostics(t *testing.T) {
	facts := neonateFacts()
	facts.AgeInDays = nil

	catalog := BuildCatalog([]domain.RawRule{
		rawRule("neo", "pediatric_restriction", "critical",
			`{"fact":"ageInDays","operator":"lt","value":28}`,
			`{"message":"m"}`),
	})

	agg, err := newTestAggregator().Aggregate(catalog, facts, fixedNow)
	require.NoError(t, err)
	assert.Empty(t, agg.Alerts)
	require.Len(t, agg.Issues, 1)
	assert.Equal(t, domain.IssueMissingFact, agg.Issues[0].Kind)
	assertStatsInvariant(t, catalog, agg)
}

func TestAggregate_NilFacts(t *testing.T) {
	_, err := newTestAggregator().Aggregate(BuildCatalog(nil), nil, fixedNow)
	assert.ErrorIs(t, err, domain.ErrDerivation)
}
