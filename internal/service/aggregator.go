package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// Aggregation is the alert collection, statistics and diagnostics of one run.
type Aggregation struct {
	Alerts []domain.Alert
	Stats  domain.AlertStats
	Issues []domain.RuleIssue
}

// AlertAggregator walks a catalog once, evaluating every rule and building
// one alert per firing.
type AlertAggregator struct {
	evaluator *RuleEvaluator
	taxonomy  domain.TaxonomyMapper
	logger    *logrus.Logger
}

// NewAlertAggregator creates an alert aggregator
func NewAlertAggregator(evaluator *RuleEvaluator, taxonomy domain.TaxonomyMapper, logger *logrus.Logger) *AlertAggregator {
	return &AlertAggregator{
		evaluator: evaluator,
		taxonomy:  taxonomy,
		logger:    logger,
	}
}

// Aggregate evaluates every catalog entry in order. Per-rule problems are
// collected as issues; a nil fact set is the only error.
func (a *AlertAggregator) Aggregate(catalog *Catalog, facts *domain.PatientFacts, evaluatedAt time.Time) (*Aggregation, error) {
	if facts == nil {
		return nil, fmt.Errorf("%w: facts are required", domain.ErrDerivation)
	}

	result := &Aggregation{
		Alerts: []domain.Alert{},
		Stats:  domain.NewAlertStats(),
		Issues: []domain.RuleIssue{},
	}
	if catalog == nil {
		return result, nil
	}

	issued := make(map[string]bool, catalog.Len())
	for i, entry := range catalog.Entries() {
		rule := entry.Rule
		result.Stats.RulesEvaluated++
		result.Issues = append(result.Issues, entry.Warnings...)
		for _, w := range entry.Warnings {
			a.logWarning(w)
		}

		if entry.ParseErr != nil {
			a.recordMalformed(result, rule, entry.ParseErr)
			continue
		}

		ev, err := a.evaluator.Evaluate(rule, facts)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedRule) {
				a.recordMalformed(result, rule, err)
				continue
			}
			return nil, fmt.Errorf("evaluating rule %s: %w", rule.ID, err)
		}

		for _, path := range ev.MissingFacts {
			result.Issues = append(result.Issues, domain.RuleIssue{
				RuleID:   rule.ID,
				RuleName: rule.RuleName,
				Kind:     domain.IssueMissingFact,
				Message:  fmt.Sprintf("fact %q is not available for this patient", path),
			})
		}

		if !ev.Fired {
			continue
		}

		alert := a.buildAlert(i, rule, facts, evaluatedAt)
		alert.ID = uniqueAlertID(alert.ID, i, issued)
		result.Alerts = append(result.Alerts, alert)
		result.Stats.BySeverity[alert.Severity]++
	}

	result.Stats.AlertCount = len(result.Alerts)
	result.Stats.IssueCount = len(result.Issues)

	if a.logger != nil {
		a.logger.WithFields(logrus.Fields{
			"rules_evaluated": result.Stats.RulesEvaluated,
			"alerts":          result.Stats.AlertCount,
			"issues":          result.Stats.IssueCount,
			"critical":        result.Stats.BySeverity[domain.SeverityCritical],
		}).Debug("Completed rule aggregation")
	}

	return result, nil
}

func (a *AlertAggregator) recordMalformed(result *Aggregation, rule *domain.ClinicalRule, err error) {
	result.Issues = append(result.Issues, domain.RuleIssue{
		RuleID:   rule.ID,
		RuleName: rule.RuleName,
		Kind:     domain.IssueMalformedRule,
		Message:  err.Error(),
	})
	if a.logger != nil {
		a.logger.WithError(err).WithField("rule_id", rule.ID).Warn("Skipping malformed rule")
	}
}

func (a *AlertAggregator) logWarning(issue domain.RuleIssue) {
	if a.logger == nil {
		return
	}
	a.logger.WithFields(logrus.Fields{
		"rule_id": issue.RuleID,
		"kind":    issue.Kind,
	}).Warn(issue.Message)
}

// uniqueAlertID keeps alert ids distinct within a run. A repeated id gets the
// rule's catalog position appended, e.g. "r1#2".
func uniqueAlertID(id string, position int, issued map[string]bool) string {
	candidate := id
	for n := position + 1; issued[candidate]; n++ {
		candidate = fmt.Sprintf("%s#%d", id, n)
	}
	issued[candidate] = true
	return candidate
}

func (a *AlertAggregator) buildAlert(position int, rule *domain.ClinicalRule, facts *domain.PatientFacts, evaluatedAt time.Time) domain.Alert {
	id := rule.ID
	if id == "" {
		id = fmt.Sprintf("rule-%d", position+1)
	}
	class := a.taxonomy.Classify(rule.RuleType, rule.RuleName)

	return domain.Alert{
		ID:             id,
		RuleType:       rule.RuleType,
		RuleName:       rule.RuleName,
		Category:       class.Category,
		Cause:          class.CauseName,
		DTPType:        class.DTPType,
		Severity:       rule.EffectiveSeverity(),
		Message:        rule.Action.Message,
		Recommendation: rule.Action.Recommendation,
		Evidence:       buildEvidence(rule, facts),
		Timestamp:      evaluatedAt,
	}
}

// buildEvidence copies the cited facts so later changes to facts never show
// through an alert.
func buildEvidence(rule *domain.ClinicalRule, facts *domain.PatientFacts) domain.Evidence {
	ev := domain.Evidence{
		PatientType:         facts.PatientType,
		MedicationsInvolved: medicationsMentioned(rule.Action.Message+" "+rule.Action.Recommendation, facts.Medications),
		LabValuesReferenced: map[string]any{},
	}
	if facts.AgeInDays != nil {
		days := *facts.AgeInDays
		ev.AgeInDays = &days
	}
	for _, path := range rule.Condition.FactPaths() {
		if !strings.HasPrefix(path, domain.FactLabsPrefix) && !strings.HasPrefix(path, domain.FactVitalPrefix) {
			continue
		}
		if v, ok := facts.Lookup(path); ok {
			ev.LabValuesReferenced[path] = v
		}
	}
	return ev
}

// medicationsMentioned returns the medications whose names appear in text,
// compared case-insensitively.
func medicationsMentioned(text string, medications []string) []string {
	lower := strings.ToLower(text)
	found := []string{}
	for _, med := range medications {
		if strings.Contains(lower, strings.ToLower(med)) {
			found = append(found, med)
		}
	}
	return found
}
