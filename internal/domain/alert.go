package domain

import (
	"time"
)

// Evidence is a snapshot of the facts cited for one alert.
type Evidence struct {
	AgeInDays           *int           `json:"age_in_days"`
	PatientType         PatientType    `json:"patient_type"`
	MedicationsInvolved []string       `json:"medications_involved"`
	LabValuesReferenced map[string]any `json:"lab_values_referenced"`
}

// Alert is produced for every rule that fires in a run. Acknowledged and
// Expanded are view state; everything else is fixed when the alert is built.
type Alert struct {
	ID             string    `json:"id"`
	RuleType       string    `json:"rule_type"`
	RuleName       string    `json:"rule_name"`
	Category       string    `json:"category"`
	Cause          string    `json:"cause"`
	DTPType        string    `json:"dtp_type"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation"`
	Evidence       Evidence  `json:"evidence"`
	Timestamp      time.Time `json:"timestamp"`
	Acknowledged   bool      `json:"acknowledged"`
	Expanded       bool      `json:"expanded"`
}

// AlertStats summarizes one run. RulesEvaluated always equals the number of
// active catalog rules and the BySeverity counts always sum to AlertCount.
type AlertStats struct {
	RulesEvaluated int              `json:"rules_evaluated"`
	AlertCount     int              `json:"alert_count"`
	BySeverity     map[Severity]int `json:"by_severity"`
	IssueCount     int              `json:"issue_count"`
}

// NewAlertStats returns stats with every severity bucket present.
func NewAlertStats() AlertStats {
	by := make(map[Severity]int, len(Severities))
	for _, s := range Severities {
		by[s] = 0
	}
	return AlertStats{BySeverity: by}
}

// IssueKind classifies a per-rule diagnostic.
type IssueKind string

const (
	IssueMalformedRule   IssueKind = "malformed_rule"
	IssueMissingFact     IssueKind = "missing_fact"
	IssueInvalidSeverity IssueKind = "invalid_severity"
)

// RuleIssue is a non-fatal problem recorded while evaluating one rule.
type RuleIssue struct {
	RuleID   string    `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	Kind     IssueKind `json:"kind"`
	Message  string    `json:"message"`
}

// AnalysisResult is the outcome of one evaluation run.
type AnalysisResult struct {
	PatientID   string        `json:"patient_id"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Facts       *PatientFacts `json:"facts"`
	Alerts      []Alert       `json:"alerts"`
	Stats       AlertStats    `json:"stats"`
	Issues      []RuleIssue   `json:"issues"`
}

// CauseMapping ties a rule type to a named cause inside a DRN category.
type CauseMapping struct {
	RuleType  string `json:"rule_type"`
	CauseName string `json:"cause_name"`
	DTPType   string `json:"dtp_type"`
}

// DRNCategory is one of the nine fixed drug-related need categories.
type DRNCategory struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Causes []CauseMapping `json:"causes"`
}

// Classification is the taxonomy lookup result for a rule type.
type Classification struct {
	Category  string `json:"category"`
	CauseName string `json:"cause_name"`
	DTPType   string `json:"dtp_type"`
	Mapped    bool   `json:"mapped"`
}

// AssessmentSeed is the serializable shape an assessment author starts from.
type AssessmentSeed struct {
	RuleID          string   `json:"rule_id"`
	RuleName        string   `json:"rule_name"`
	Category        string   `json:"category"`
	Cause           string   `json:"cause"`
	DTPType         string   `json:"dtp_type"`
	Severity        Severity `json:"severity"`
	Recommendation  string   `json:"recommendation"`
	EvidenceSummary string   `json:"evidence_summary"`
}
