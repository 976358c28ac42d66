package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// ReportVersion is bumped whenever the document layout changes.
const ReportVersion = "1.0"

// PatientSummary is the identity and demographic block of a report.
type PatientSummary struct {
	ID          string `json:"id"`
	MRN         string `json:"mrn,omitempty"`
	Name        string `json:"name,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Diagnosis   string `json:"diagnosis,omitempty"`
}

// Report is the portable export of one analysis run. Alerts are the full,
// unfiltered collection in evaluation order.
type Report struct {
	Version     string               `json:"version"`
	GeneratedAt time.Time            `json:"generated_at"`
	Patient     PatientSummary       `json:"patient"`
	Facts       *domain.PatientFacts `json:"facts"`
	Alerts      []domain.Alert       `json:"alerts"`
	Stats       domain.AlertStats    `json:"stats"`
	Issues      []domain.RuleIssue   `json:"issues"`
}

// BuildReport assembles the document. generatedAt should be the run's
// evaluation time so that exporting the same run twice is byte-identical.
func BuildReport(patient *domain.PatientRecord, facts *domain.PatientFacts, alerts []domain.Alert, stats domain.AlertStats, issues []domain.RuleIssue, generatedAt time.Time) *Report {
	report := &Report{
		Version:     ReportVersion,
		GeneratedAt: generatedAt.UTC(),
		Facts:       facts,
		Alerts:      cloneAlerts(alerts),
		Stats:       stats,
		Issues:      append([]domain.RuleIssue{}, issues...),
	}
	if patient != nil {
		report.Patient = PatientSummary{
			ID:          patient.ID,
			MRN:         patient.MRN,
			Name:        patient.DisplayName(),
			DateOfBirth: patient.DateOfBirth,
			Gender:      patient.Gender,
			Diagnosis:   patient.Diagnosis,
		}
	}
	return report
}

// ReportFromResult builds a report for a completed analysis.
func ReportFromResult(patient *domain.PatientRecord, result *domain.AnalysisResult) *Report {
	return BuildReport(patient, result.Facts, result.Alerts, result.Stats, result.Issues, result.EvaluatedAt)
}

// Marshal renders the report as indented JSON. encoding/json sorts map keys,
// so identical reports always produce identical bytes.
func (r *Report) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return data, nil
}

// Filename is a stable download name for the report. The patient id is
// reduced to [A-Za-z0-9._-] so the name is always a single path element.
func (r *Report) Filename() string {
	return fmt.Sprintf("cdss-report-%s-%s.json", safeFileComponent(r.Patient.ID), r.GeneratedAt.Format("20060102T150405Z"))
}

func safeFileComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// SeedFromAlert produces the starting point for an assessment write-up.
func SeedFromAlert(alert domain.Alert) domain.AssessmentSeed {
	return domain.AssessmentSeed{
		RuleID:          alert.ID,
		RuleName:        alert.RuleName,
		Category:        alert.Category,
		Cause:           alert.Cause,
		DTPType:         alert.DTPType,
		Severity:        alert.Severity,
		Recommendation:  alert.Recommendation,
		EvidenceSummary: SummarizeEvidence(alert.Evidence),
	}
}

// SummarizeEvidence renders evidence as one human-readable line.
func SummarizeEvidence(ev domain.Evidence) string {
	var parts []string
	if ev.AgeInDays != nil {
		parts = append(parts, fmt.Sprintf("Age %d days (%s)", *ev.AgeInDays, ev.PatientType))
	} else if ev.PatientType != "" {
		parts = append(parts, fmt.Sprintf("Patient type %s", ev.PatientType))
	}
	if len(ev.MedicationsInvolved) > 0 {
		parts = append(parts, "Medications: "+strings.Join(ev.MedicationsInvolved, ", "))
	}
	if len(ev.LabValuesReferenced) > 0 {
		keys := make([]string, 0, len(ev.LabValuesReferenced))
		for k := range ev.LabValuesReferenced {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := make([]string, 0, len(keys))
		for _, k := range keys {
			values = append(values, fmt.Sprintf("%s=%v", k, ev.LabValuesReferenced[k]))
		}
		parts = append(parts, "Values: "+strings.Join(values, ", "))
	}
	return strings.Join(parts, "; ")
}
