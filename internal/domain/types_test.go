package domain

import (
	"errors"
	"testing"
	"time"
)

func TestSeverityConstants(t *testing.T) {
	tests := []struct {
		name     string
		value    Severity
		expected string
		rank     int
	}{
		{"Critical", SeverityCritical, "critical", 0},
		{"High", SeverityHigh, "high", 1},
		{"Moderate", SeverityModerate, "moderate", 2},
		{"Low", SeverityLow, "low", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.value) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(tt.value))
			}
			if tt.value.Rank() != tt.rank {
				t.Errorf("Expected rank %d, got %d", tt.rank, tt.value.Rank())
			}
			if !tt.value.IsValid() {
				t.Errorf("Expected %s to be valid", tt.value)
			}
		})
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input   string
		want    Severity
		wantErr bool
	}{
		{"critical", SeverityCritical, false},
		{" High ", SeverityHigh, false},
		{"MODERATE", SeverityModerate, false},
		{"urgent", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSeverity(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSeverity) {
					t.Errorf("Expected ErrInvalidSeverity, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSeverityFilter(t *testing.T) {
	f, err := ParseSeverityFilter("")
	if err != nil || f != FilterAll {
		t.Fatalf("Expected empty filter to mean all, got %q %v", f, err)
	}

	if _, err := ParseSeverityFilter("severe"); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("Expected ErrInvalidFilter, got %v", err)
	}

	for _, s := range Severities {
		if !FilterAll.Matches(s) {
			t.Errorf("FilterAll should match %s", s)
		}
		if !SeverityFilter("").Matches(s) {
			t.Errorf("zero filter should match %s", s)
		}
	}
	if !FilterHigh.Matches(SeverityHigh) || FilterHigh.Matches(SeverityCritical) {
		t.Error("FilterHigh should match only high")
	}
}

func TestAgeCategoryPatientType(t *testing.T) {
	tests := []struct {
		category AgeCategory
		want     PatientType
	}{
		{AgeNeonate, PatientNeonate},
		{AgeInfant, PatientInfant},
		{AgeChild, PatientChild},
		{AgeAdolescent, PatientAdolescent},
		{AgeAdult, PatientAdult},
		{AgeGeriatric, PatientAdult},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			if got := tt.category.PatientType(); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEffectiveSeverity(t *testing.T) {
	rule := &ClinicalRule{Severity: SeverityLow, Action: ActionPayload{Severity: SeverityCritical}}
	if rule.EffectiveSeverity() != SeverityCritical {
		t.Errorf("Action override should win, got %s", rule.EffectiveSeverity())
	}

	rule.Action.Severity = ""
	if rule.EffectiveSeverity() != SeverityLow {
		t.Errorf("Rule severity should apply, got %s", rule.EffectiveSeverity())
	}

	rule.Severity = ""
	if rule.EffectiveSeverity() != SeverityModerate {
		t.Errorf("Default should be moderate, got %s", rule.EffectiveSeverity())
	}
}

func TestPatientFactsLookup(t *testing.T) {
	days := 400
	facts := &PatientFacts{
		AgeInDays:   &days,
		AgeCategory: AgeChild,
		PatientType: PatientChild,
		Gender:      "female",
		Labs:        map[string]any{"creatinine": 1.2, "inr": nil},
		Vitals:      map[string]any{"heartRate": "110"},
		Medications: []string{"Amoxicillin"},
	}

	if v, ok := facts.Lookup(FactAgeInDays); !ok || v != 400 {
		t.Errorf("Expected ageInDays 400, got %v %v", v, ok)
	}
	if v, ok := facts.Lookup("labs.creatinine"); !ok || v != 1.2 {
		t.Errorf("Expected creatinine 1.2, got %v %v", v, ok)
	}
	if _, ok := facts.Lookup("labs.inr"); ok {
		t.Error("Nil lab value should be treated as missing")
	}
	if _, ok := facts.Lookup("labs.potassium"); ok {
		t.Error("Absent lab should be missing")
	}
	if v, ok := facts.Lookup("vitals.heartRate"); !ok || v != "110" {
		t.Errorf("Expected heartRate \"110\", got %v %v", v, ok)
	}
	if _, ok := facts.Lookup(FactDiagnosis); ok {
		t.Error("Empty diagnosis should be missing")
	}
	if _, ok := facts.Lookup("weight"); ok {
		t.Error("Unknown path should be missing")
	}
}

func TestConditionFactPaths(t *testing.T) {
	cond := &Condition{All: []*Condition{
		{Fact: "ageInDays", Operator: OpLessThan, Value: 28.0},
		{Any: []*Condition{
			{Fact: "labs.creatinine", Operator: OpGreaterThan, Value: 1.5},
			{Not: &Condition{Fact: "ageInDays", Operator: OpEqual, Value: 0.0}},
		}},
	}}

	paths := cond.FactPaths()
	if len(paths) != 2 || paths[0] != "ageInDays" || paths[1] != "labs.creatinine" {
		t.Errorf("Unexpected paths %v", paths)
	}
}

func TestCDSSError(t *testing.T) {
	err := NewCDSSError(ErrCodeInvalidInput, "Invalid patient payload", "missing id", "req-123")

	if err.Error() != "INVALID_INPUT: Invalid patient payload" {
		t.Errorf("Unexpected error string %s", err.Error())
	}
	if time.Since(err.Timestamp) > time.Minute {
		t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
	}
}

func TestDerivationError(t *testing.T) {
	var err error = &DerivationError{PatientID: "p-1", Field: "id", Reason: "required"}

	if !errors.Is(err, ErrDerivation) {
		t.Error("DerivationError should unwrap to ErrDerivation")
	}

	var de *DerivationError
	if !errors.As(err, &de) || de.Field != "id" {
		t.Errorf("errors.As failed: %v", err)
	}
}
