// Package domain contains core entities and types for clinical decision support:
// patient facts, declarative clinical rules, drug-related need (DRN) taxonomy
// entries and the alerts produced when rules fire.
package domain

import (
	"errors"
	"strings"
)

// Severity is the urgency of a clinical alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DefaultSeverity is used when neither the rule action nor the rule declares a severity.
const DefaultSeverity = SeverityModerate

// Severities lists every severity from most to least urgent.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityModerate, SeverityLow}

// AgeCategory is the age bucket a patient falls into.
type AgeCategory string

const (
	AgeNeonate    AgeCategory = "neonate"
	AgeInfant     AgeCategory = "infant"
	AgeChild      AgeCategory = "child"
	AgeAdolescent AgeCategory = "adolescent"
	AgeAdult      AgeCategory = "adult"
	AgeGeriatric  AgeCategory = "geriatric"
)

// PatientType mirrors AgeCategory for rule matching: pediatric subtypes keep
// their own value and every non-pediatric patient is "adult".
type PatientType string

const (
	PatientNeonate    PatientType = "neonate"
	PatientInfant     PatientType = "infant"
	PatientChild      PatientType = "child"
	PatientAdolescent PatientType = "adolescent"
	PatientAdult      PatientType = "adult"
)

// SeverityFilter selects which alerts are visible.
type SeverityFilter string

const (
	FilterAll      SeverityFilter = "all"
	FilterCritical SeverityFilter = "critical"
	FilterHigh     SeverityFilter = "high"
	FilterModerate SeverityFilter = "moderate"
	FilterLow      SeverityFilter = "low"
)

// Sentinel errors shared across the core and its collaborators.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidSeverity = errors.New("invalid severity")
	ErrInvalidFilter   = errors.New("invalid severity filter")
	ErrMalformedRule   = errors.New("malformed clinical rule")
	ErrMissingFact     = errors.New("fact not present")
	ErrDerivation      = errors.New("cannot derive patient facts")
	ErrMissingActor    = errors.New("acting user is required")
)

// IsValid reports whether s is one of the four known severities.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityModerate, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// Rank orders severities so that critical sorts first. Unknown severities rank last.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityModerate:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// ParseSeverity normalizes free-form severity text ("High", " critical ").
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", ErrInvalidSeverity
	}
	return sev, nil
}

// IsValid reports whether c is a known age category.
func (c AgeCategory) IsValid() bool {
	switch c {
	case AgeNeonate, AgeInfant, AgeChild, AgeAdolescent, AgeAdult, AgeGeriatric:
		return true
	default:
		return false
	}
}

// IsPediatric is true for neonate, infant, child and adolescent patients.
func (c AgeCategory) IsPediatric() bool {
	switch c {
	case AgeNeonate, AgeInfant, AgeChild, AgeAdolescent:
		return true
	default:
		return false
	}
}

// PatientType returns the rule-matching patient type for the category.
func (c AgeCategory) PatientType() PatientType {
	if c.IsPediatric() {
		return PatientType(c)
	}
	return PatientAdult
}

// IsValid reports whether f is a known filter value.
func (f SeverityFilter) IsValid() bool {
	switch f {
	case FilterAll, FilterCritical, FilterHigh, FilterModerate, FilterLow:
		return true
	default:
		return false
	}
}

// ParseSeverityFilter normalizes a filter value; empty input means FilterAll.
func ParseSeverityFilter(s string) (SeverityFilter, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FilterAll, nil
	}
	f := SeverityFilter(s)
	if !f.IsValid() {
		return "", ErrInvalidFilter
	}
	return f, nil
}

// Matches reports whether an alert of severity s passes the filter. The zero
// value behaves like FilterAll.
func (f SeverityFilter) Matches(s Severity) bool {
	if f == FilterAll || f == "" {
		return true
	}
	return string(f) == string(s)
}
