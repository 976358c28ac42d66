package domain

import (
	"fmt"
	"sort"
	"strings"
)

// PatientRecord is the raw patient record supplied by the record store.
// Labs and vitals are kept as separate nested maps so that lab-test names
// never collide with clinical fields.
type PatientRecord struct {
	ID          string         `json:"id"`
	MRN         string         `json:"mrn,omitempty"`
	FirstName   string         `json:"first_name,omitempty"`
	LastName    string         `json:"last_name,omitempty"`
	DateOfBirth string         `json:"date_of_birth,omitempty"` // YYYY-MM-DD or RFC3339
	AgeYears    *int           `json:"age,omitempty"`           // used only when DateOfBirth is absent
	Gender      string         `json:"gender,omitempty"`
	Diagnosis   string         `json:"diagnosis,omitempty"`
	Labs        map[string]any `json:"labs,omitempty"`
	Vitals      map[string]any `json:"vitals,omitempty"`
}

// DisplayName joins first and last name.
func (p *PatientRecord) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// MedicationRecord is one entry of a patient's medication history.
type MedicationRecord struct {
	DrugName  string `json:"drug_name"`
	Dose      string `json:"dose,omitempty"`
	Route     string `json:"route,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	IsActive  bool   `json:"is_active"`
}

// ActiveMedications filters a medication history down to active entries.
func ActiveMedications(history []MedicationRecord) []MedicationRecord {
	active := make([]MedicationRecord, 0, len(history))
	for _, m := range history {
		if m.IsActive {
			active = append(active, m)
		}
	}
	return active
}

// PatientFacts is the normalized fact set a run evaluates rules against.
// It is derived wholesale for every run and never patched.
type PatientFacts struct {
	AgeInDays   *int           `json:"age_in_days"`
	AgeYears    *int           `json:"age_years"`
	AgeCategory AgeCategory    `json:"age_category"`
	PatientType PatientType    `json:"patient_type"`
	Gender      string         `json:"gender"`
	Labs        map[string]any `json:"labs"`
	Vitals      map[string]any `json:"vitals"`
	Medications []string       `json:"medications"`
	Diagnosis   string         `json:"diagnosis"`
}

// Fact paths understood by Lookup.
const (
	FactAgeInDays   = "ageInDays"
	FactAgeYears    = "ageYears"
	FactAgeCategory = "ageCategory"
	FactPatientType = "patientType"
	FactGender      = "gender"
	FactDiagnosis   = "diagnosis"
	FactMedications = "medications"
	FactLabsPrefix  = "labs."
	FactVitalPrefix = "vitals."
)

// Lookup resolves a fact path. The second return value is false when the
// path is unknown or the fact is absent for this patient.
func (f *PatientFacts) Lookup(path string) (any, bool) {
	switch path {
	case FactAgeInDays:
		if f.AgeInDays == nil {
			return nil, false
		}
		return *f.AgeInDays, true
	case FactAgeYears:
		if f.AgeYears == nil {
			return nil, false
		}
		return *f.AgeYears, true
	case FactAgeCategory:
		if f.AgeCategory == "" {
			return nil, false
		}
		return string(f.AgeCategory), true
	case FactPatientType:
		if f.PatientType == "" {
			return nil, false
		}
		return string(f.PatientType), true
	case FactGender:
		return f.Gender, true
	case FactDiagnosis:
		if f.Diagnosis == "" {
			return nil, false
		}
		return f.Diagnosis, true
	case FactMedications:
		return f.Medications, true
	}

	if name, ok := strings.CutPrefix(path, FactLabsPrefix); ok {
		v, found := f.Labs[name]
		return v, found && v != nil
	}
	if name, ok := strings.CutPrefix(path, FactVitalPrefix); ok {
		v, found := f.Vitals[name]
		return v, found && v != nil
	}
	return nil, false
}

// LabNames returns lab names in sorted order.
func (f *PatientFacts) LabNames() []string {
	names := make([]string, 0, len(f.Labs))
	for k := range f.Labs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String gives a compact summary suitable for logs (no identifying data).
func (f *PatientFacts) String() string {
	days := "unknown"
	if f.AgeInDays != nil {
		days = fmt.Sprintf("%d", *f.AgeInDays)
	}
	return fmt.Sprintf("age_days=%s category=%s meds=%d labs=%d vitals=%d",
		days, f.AgeCategory, len(f.Medications), len(f.Labs), len(f.Vitals))
}
