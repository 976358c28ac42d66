package service

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// Inclusive upper bounds, in days, of the pediatric age buckets.
const (
	neonateMaxDays    = 28
	infantMaxDays     = 365
	childMaxDays      = 4380 // 12 years
	adolescentMaxDays = 6570 // 18 years

	// geriatricAfterYears is exclusive: 65 is still adult, 66 is geriatric.
	geriatricAfterYears = 65
)

const hoursPerDay = 24

// PatientFactDeriver derives PatientFacts from a raw record and active medications.
type PatientFactDeriver struct {
	clock  domain.Clock
	logger *logrus.Logger
}

// NewFactDeriver creates a fact deriver. A nil clock means time.Now.
func NewFactDeriver(clock domain.Clock, logger *logrus.Logger) *PatientFactDeriver {
	if clock == nil {
		clock = time.Now
	}
	return &PatientFactDeriver{clock: clock, logger: logger}
}

// Derive builds the fact set. It fails only when the record lacks identity or
// any usable age, which callers must treat differently from an empty run.
func (d *PatientFactDeriver) Derive(record *domain.PatientRecord, activeMeds []domain.MedicationRecord) (*domain.PatientFacts, error) {
	return d.DeriveAt(record, activeMeds, d.clock())
}

// DeriveAt is Derive with an explicit evaluation instant.
func (d *PatientFactDeriver) DeriveAt(record *domain.PatientRecord, activeMeds []domain.MedicationRecord, now time.Time) (*domain.PatientFacts, error) {
	if record == nil {
		return nil, &domain.DerivationError{Field: "record", Reason: "patient record is required"}
	}
	if strings.TrimSpace(record.ID) == "" {
		return nil, &domain.DerivationError{Field: "id", Reason: "patient id is required"}
	}

	facts := &domain.PatientFacts{
		Gender:      normalizeGender(record.Gender),
		Diagnosis:   strings.TrimSpace(record.Diagnosis),
		Labs:        flattenMeasurements(record.Labs),
		Vitals:      flattenMeasurements(record.Vitals),
		Medications: medicationNames(activeMeds),
	}

	switch {
	case strings.TrimSpace(record.DateOfBirth) != "":
		dob, err := parseDateOfBirth(record.DateOfBirth)
		if err != nil {
			return nil, &domain.DerivationError{PatientID: record.ID, Field: "date_of_birth", Reason: err.Error()}
		}
		days := ageInDays(dob, now)
		years := calendarAge(dob, now)
		facts.AgeInDays = &days
		facts.AgeYears = &years
		facts.AgeCategory = categoryFromDays(days, years)
	case record.AgeYears != nil:
		if *record.AgeYears < 0 {
			return nil, &domain.DerivationError{PatientID: record.ID, Field: "age", Reason: "age cannot be negative"}
		}
		years := *record.AgeYears
		facts.AgeYears = &years
		facts.AgeCategory = categoryFromYears(years)
	default:
		return nil, &domain.DerivationError{PatientID: record.ID, Field: "date_of_birth", Reason: "date of birth or age is required"}
	}
	facts.PatientType = facts.AgeCategory.PatientType()

	if d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"patient_id": record.ID,
			"facts":      facts.String(),
		}).Debug("Derived patient facts")
	}

	return facts, nil
}

// ageInDays is floor((now - dob) / 1 day), never negative.
func ageInDays(dob, now time.Time) int {
	if now.Before(dob) {
		return 0
	}
	return int(now.Sub(dob).Hours() / hoursPerDay)
}

// calendarAge counts completed birthdays.
func calendarAge(dob, now time.Time) int {
	if now.Before(dob) {
		return 0
	}
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	return years
}

func categoryFromDays(days, years int) domain.AgeCategory {
	if years > geriatricAfterYears {
		return domain.AgeGeriatric
	}
	switch {
	case days <= neonateMaxDays:
		return domain.AgeNeonate
	case days <= infantMaxDays:
		return domain.AgeInfant
	case days <= childMaxDays:
		return domain.AgeChild
	case days <= adolescentMaxDays:
		return domain.AgeAdolescent
	default:
		return domain.AgeAdult
	}
}

// categoryFromYears is the fallback when only a calendar age is known. A
// neonate cannot be told apart from an infant without a day count.
func categoryFromYears(years int) domain.AgeCategory {
	switch {
	case years > geriatricAfterYears:
		return domain.AgeGeriatric
	case years < 1:
		return domain.AgeInfant
	case years < 12:
		return domain.AgeChild
	case years < 18:
		return domain.AgeAdolescent
	default:
		return domain.AgeAdult
	}
}

func parseDateOfBirth(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func normalizeGender(g string) string {
	g = strings.TrimSpace(g)
	if g == "" {
		return "unknown"
	}
	return g
}

// flattenMeasurements copies a nested lab or vital map without coercing values.
// Nested objects of the form {"value": x, ...} collapse to x.
func flattenMeasurements(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for name, v := range in {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			if inner, ok := nested["value"]; ok {
				v = inner
			}
		}
		out[name] = v
	}
	return out
}

// medicationNames deduplicates case-insensitively and keeps the first spelling seen.
func medicationNames(meds []domain.MedicationRecord) []string {
	names := make([]string, 0, len(meds))
	seen := make(map[string]bool, len(meds))
	for _, m := range meds {
		name := strings.TrimSpace(m.DrugName)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, name)
	}
	return names
}
