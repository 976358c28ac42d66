package service

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmacy-cdss-server/internal/domain"
)

var fixedNow = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func dobDaysAgo(days int) string {
	return fixedNow.AddDate(0, 0, -days).Format("2006-01-02")
}

func intPtr(v int) *int { return &v }

func TestFactDeriver_AgeCategoryBoundaries(t *testing.T) {
	deriver := NewFactDeriver(fixedClock, quietLogger())

	tests := []struct {
		name     string
		days     int
		expected domain.AgeCategory
	}{
		{"Newborn", 0, domain.AgeNeonate},
		{"Last neonatal day", 28, domain.AgeNeonate},
		{"First infant day", 29, domain.AgeInfant},
		{"Last infant day", 365, domain.AgeInfant},
		{"First child day", 366, domain.AgeChild},
		{"Last child day", 4380, domain.AgeChild},
		{"First adolescent day", 4381, domain.AgeAdolescent},
		{"Last adolescent day", 6570, domain.AgeAdolescent},
		{"First adult day", 6571, domain.AgeAdult},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := &domain.PatientRecord{ID: "p-1", DateOfBirth: dobDaysAgo(tt.days)}

			facts, err := deriver.Derive(record, nil)
			require.NoError(t, err)
			require.NotNil(t, facts.AgeInDays)
			assert.Equal(t, tt.days, *facts.AgeInDays)
			assert.Equal(t, tt.expected, facts.AgeCategory)
		})
	}
}

func TestFactDeriver_GeriatricBoundary(t *testing.T) {
	deriver := NewFactDeriver(fixedClock, quietLogger())

	tests := []struct {
		name     string
		dob      string
		years    int
		expected domain.AgeCategory
	}{
		{"Exactly 65", "1960-06-15", 65, domain.AgeAdult},
		{"Day before 66th birthday", "1959-06-16", 65, domain.AgeAdult},
		{"Exactly 66", "1959-06-15", 66, domain.AgeGeriatric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts, err := deriver.Derive(&domain.PatientRecord{ID: "p-1", DateOfBirth: tt.dob}, nil)
			require.NoError(t, err)
			require.NotNil(t, facts.AgeYears)
			assert.Equal(t, tt.years, *facts.AgeYears)
			assert.Equal(t, tt.expected, facts.AgeCategory)
			assert.Equal(t, domain.PatientAdult, facts.PatientType)
		})
	}
}

func TestFactDeriver_AgeFallback(t *testing.T) {
	deriver := NewFactDeriver(fixedClock, quietLogger())

	tests := []struct {
		name     string
		age      int
		expected domain.AgeCategory
	}{
		{"Infant", 0, domain.AgeInfant},
		{"Child", 7, domain.AgeChild},
		{"Adolescent", 15, domain.AgeAdolescent},
		{"Adult", 40, domain.AgeAdult},
		{"Still adult at 65", 65, domain.AgeAdult},
		{"Geriatric", 80, domain.AgeGeriatric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts, err := deriver.Derive(&domain.PatientRecord{ID: "p-1", AgeYears: intPtr(tt.age)}, nil)
			require.NoError(t, err)
			assert.Nil(t, facts.AgeInDays, "no day count without a date of birth")
			assert.Equal(t, tt.expected, facts.AgeCategory)
		})
	}
}

func TestFactDeriver_DateOfBirthIsAuthoritative(t *testing.T) {
	deriver := NewFactDeriver(fixedClock, quietLogger())

	record := &domain.PatientRecord{ID: "p-1", DateOfBirth: dobDaysAgo(10), AgeYears: intPtr(50)}
	facts, err := deriver.Derive(record, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, *facts.AgeInDays)
	assert.Equal(t, 0, *facts.AgeYears)
	assert.Equal(t, domain.AgeNeonate, facts.AgeCategory)
	assert.Equal(t, domain.PatientNeonate, facts.PatientType)
}

func TestFactDeriver_FutureDateOfBirthFloorsAtZero(t *testing.T) {
	deriver := NewFactDeriver(fixedClock, quietLogger())

	facts, err := deriver.Derive(&domain.PatientRecord{ID: "p-1", DateOfBirth: "2025-07-01"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, *facts.AgeInDays)
	assert.Equal(t, domain.AgeNeonate, facts.AgeCategory)
}

func TestFactDeriver_RFC3339DateOfBirth(t *testing.T) {
	deriver := NewFactDeriver(fixedClock, quietLogger())

	facts, err := deriver.Derive(&domain.PatientRecord{ID: "p-1", DateOfBirth: "2025-06-05T12:00:00Z"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, *facts.AgeInDays)
}

func TestFactDeriver_DerivationErrors(t *testing.T) {
	deriver := NewFactDeriver(fixedClock, quietLogger())

	tests := []struct {
		name   string
		record *domain.PatientRecord
		field  string
	}{
		{"Nil record", nil, "record"},
		{"Missing id", &domain.PatientRecord{DateOfBirth: "2000-01-01"}, "id"},
		{"Unparsable date of birth", &domain.PatientRecord{ID: "p-1", DateOfBirth: "01/02/2000"}, "date_of_birth"},
		{"Negative age", &domain.PatientRecord{ID: "p-1", AgeYears: intPtr(-3)}, "age"},
		{"No age at all", &domain.PatientRecord{ID: "p-1"}, "date_of_birth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts, err := deriver.Derive(tt.record, nil)
			require.Error(t, err)
			assert.Nil(t, facts)
			assert.True(t, errors.Is(err, domain.ErrDerivation))

			var de *domain.DerivationError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.field, de.Field)
		})
	}
}

func TestFactDeriver_Normalization(t *testing.T) {
	deriver := NewFactDeriver(fixedClock, quietLogger())

	record := &domain.PatientRecord{
		ID:          "p-1",
		DateOfBirth: "1990-01-01",
		Diagnosis:   "  Community acquired pneumonia ",
		Labs: map[string]any{
			"creatinine": 1.4,
			"potassium":  map[string]any{"value": "5.9", "unit": "mmol/L"},
			" ":          3,
		},
		Vitals: map[string]any{"heartRate": 110},
	}
	meds := []domain.MedicationRecord{
		{DrugName: "Warfarin", IsActive: true},
		{DrugName: "warfarin", IsActive: true},
		{DrugName: "  ", IsActive: true},
		{DrugName: "Amiodarone", IsActive: true},
	}

	facts, err := deriver.Derive(record, meds)
	require.NoError(t, err)

	assert.Equal(t, "unknown", facts.Gender)
	assert.Equal(t, "Community acquired pneumonia", facts.Diagnosis)
	assert.Equal(t, []string{"Warfarin", "Amiodarone"}, facts.Medications)
	assert.Equal(t, map[string]any{"creatinine": 1.4, "potassium": "5.9"}, facts.Labs)
	assert.Equal(t, map[string]any{"heartRate": 110}, facts.Vitals)
}

func TestFactDeriver_EmptyMedicationsIsNotAnError(t *testing.T) {
	deriver := NewFactDeriver(fixedClock, quietLogger())

	facts, err := deriver.Derive(&domain.PatientRecord{ID: "p-1", AgeYears: intPtr(30)}, nil)
	require.NoError(t, err)
	assert.NotNil(t, facts.Medications)
	assert.Empty(t, facts.Medications)
}

func TestFactDeriver_Deterministic(t *testing.T) {
	deriver := NewFactDeriver(fixedClock, quietLogger())

	record := &domain.PatientRecord{
		ID:          "p-1",
		DateOfBirth: "2018-03-02",
		Gender:      "female",
		Labs:        map[string]any{"alt": 55, "ast": 60},
	}
	meds := []domain.MedicationRecord{{DrugName: "Ibuprofen", IsActive: true}}

	first, err := deriver.Derive(record, meds)
	require.NoError(t, err)
	second, err := deriver.Derive(record, meds)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
