package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmacy-cdss-server/internal/domain"
)

type flakyPatientSource struct {
	err   error
	calls int
}

func (s *flakyPatientSource) GetPatient(_ context.Context, id string) (*domain.PatientRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &domain.PatientRecord{ID: id}, nil
}

func (s *flakyPatientSource) ListMedications(_ context.Context, _ string) ([]domain.MedicationRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []domain.MedicationRecord{{DrugName: "Amoxicillin", IsActive: true}}, nil
}

func testBreakerSettings() gobreaker.Settings {
	return BreakerSettings("test", domain.AnalysisConfig{
		BreakerMaxFailures: 2,
		BreakerTimeout:     time.Hour,
	}, quietLogger())
}

func TestResilientPatientSource_PassesThrough(t *testing.T) {
	source := NewResilientPatientSource(&flakyPatientSource{}, testBreakerSettings())

	record, err := source.GetPatient(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", record.ID)

	meds, err := source.ListMedications(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Len(t, meds, 1)
	assert.Equal(t, gobreaker.StateClosed, source.State())
}

func TestResilientPatientSource_NotFoundDoesNotTrip(t *testing.T) {
	inner := &flakyPatientSource{err: domain.ErrNotFound}
	source := NewResilientPatientSource(inner, testBreakerSettings())

	for i := 0; i < 5; i++ {
		_, err := source.GetPatient(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, source.State())
	assert.Equal(t, 5, inner.calls)
}

func TestResilientPatientSource_OpensAfterFailures(t *testing.T) {
	inner := &flakyPatientSource{err: errors.New("connection refused")}
	source := NewResilientPatientSource(inner, testBreakerSettings())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := source.GetPatient(ctx, "p-1")
		assert.EqualError(t, err, "connection refused")
	}
	assert.Equal(t, gobreaker.StateOpen, source.State())

	_, err := source.GetPatient(ctx, "p-1")
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, 2, inner.calls, "open breaker short-circuits the source")
}

func TestResilientRuleSource(t *testing.T) {
	inner := &countingRuleSource{rules: sampleRules()}
	source := NewResilientRuleSource(inner, testBreakerSettings())

	rules, err := source.ListRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	inner.err = errors.New("timeout")
	for i := 0; i < 2; i++ {
		_, _ = source.ListRules(context.Background())
	}
	_, err = source.ListRules(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, gobreaker.StateOpen, source.State())
}

func TestBreakerSettings_Defaults(t *testing.T) {
	settings := BreakerSettings("defaults", domain.AnalysisConfig{}, nil)

	assert.Equal(t, "defaults", settings.Name)
	assert.Equal(t, defaultBreakerTimeout, settings.Timeout)
	assert.False(t, settings.ReadyToTrip(gobreaker.Counts{ConsecutiveFailures: 4}))
	assert.True(t, settings.ReadyToTrip(gobreaker.Counts{ConsecutiveFailures: 5}))
	settings.OnStateChange("defaults", gobreaker.StateClosed, gobreaker.StateOpen)
}
