package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// ErrSourceUnavailable is returned while a breaker is open.
var ErrSourceUnavailable = errors.New("data source temporarily unavailable")

// defaultBreakerTimeout is how long an open breaker waits before probing.
const defaultBreakerTimeout = 30 * time.Second

// BreakerSettings builds circuit breaker settings from analysis config.
func BreakerSettings(name string, cfg domain.AnalysisConfig, logger *logrus.Logger) gobreaker.Settings {
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger == nil {
				return
			}
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker changed state")
		},
	}
}

// notFound carries a lookup miss through the breaker without counting it as
// a failure.
type notFound struct{ err error }

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	out, err := cb.Execute(func() (interface{}, error) {
		v, err := fn()
		if err != nil && errors.Is(err, domain.ErrNotFound) {
			return notFound{err: err}, nil
		}
		return v, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return zero, err
	}
	if nf, ok := out.(notFound); ok {
		return zero, nf.err
	}
	return out.(T), nil
}

// ResilientPatientSource guards a PatientSource with a circuit breaker.
type ResilientPatientSource struct {
	next    domain.PatientSource
	breaker *gobreaker.CircuitBreaker
}

// NewResilientPatientSource wraps next.
func NewResilientPatientSource(next domain.PatientSource, settings gobreaker.Settings) *ResilientPatientSource {
	return &ResilientPatientSource{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// GetPatient implements domain.PatientSource.
func (s *ResilientPatientSource) GetPatient(ctx context.Context, patientID string) (*domain.PatientRecord, error) {
	return execute(s.breaker, func() (*domain.PatientRecord, error) {
		return s.next.GetPatient(ctx, patientID)
	})
}

// ListMedications implements domain.PatientSource.
func (s *ResilientPatientSource) ListMedications(ctx context.Context, patientID string) ([]domain.MedicationRecord, error) {
	return execute(s.breaker, func() ([]domain.MedicationRecord, error) {
		return s.next.ListMedications(ctx, patientID)
	})
}

// State reports the breaker state.
func (s *ResilientPatientSource) State() gobreaker.State {
	return s.breaker.State()
}

// ResilientRuleSource guards a RuleSource with a circuit breaker.
type ResilientRuleSource struct {
	next    domain.RuleSource
	breaker *gobreaker.CircuitBreaker
}

// NewResilientRuleSource wraps next.
func NewResilientRuleSource(next domain.RuleSource, settings gobreaker.Settings) *ResilientRuleSource {
	return &ResilientRuleSource{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// ListRules implements domain.RuleSource.
func (s *ResilientRuleSource) ListRules(ctx context.Context) ([]domain.RawRule, error) {
	return execute(s.breaker, func() ([]domain.RawRule, error) {
		return s.next.ListRules(ctx)
	})
}

// State reports the breaker state.
func (s *ResilientRuleSource) State() gobreaker.State {
	return s.breaker.State()
}
