package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/domain"
	"github.com/pharmacy-cdss-server/internal/metrics"
)

// ErrNoDataSources is returned by Analyze when the service was built without
// patient or rule sources.
var ErrNoDataSources = errors.New("analysis service has no data sources configured")

// AnalysisService runs the full pipeline for one patient: fetch inputs,
// derive facts, load the catalog and aggregate alerts. All fetches finish
// before evaluation starts and evaluation itself performs no I/O.
type AnalysisService struct {
	patients domain.PatientSource
	rules    domain.RuleSource
	deriver  *PatientFactDeriver
	catalogs *CatalogCache
	aggr     *AlertAggregator
	taxonomy domain.TaxonomyMapper
	clock    domain.Clock
	logger   *logrus.Logger
}

// AnalysisOptions configures NewAnalysisService.
type AnalysisOptions struct {
	Clock            domain.Clock
	CatalogCacheSize int
	Taxonomy         domain.TaxonomyMapper
}

// NewAnalysisService creates an analysis service. Patients and rules may be
// nil when only Evaluate is used.
func NewAnalysisService(patients domain.PatientSource, rules domain.RuleSource, opts AnalysisOptions, logger *logrus.Logger) (*AnalysisService, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	taxonomy := opts.Taxonomy
	if taxonomy == nil {
		taxonomy = NewStaticTaxonomy()
	}
	catalogs, err := NewCatalogCache(opts.CatalogCacheSize)
	if err != nil {
		return nil, err
	}

	return &AnalysisService{
		patients: patients,
		rules:    rules,
		deriver:  NewFactDeriver(clock, logger),
		catalogs: catalogs,
		aggr:     NewAlertAggregator(NewRuleEvaluator(logger), taxonomy, logger),
		taxonomy: taxonomy,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Taxonomy exposes the mapper used to classify alerts.
func (s *AnalysisService) Taxonomy() domain.TaxonomyMapper {
	return s.taxonomy
}

// Analyze fetches the patient, medication history and rule catalog and
// evaluates them. Lookup failures are returned wrapped; a patient that cannot
// be found yields domain.ErrNotFound.
func (s *AnalysisService) Analyze(ctx context.Context, patientID string) (*domain.AnalysisResult, *domain.PatientRecord, error) {
	if s.patients == nil || s.rules == nil {
		return nil, nil, ErrNoDataSources
	}

	record, err := s.patients.GetPatient(ctx, patientID)
	if err != nil {
		metrics.RecordRun(metrics.OutcomeSourceError, nil, 0)
		return nil, nil, fmt.Errorf("failed to load patient %s: %w", patientID, err)
	}
	history, err := s.patients.ListMedications(ctx, patientID)
	if err != nil {
		metrics.RecordRun(metrics.OutcomeSourceError, nil, 0)
		return nil, nil, fmt.Errorf("failed to load medications for %s: %w", patientID, err)
	}
	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		metrics.RecordRun(metrics.OutcomeSourceError, nil, 0)
		return nil, nil, fmt.Errorf("failed to load clinical rules: %w", err)
	}

	result, err := s.Evaluate(ctx, record, domain.ActiveMedications(history), rules)
	if err != nil {
		return nil, record, err
	}
	return result, record, nil
}

// Evaluate runs the core over supplied inputs. activeMeds must already be
// filtered to active entries.
func (s *AnalysisService) Evaluate(ctx context.Context, record *domain.PatientRecord, activeMeds []domain.MedicationRecord, rules []domain.RawRule) (*domain.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()
	now := s.clock()

	facts, err := s.deriver.DeriveAt(record, activeMeds, now)
	if err != nil {
		metrics.RecordRun(metrics.OutcomeDerivationError, nil, 0)
		return nil, err
	}

	catalog, hit := s.catalogs.Get(rules)
	metrics.RecordCatalogLookup(hit)

	agg, err := s.aggr.Aggregate(catalog, facts, now)
	if err != nil {
		metrics.RecordRun(metrics.OutcomeDerivationError, nil, 0)
		return nil, err
	}

	result := &domain.AnalysisResult{
		PatientID:   record.ID,
		EvaluatedAt: now,
		Facts:       facts,
		Alerts:      agg.Alerts,
		Stats:       agg.Stats,
		Issues:      agg.Issues,
	}
	metrics.RecordRun(metrics.OutcomeSuccess, result, time.Since(started))

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"patient_id":      record.ID,
			"rules_evaluated": result.Stats.RulesEvaluated,
			"alerts":          result.Stats.AlertCount,
			"issues":          result.Stats.IssueCount,
			"catalog_cached":  hit,
		}).Info("Completed patient analysis")
	}

	return result, nil
}
