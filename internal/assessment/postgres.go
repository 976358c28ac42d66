package assessment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL assessment store.
// It expects the schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db, now: time.Now}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL assessment store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Save upserts the assessment on (patient_id, rule_id). The original id and
// author survive an update.
func (s *PostgresStore) Save(ctx context.Context, actor Actor, a *Assessment) error {
	if err := prepare(actor, a); err != nil {
		return err
	}
	now := s.now().UTC()

	query := `
		INSERT INTO assessments (
			id, patient_id, rule_id, rule_name, category, cause, dtp_type, severity,
			recommendation, evidence_summary, plan, notes, status,
			created_by, created_by_role, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (patient_id, rule_id) DO UPDATE SET
			rule_name = EXCLUDED.rule_name,
			category = EXCLUDED.category,
			cause = EXCLUDED.cause,
			dtp_type = EXCLUDED.dtp_type,
			severity = EXCLUDED.severity,
			recommendation = EXCLUDED.recommendation,
			evidence_summary = EXCLUDED.evidence_summary,
			plan = EXCLUDED.plan,
			notes = EXCLUDED.notes,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_by, created_by_role, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		a.ID, a.PatientID, a.RuleID, a.RuleName, a.Category, a.Cause, a.DTPType, string(a.Severity),
		a.Recommendation, a.EvidenceSummary, a.Plan, a.Notes, string(a.Status),
		a.CreatedBy, a.CreatedByRole, now, now,
	).Scan(&a.ID, &a.CreatedBy, &a.CreatedByRole, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save assessment: %w", err)
	}

	a.UpdatedAt = now
	return nil
}

// Get retrieves the assessment for a patient and rule.
func (s *PostgresStore) Get(ctx context.Context, patientID, ruleID string) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+selectColumns+" FROM assessments WHERE patient_id = $1 AND rule_id = $2",
		patientID, ruleID,
	)

	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assessment for %s/%s: %w", patientID, ruleID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return a, nil
}

// ListByPatient returns a patient's assessments, most recently updated first.
func (s *PostgresStore) ListByPatient(ctx context.Context, patientID string) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+selectColumns+" FROM assessments WHERE patient_id = $1 ORDER BY updated_at DESC, rule_id",
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Count returns the total number of assessments.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assessments").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count assessments: %w", err)
	}
	return count, nil
}

// Delete removes an assessment by id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM assessments WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete assessment: %w", err)
	}
	return nil
}

// ExportJSON writes every assessment to writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+selectColumns+" FROM assessments ORDER BY patient_id, rule_id",
	)
	if err != nil {
		return fmt.Errorf("failed to list assessments: %w", err)
	}
	defer rows.Close()

	all, err := collect(rows)
	if err != nil {
		return fmt.Errorf("failed to list assessments: %w", err)
	}
	return writeExport(writer, all, s.now().UTC())
}

// ImportJSON loads assessments from an export.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importInto(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
