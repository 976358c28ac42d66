package assessment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite assessment store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection queues concurrent saves
	// instead of failing them with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

const selectColumns = `
	id, patient_id, rule_id, rule_name, category, cause, dtp_type, severity,
	recommendation, evidence_summary, plan, notes, status,
	created_by, created_by_role, created_at, updated_at`

// scanAssessment scans a row into an Assessment.
func scanAssessment(s scanner) (*Assessment, error) {
	a := &Assessment{}
	var severity, status string

	err := s.Scan(
		&a.ID, &a.PatientID, &a.RuleID, &a.RuleName, &a.Category, &a.Cause, &a.DTPType, &severity,
		&a.Recommendation, &a.EvidenceSummary, &a.Plan, &a.Notes, &status,
		&a.CreatedBy, &a.CreatedByRole, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Severity = domain.Severity(severity)
	a.Status = Status(status)
	return a, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS assessments (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		rule_name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		cause TEXT NOT NULL DEFAULT '',
		dtp_type TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		recommendation TEXT NOT NULL DEFAULT '',
		evidence_summary TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		created_by TEXT NOT NULL,
		created_by_role TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(patient_id, rule_id)
	);

	CREATE INDEX IF NOT EXISTS idx_assessments_patient ON assessments(patient_id);
	CREATE INDEX IF NOT EXISTS idx_assessments_updated_at ON assessments(updated_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Save stores or updates the assessment for a patient and rule. An existing
// row keeps its id, author and creation time.
func (s *SQLiteStore) Save(ctx context.Context, actor Actor, a *Assessment) error {
	if err := prepare(actor, a); err != nil {
		return err
	}
	now := s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assessments (
			id, patient_id, rule_id, rule_name, category, cause, dtp_type, severity,
			recommendation, evidence_summary, plan, notes, status,
			created_by, created_by_role, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_id, rule_id) DO UPDATE SET
			rule_name = excluded.rule_name,
			category = excluded.category,
			cause = excluded.cause,
			dtp_type = excluded.dtp_type,
			severity = excluded.severity,
			recommendation = excluded.recommendation,
			evidence_summary = excluded.evidence_summary,
			plan = excluded.plan,
			notes = excluded.notes,
			status = excluded.status,
			updated_at = excluded.updated_at
	`,
		a.ID, a.PatientID, a.RuleID, a.RuleName, a.Category, a.Cause, a.DTPType, string(a.Severity),
		a.Recommendation, a.EvidenceSummary, a.Plan, a.Notes, string(a.Status),
		a.CreatedBy, a.CreatedByRole, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save assessment: %w", err)
	}

	stored, err := s.Get(ctx, a.PatientID, a.RuleID)
	if err != nil {
		return fmt.Errorf("failed to read saved assessment: %w", err)
	}
	a.ID = stored.ID
	a.CreatedBy = stored.CreatedBy
	a.CreatedByRole = stored.CreatedByRole
	a.CreatedAt = stored.CreatedAt
	a.UpdatedAt = stored.UpdatedAt
	return nil
}

// Get retrieves the assessment for a patient and rule.
func (s *SQLiteStore) Get(ctx context.Context, patientID, ruleID string) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+selectColumns+" FROM assessments WHERE patient_id = ? AND rule_id = ?",
		patientID, ruleID,
	)

	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assessment for %s/%s: %w", patientID, ruleID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return a, nil
}

// ListByPatient returns a patient's assessments, most recently updated first.
func (s *SQLiteStore) ListByPatient(ctx context.Context, patientID string) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+selectColumns+" FROM assessments WHERE patient_id = ? ORDER BY updated_at DESC, rule_id",
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (s *SQLiteStore) listAll(ctx context.Context) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+selectColumns+" FROM assessments ORDER BY patient_id, rule_id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Assessment, error) {
	result := []*Assessment{}
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// Count returns the total number of assessments.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assessments").Scan(&count)
	return count, err
}

// Delete removes an assessment by id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM assessments WHERE id = ?", id)
	return err
}

// ExportJSON writes every assessment to writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.listAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list assessments: %w", err)
	}
	return writeExport(writer, all, s.now().UTC())
}

// ImportJSON loads assessments from an export.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importInto(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
