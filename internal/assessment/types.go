// Package assessment stores pharmacist assessments written against CDSS
// alerts. An assessment usually starts from an alert's seed and is keyed by
// patient and rule, so re-assessing the same alert updates the record.
package assessment

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// Status tracks where an assessment is in the care plan.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// ExportVersion is the current export format version.
const ExportVersion = "1.0"

// Actor identifies who is writing an assessment.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// Validate returns ErrMissingActor when no user is given.
func (a Actor) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return domain.ErrMissingActor
	}
	return nil
}

// Assessment is a pharmacist's write-up for one alert on one patient.
type Assessment struct {
	ID              string          `json:"id"`
	PatientID       string          `json:"patient_id"`
	RuleID          string          `json:"rule_id"`
	RuleName        string          `json:"rule_name,omitempty"`
	Category        string          `json:"category,omitempty"`
	Cause           string          `json:"cause,omitempty"`
	DTPType         string          `json:"dtp_type,omitempty"`
	Severity        domain.Severity `json:"severity,omitempty"`
	Recommendation  string          `json:"recommendation,omitempty"`
	EvidenceSummary string          `json:"evidence_summary,omitempty"`
	Plan            string          `json:"plan,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Status          Status          `json:"status"`
	CreatedBy       string          `json:"created_by"`
	CreatedByRole   string          `json:"created_by_role,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewFromSeed starts an open assessment from an alert seed.
func NewFromSeed(patientID string, seed domain.AssessmentSeed) *Assessment {
	return &Assessment{
		PatientID:       patientID,
		RuleID:          seed.RuleID,
		RuleName:        seed.RuleName,
		Category:        seed.Category,
		Cause:           seed.Cause,
		DTPType:         seed.DTPType,
		Severity:        seed.Severity,
		Recommendation:  seed.Recommendation,
		EvidenceSummary: seed.EvidenceSummary,
		Status:          StatusOpen,
	}
}

// prepare validates a and fills in the fields a store sets on write.
func prepare(actor Actor, a *Assessment) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if a == nil {
		return domain.NewValidationError("assessment", "assessment is required", nil)
	}
	if strings.TrimSpace(a.PatientID) == "" {
		return domain.NewValidationError("patient_id", "patient id is required", a.PatientID)
	}
	if strings.TrimSpace(a.RuleID) == "" {
		return domain.NewValidationError("rule_id", "rule id is required", a.RuleID)
	}
	if a.Status == "" {
		a.Status = StatusOpen
	}
	if !a.Status.Valid() {
		return domain.NewValidationError("status", fmt.Sprintf("unknown status %q", a.Status), a.Status)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	} else if _, err := uuid.Parse(a.ID); err != nil {
		return domain.NewValidationError("id", "id must be a UUID", a.ID)
	}
	a.CreatedBy = actor.UserID
	a.CreatedByRole = actor.Role
	return nil
}

// Store defines assessment persistence.
type Store interface {
	// Save inserts or updates the assessment for a.PatientID and a.RuleID.
	// The original author is kept on update.
	Save(ctx context.Context, actor Actor, a *Assessment) error

	// Get returns the assessment for a patient and rule, or ErrNotFound.
	Get(ctx context.Context, patientID, ruleID string) (*Assessment, error)

	// ListByPatient returns a patient's assessments, most recently updated first.
	ListByPatient(ctx context.Context, patientID string) ([]*Assessment, error)

	// Count returns the total number of assessments.
	Count(ctx context.Context) (int64, error)

	// Delete removes an assessment by id.
	Delete(ctx context.Context, id string) error

	// ExportJSON writes every assessment to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON loads assessments, skipping any whose patient and rule are
	// already assessed.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close releases resources.
	Close() error
}

// Export is the JSON export format.
type Export struct {
	Version     string        `json:"version"`
	ExportedAt  time.Time     `json:"exported_at"`
	Count       int           `json:"count"`
	Assessments []*Assessment `json:"assessments"`
}
