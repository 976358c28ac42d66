package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// PatientRepository reads patient records and medication history.
type PatientRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPatientRepository creates a new patient repository
func NewPatientRepository(db *pgxpool.Pool, logger *logrus.Logger) *PatientRepository {
	return &PatientRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts or replaces a patient record.
func (r *PatientRepository) Create(ctx context.Context, p *domain.PatientRecord) error {
	labs, err := marshalMeasurements(p.Labs)
	if err != nil {
		return fmt.Errorf("encoding labs: %w", err)
	}
	vitals, err := marshalMeasurements(p.Vitals)
	if err != nil {
		return fmt.Errorf("encoding vitals: %w", err)
	}

	var dob *time.Time
	if p.DateOfBirth != "" {
		t, err := time.Parse("2006-01-02", p.DateOfBirth)
		if err != nil {
			return fmt.Errorf("parsing date of birth: %w", err)
		}
		dob = &t
	}

	query := `
		INSERT INTO patients (
			id, mrn, first_name, last_name, date_of_birth, age_years,
			gender, diagnosis, labs, vitals
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			mrn = EXCLUDED.mrn,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			date_of_birth = EXCLUDED.date_of_birth,
			age_years = EXCLUDED.age_years,
			gender = EXCLUDED.gender,
			diagnosis = EXCLUDED.diagnosis,
			labs = EXCLUDED.labs,
			vitals = EXCLUDED.vitals,
			updated_at = NOW()`

	_, err = r.db.Exec(ctx, query,
		p.ID, p.MRN, p.FirstName, p.LastName, dob, p.AgeYears,
		p.Gender, p.Diagnosis, labs, vitals,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": p.ID,
			"error":      err,
		}).Error("Failed to store patient")
		return fmt.Errorf("creating patient: %w", err)
	}
	return nil
}

// GetPatient retrieves a patient by id.
func (r *PatientRepository) GetPatient(ctx context.Context, patientID string) (*domain.PatientRecord, error) {
	query := `
		SELECT id, mrn, first_name, last_name, date_of_birth, age_years,
			   gender, diagnosis, labs, vitals
		FROM patients
		WHERE id = $1`

	var (
		p           domain.PatientRecord
		dob         *time.Time
		labs, vital []byte
	)
	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&p.ID, &p.MRN, &p.FirstName, &p.LastName, &dob, &p.AgeYears,
		&p.Gender, &p.Diagnosis, &labs, &vital,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("patient %s not found: %w", patientID, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to get patient")
		return nil, fmt.Errorf("getting patient: %w", err)
	}

	if dob != nil {
		p.DateOfBirth = dob.Format("2006-01-02")
	}
	if p.Labs, err = unmarshalMeasurements(labs); err != nil {
		return nil, fmt.Errorf("decoding labs for %s: %w", patientID, err)
	}
	if p.Vitals, err = unmarshalMeasurements(vital); err != nil {
		return nil, fmt.Errorf("decoding vitals for %s: %w", patientID, err)
	}
	return &p, nil
}

// AddMedication appends an entry to a patient's medication history.
func (r *PatientRepository) AddMedication(ctx context.Context, patientID string, m domain.MedicationRecord) error {
	query := `
		INSERT INTO medications (patient_id, drug_name, dose, route, frequency, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.Exec(ctx, query, patientID, m.DrugName, m.Dose, m.Route, m.Frequency, m.IsActive); err != nil {
		return fmt.Errorf("adding medication: %w", err)
	}
	return nil
}

// ListMedications returns the full medication history in entry order.
func (r *PatientRepository) ListMedications(ctx context.Context, patientID string) ([]domain.MedicationRecord, error) {
	query := `
		SELECT drug_name, dose, route, frequency, is_active
		FROM medications
		WHERE patient_id = $1
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("listing medications: %w", err)
	}
	defer rows.Close()

	meds := []domain.MedicationRecord{}
	for rows.Next() {
		var m domain.MedicationRecord
		if err := rows.Scan(&m.DrugName, &m.Dose, &m.Route, &m.Frequency, &m.IsActive); err != nil {
			return nil, fmt.Errorf("scanning medication: %w", err)
		}
		meds = append(meds, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating medications: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"patient_id": patientID,
		"count":      len(meds),
	}).Debug("Loaded medication history")

	return meds, nil
}

func marshalMeasurements(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMeasurements(data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
