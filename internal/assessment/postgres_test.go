package assessment

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmacy-cdss-server/internal/domain"
)

var assessmentColumns = []string{
	"id", "patient_id", "rule_id", "rule_name", "category", "cause", "dtp_type", "severity",
	"recommendation", "evidence_summary", "plan", "notes", "status",
	"created_by", "created_by_role", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { db.Close() })
	return store, mock
}

func TestNewPostgresStore_NilDB(t *testing.T) {
	_, err := NewPostgresStore(nil)
	assert.Error(t, err)
}

func TestPostgresStore_SaveUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (patient_id, rule_id) DO UPDATE")).
		WithArgs(sqlmock.AnyArg(), "p-1", "neo-ceftriaxone", "Ceftriaxone in neonates", "Safety",
			"Contraindication", "Adverse drug reaction", "critical", "Switch to cefotaxime",
			sqlmock.AnyArg(), "", "", "open", "u-42", "pharmacist", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_by", "created_by_role", "created_at"}).
			AddRow("6f1c2a54-2f7e-4c55-9d55-7d7a2f3e1b10", "u-1", "", created))

	a := NewFromSeed("p-1", sampleSeed("neo-ceftriaxone"))
	require.NoError(t, store.Save(context.Background(), pharmacist, a))

	assert.Equal(t, "6f1c2a54-2f7e-4c55-9d55-7d7a2f3e1b10", a.ID)
	assert.Equal(t, "u-1", a.CreatedBy, "author comes back from the stored row")
	assert.Equal(t, created, a.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRequiresActor(t *testing.T) {
	store, mock := newMockStore(t)

	err := store.Save(context.Background(), Actor{}, NewFromSeed("p-1", sampleSeed("r")))
	assert.ErrorIs(t, err, domain.ErrMissingActor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM assessments WHERE patient_id = \\$1 AND rule_id = \\$2").
		WithArgs("p-1", "r1").
		WillReturnRows(sqlmock.NewRows(assessmentColumns).AddRow(
			"id-1", "p-1", "r1", "Rule one", "Dosage", "Dose too high", "Dosage too high", "high",
			"Reduce dose", "Values: labs.crcl=25", "", "", "in_progress",
			"u-42", "pharmacist", now, now))

	got, err := store.Get(context.Background(), "p-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, got.Severity)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM assessments WHERE patient_id").
		WithArgs("p-1", "missing").
		WillReturnRows(sqlmock.NewRows(assessmentColumns))

	_, err := store.Get(context.Background(), "p-1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresStore_ListByPatient(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(assessmentColumns).
		AddRow("id-2", "p-1", "r2", "", "", "", "", "moderate", "", "", "", "", "open", "u-42", "", now, now).
		AddRow("id-1", "p-1", "r1", "", "", "", "", "high", "", "", "", "", "resolved", "u-42", "", now, now)
	mock.ExpectQuery("WHERE patient_id = \\$1 ORDER BY updated_at DESC").WithArgs("p-1").WillReturnRows(rows)

	list, err := store.ListByPatient(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].RuleID)
	assert.Equal(t, StatusResolved, list[1].Status)
}

func TestPostgresStore_CountAndDelete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec("DELETE FROM assessments").WithArgs("id-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM assessments").WithArgs("id-2").WillReturnError(errors.New("connection reset"))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	assert.NoError(t, store.Delete(context.Background(), "id-1"))
	assert.Error(t, store.Delete(context.Background(), "id-2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExportJSON(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("ORDER BY patient_id, rule_id").WillReturnRows(sqlmock.NewRows(assessmentColumns).
		AddRow("id-1", "p-1", "r1", "", "", "", "", "low", "", "", "", "", "open", "u-42", "", now, now))

	var buf bytes.Buffer
	require.NoError(t, store.ExportJSON(context.Background(), &buf))
	assert.Contains(t, buf.String(), `"count": 1`)
	assert.Contains(t, buf.String(), `"rule_id": "r1"`)
}
