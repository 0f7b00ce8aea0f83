package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"trustchain-custody/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockAlertsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlertRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewAlertRepository(db, logger)

	return db, mock, repo
}

func TestInsertAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	alert := &models.Alert{
		ID:          uuid.New().String(),
		BatchID:     "batch-1",
		IssueType:   models.IssueCustodyError,
		Severity:    models.SeverityMedium,
		Description: "Custody transfer from Pharmacy to Manufacturer is not allowed",
		DetectedAt:  time.Now(),
	}

	mock.ExpectExec(`INSERT INTO alerts`).
		WithArgs(alert.ID, "batch-1", models.IssueCustodyError, models.SeverityMedium,
			alert.Description, alert.DetectedAt, false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Insert(context.Background(), alert)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAlert_MissingID(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	err := repo.Insert(context.Background(), &models.Alert{BatchID: "batch-1"})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "alert.id is required")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveAlerts_AllBatches(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "batch_id", "issue_type", "severity", "description", "detected_at", "resolved",
	}).
		AddRow(uuid.New().String(), "batch-2", models.IssueLedgerError, models.SeverityHigh,
			"Ledger custody dispatch failed", now, false).
		AddRow(uuid.New().String(), "batch-1", models.IssueTelemetryFault, models.SeverityMedium,
			"Temperature 61.0 above threshold 50.0", now.Add(-time.Minute), false)

	mock.ExpectQuery(`SELECT`).
		WithArgs(100).
		WillReturnRows(rows)

	alerts, err := repo.ListActive(context.Background(), "", 0)

	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, models.IssueLedgerError, alerts[0].IssueType)
	assert.False(t, alerts[0].Resolved)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveAlerts_ByBatch(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "batch_id", "issue_type", "severity", "description", "detected_at", "resolved",
	}).
		AddRow(uuid.New().String(), "batch-1", models.IssueRFIDError, models.SeverityLow,
			"Reading arrived without an RFID tag", time.Now(), false)

	mock.ExpectQuery(`SELECT`).
		WithArgs("batch-1", 10).
		WillReturnRows(rows)

	alerts, err := repo.ListActive(context.Background(), "batch-1", 10)

	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "batch-1", alerts[0].BatchID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkResolved_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	alertID := uuid.New().String()

	mock.ExpectExec(`UPDATE alerts`).
		WithArgs(alertID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkResolved(context.Background(), alertID)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkResolved_AlreadyResolved(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	alertID := uuid.New().String()

	mock.ExpectExec(`UPDATE alerts`).
		WithArgs(alertID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkResolved(context.Background(), alertID)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found or already resolved")

	require.NoError(t, mock.ExpectationsWereMet())
}
