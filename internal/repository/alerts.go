package repository

import (
	"context"
	"database/sql"
	"fmt"

	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// AlertRepository 告警仓库
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建告警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// Insert 写入一条告警
func (r *AlertRepository) Insert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.ID == "" {
		return fmt.Errorf("alert.id is required")
	}

	query := `
		INSERT INTO alerts (
			id,
			batch_id,
			issue_type,
			severity,
			description,
			detected_at,
			resolved
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		alert.ID,
		alert.BatchID,
		alert.IssueType,
		alert.Severity,
		alert.Description,
		alert.DetectedAt,
		alert.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	return nil
}

// ListActive 返回未处置的告警，最新在前；batchID 为空时查全部批次
func (r *AlertRepository) ListActive(ctx context.Context, batchID string, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, batch_id, issue_type, severity, description, detected_at, resolved
		FROM alerts
		WHERE resolved = FALSE
	`
	args := []interface{}{}
	if batchID != "" {
		query += ` AND batch_id = $1`
		args = append(args, batchID)
	}
	query += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		var alert models.Alert
		err := rows.Scan(
			&alert.ID,
			&alert.BatchID,
			&alert.IssueType,
			&alert.Severity,
			&alert.Description,
			&alert.DetectedAt,
			&alert.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// MarkResolved 处置告警（运营侧工作流调用）
func (r *AlertRepository) MarkResolved(ctx context.Context, alertID string) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts
		SET resolved = TRUE
		WHERE id = $1
		  AND resolved = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, alertID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found or already resolved: id=%s", alertID)
	}

	return nil
}
