package repository

import (
	"context"
	"database/sql"
	"fmt"

	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// CustodyEventRepository 监管链事件仓库
// custody_events 表仅追加：事件一旦写入不再修改业务字段，
// 唯一的例外是账本回执 tx_ref 的异步回填
type CustodyEventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCustodyEventRepository 创建监管链事件仓库
func NewCustodyEventRepository(db *sql.DB, logger *zap.Logger) *CustodyEventRepository {
	return &CustodyEventRepository{
		db:     db,
		logger: logger,
	}
}

// Append 追加一条监管链事件，回填数据库分配的 seq
func (r *CustodyEventRepository) Append(ctx context.Context, event *models.CustodyEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if event.ToRole == "" {
		return fmt.Errorf("to_role is required")
	}

	query := `
		INSERT INTO custody_events (
			id,
			batch_id,
			from_role,
			to_role,
			from_party,
			to_party,
			rfid_tag,
			tx_ref,
			timestamp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING seq
	`

	err := r.db.QueryRowContext(ctx, query,
		event.ID,
		event.BatchID,
		event.FromRole,
		event.ToRole,
		event.FromParty,
		event.ToParty,
		event.RFIDTag,
		event.TxRef,
		event.Timestamp,
	).Scan(&event.Seq)

	if err != nil {
		return fmt.Errorf("failed to append custody event: %w", err)
	}

	return nil
}

// Latest 返回批次最近一条监管链事件；批次尚无事件时返回 (nil, nil)
// 排序键为 timestamp，seq 作并列时的次序
func (r *CustodyEventRepository) Latest(ctx context.Context, batchID string) (*models.CustodyEvent, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}

	query := `
		SELECT
			id,
			seq,
			batch_id,
			from_role,
			to_role,
			from_party,
			to_party,
			rfid_tag,
			tx_ref,
			timestamp
		FROM custody_events
		WHERE batch_id = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1
	`

	event, err := scanCustodyEvent(r.db.QueryRowContext(ctx, query, batchID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest custody event: %w", err)
	}

	return event, nil
}

// ListByBatch 返回批次的完整监管链，按发生顺序升序
func (r *CustodyEventRepository) ListByBatch(ctx context.Context, batchID string) ([]*models.CustodyEvent, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}

	query := `
		SELECT
			id,
			seq,
			batch_id,
			from_role,
			to_role,
			from_party,
			to_party,
			rfid_tag,
			tx_ref,
			timestamp
		FROM custody_events
		WHERE batch_id = $1
		ORDER BY timestamp ASC, seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query custody events: %w", err)
	}
	defer rows.Close()

	events := []*models.CustodyEvent{}
	for rows.Next() {
		event, err := scanCustodyEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan custody event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate custody events: %w", err)
	}

	return events, nil
}

// UpdateTxRef 回填账本回执；事件写入后唯一允许变化的字段
func (r *CustodyEventRepository) UpdateTxRef(ctx context.Context, eventID, txRef string) error {
	if eventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if txRef == "" {
		return fmt.Errorf("tx_ref is required")
	}

	query := `
		UPDATE custody_events
		SET tx_ref = $1
		WHERE id = $2
	`

	result, err := r.db.ExecContext(ctx, query, txRef, eventID)
	if err != nil {
		return fmt.Errorf("failed to update tx_ref: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("custody event not found: id=%s", eventID)
	}

	return nil
}

// rowScanner QueryRow 与 rows.Next 的公共扫描接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCustodyEvent(row rowScanner) (*models.CustodyEvent, error) {
	var event models.CustodyEvent
	var fromRole, fromParty, toParty, rfidTag sql.NullString

	err := row.Scan(
		&event.ID,
		&event.Seq,
		&event.BatchID,
		&fromRole,
		&event.ToRole,
		&fromParty,
		&toParty,
		&rfidTag,
		&event.TxRef,
		&event.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	if fromRole.Valid {
		event.FromRole = &fromRole.String
	}
	if fromParty.Valid {
		event.FromParty = &fromParty.String
	}
	if toParty.Valid {
		event.ToParty = &toParty.String
	}
	if rfidTag.Valid {
		event.RFIDTag = &rfidTag.String
	}

	return &event, nil
}
