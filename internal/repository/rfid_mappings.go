package repository

import (
	"context"
	"database/sql"
	"fmt"

	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// RFIDMappingRepository RFID 标签映射仓库
// 一个标签同一时刻最多绑定一个批次（active 唯一），
// 标签复用通过先停用旧绑定再建新绑定实现
type RFIDMappingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRFIDMappingRepository 创建 RFID 标签映射仓库
func NewRFIDMappingRepository(db *sql.DB, logger *zap.Logger) *RFIDMappingRepository {
	return &RFIDMappingRepository{
		db:     db,
		logger: logger,
	}
}

// GetActiveByTag 按标签获取当前生效的映射；无映射时返回 (nil, nil)
func (r *RFIDMappingRepository) GetActiveByTag(ctx context.Context, rfidTag string) (*models.RFIDMapping, error) {
	if rfidTag == "" {
		return nil, fmt.Errorf("rfid_tag is required")
	}

	query := `
		SELECT id, rfid_tag, batch_id, active
		FROM rfid_mapping
		WHERE rfid_tag = $1
		  AND active = TRUE
		LIMIT 1
	`

	var mapping models.RFIDMapping
	err := r.db.QueryRowContext(ctx, query, rfidTag).Scan(
		&mapping.ID,
		&mapping.RFIDTag,
		&mapping.BatchID,
		&mapping.Active,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get rfid mapping: %w", err)
	}

	return &mapping, nil
}

// Assign 把标签绑定到批次：停用标签的旧绑定后建立新绑定（单事务）
func (r *RFIDMappingRepository) Assign(ctx context.Context, rfidTag, batchID string) error {
	if rfidTag == "" {
		return fmt.Errorf("rfid_tag is required")
	}
	if batchID == "" {
		return fmt.Errorf("batch_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE rfid_mapping SET active = FALSE WHERE rfid_tag = $1 AND active = TRUE`,
		rfidTag,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate old rfid mapping: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rfid_mapping (rfid_tag, batch_id, active) VALUES ($1, $2, TRUE)`,
		rfidTag, batchID,
	)
	if err != nil {
		return fmt.Errorf("failed to create rfid mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rfid mapping: %w", err)
	}

	r.logger.Info("RFID tag assigned to batch",
		zap.String("rfid_tag", rfidTag),
		zap.String("batch_id", batchID),
	)
	return nil
}
