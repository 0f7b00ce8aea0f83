package repository

import (
	"context"
	"database/sql"
	"fmt"

	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// BatchRepository 批次仓库
// 批次元数据归制造侧系统所有，本服务只做镜像与只读引用
type BatchRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewBatchRepository 创建批次仓库
func NewBatchRepository(db *sql.DB, logger *zap.Logger) *BatchRepository {
	return &BatchRepository{
		db:     db,
		logger: logger,
	}
}

// GetBatch 按 ID 获取批次；不存在时返回 (nil, nil)
func (r *BatchRepository) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}

	query := `
		SELECT id, batch_number, created_at
		FROM batches
		WHERE id = $1
	`

	var batch models.Batch
	err := r.db.QueryRowContext(ctx, query, batchID).Scan(
		&batch.ID,
		&batch.BatchNumber,
		&batch.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	return &batch, nil
}

// UpsertBatch 写入或刷新批次镜像（账本事件回流用）
func (r *BatchRepository) UpsertBatch(ctx context.Context, batch *models.Batch) error {
	if batch == nil {
		return fmt.Errorf("batch is required")
	}
	if batch.ID == "" {
		return fmt.Errorf("batch.id is required")
	}

	query := `
		INSERT INTO batches (id, batch_number, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET batch_number = EXCLUDED.batch_number
	`

	_, err := r.db.ExecContext(ctx, query, batch.ID, batch.BatchNumber, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert batch: %w", err)
	}

	return nil
}
