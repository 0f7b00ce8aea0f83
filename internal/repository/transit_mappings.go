package repository

import (
	"context"
	"database/sql"
	"fmt"

	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// TransitMappingRepository 批次到账本运输单的映射仓库
type TransitMappingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTransitMappingRepository 创建运输单映射仓库
func NewTransitMappingRepository(db *sql.DB, logger *zap.Logger) *TransitMappingRepository {
	return &TransitMappingRepository{
		db:     db,
		logger: logger,
	}
}

// GetByBatch 按批次获取运输单映射；无映射时返回 (nil, nil)
func (r *TransitMappingRepository) GetByBatch(ctx context.Context, batchID string) (*models.TransitMapping, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}

	query := `
		SELECT id, batch_id, transit_id
		FROM transit_mapping
		WHERE batch_id = $1
		ORDER BY id DESC
		LIMIT 1
	`

	var mapping models.TransitMapping
	err := r.db.QueryRowContext(ctx, query, batchID).Scan(
		&mapping.ID,
		&mapping.BatchID,
		&mapping.TransitID,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transit mapping: %w", err)
	}

	return &mapping, nil
}

// Create 记录批次对应的账本运输单号（发起运输时写入）
func (r *TransitMappingRepository) Create(ctx context.Context, batchID string, transitID int64) error {
	if batchID == "" {
		return fmt.Errorf("batch_id is required")
	}

	query := `
		INSERT INTO transit_mapping (batch_id, transit_id)
		VALUES ($1, $2)
	`

	_, err := r.db.ExecContext(ctx, query, batchID, transitID)
	if err != nil {
		return fmt.Errorf("failed to create transit mapping: %w", err)
	}

	r.logger.Info("Transit mapping recorded",
		zap.String("batch_id", batchID),
		zap.Int64("transit_id", transitID),
	)
	return nil
}
