package repository

import (
	"context"
	"database/sql"
	"fmt"

	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// IoTLogRepository 读数日志仓库
type IoTLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIoTLogRepository 创建读数日志仓库
func NewIoTLogRepository(db *sql.DB, logger *zap.Logger) *IoTLogRepository {
	return &IoTLogRepository{
		db:     db,
		logger: logger,
	}
}

// Insert 写入一条读数日志，返回数据库分配的 ID
func (r *IoTLogRepository) Insert(ctx context.Context, log *models.IoTLog) (int64, error) {
	if log == nil {
		return 0, fmt.Errorf("log is required")
	}
	if log.BatchID == "" {
		return 0, fmt.Errorf("batch_id is required")
	}

	faults := log.Faults
	if faults == "" {
		faults = "{}"
	}

	query := `
		INSERT INTO iot_logs (
			batch_id,
			rfid_tag,
			temperature,
			humidity,
			gps_lat,
			gps_lon,
			faults,
			logged_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		log.BatchID,
		log.RFIDTag,
		log.Temperature,
		log.Humidity,
		log.GPSLat,
		log.GPSLon,
		faults,
		log.LoggedAt,
	).Scan(&id)

	if err != nil {
		return 0, fmt.Errorf("failed to insert iot log: %w", err)
	}

	log.ID = id
	return id, nil
}

// ListByBatch 返回批次的读数日志，按时间升序（审计导出用）
func (r *IoTLogRepository) ListByBatch(ctx context.Context, batchID string, limit int) ([]*models.IoTLog, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, batch_id, rfid_tag, temperature, humidity, gps_lat, gps_lon, faults, logged_at
		FROM iot_logs
		WHERE batch_id = $1
		ORDER BY logged_at ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query iot logs: %w", err)
	}
	defer rows.Close()

	logs := []*models.IoTLog{}
	for rows.Next() {
		var log models.IoTLog
		var temperature, humidity, gpsLat, gpsLon sql.NullFloat64
		var rfidTag sql.NullString

		err := rows.Scan(
			&log.ID,
			&log.BatchID,
			&rfidTag,
			&temperature,
			&humidity,
			&gpsLat,
			&gpsLon,
			&log.Faults,
			&log.LoggedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan iot log: %w", err)
		}

		if rfidTag.Valid {
			log.RFIDTag = rfidTag.String
		}
		if temperature.Valid {
			log.Temperature = &temperature.Float64
		}
		if humidity.Valid {
			log.Humidity = &humidity.Float64
		}
		if gpsLat.Valid {
			log.GPSLat = &gpsLat.Float64
		}
		if gpsLon.Valid {
			log.GPSLon = &gpsLon.Float64
		}

		logs = append(logs, &log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate iot logs: %w", err)
	}

	return logs, nil
}
