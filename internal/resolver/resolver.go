package resolver

import (
	"context"
	"fmt"
	"math"

	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// Status 身份解析结果状态
type Status int

const (
	// StatusResolved 标签成功映射到批次
	StatusResolved Status = iota
	// StatusUnresolvedTag 读数无标签且会话内无历史标签可替补
	StatusUnresolvedTag
	// StatusUnknownBatch 标签存在但无活跃映射，或映射指向的批次不存在
	StatusUnknownBatch
)

// String 状态名（用于日志与指标）
func (s Status) String() string {
	switch s {
	case StatusResolved:
		return "resolved"
	case StatusUnresolvedTag:
		return "unresolved_tag"
	case StatusUnknownBatch:
		return "unknown_batch"
	default:
		return "unknown"
	}
}

// Result 身份解析结果
type Result struct {
	Status  Status
	Tag     string // 实际生效的标签（可能来自会话替补）
	BatchID string // Status == StatusResolved 时有效
	// TagChanged 本条读数携带的标签与会话上一个标签不同（换监管方信号）
	TagChanged bool
}

// Session 设备会话的粘滞状态
// 每个设备会话单写者持有一份，随调用显式传入，不做跨会话共享
type Session struct {
	DeviceID string

	lastTag string
	lastFix *models.GPSFix
}

// NewSession 创建设备会话
func NewSession(deviceID string) *Session {
	return &Session{DeviceID: deviceID}
}

// MappingStore RFID→批次映射查询接口（仅活跃映射）
// 映射不存在时返回 (nil, nil)
type MappingStore interface {
	GetActiveByTag(ctx context.Context, tag string) (*models.RFIDMapping, error)
}

// BatchStore 批次存在性查询接口
// 批次不存在时返回 (nil, nil)
type BatchStore interface {
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
}

// Resolver 身份解析器
type Resolver struct {
	mappings MappingStore
	batches  BatchStore
	// |lat| 与 |lon| 均小于该值视为未定位哨兵
	gpsZeroTolerance float64
	logger           *zap.Logger
}

// NewResolver 创建身份解析器
func NewResolver(mappings MappingStore, batches BatchStore, gpsZeroTolerance float64, logger *zap.Logger) *Resolver {
	return &Resolver{
		mappings:         mappings,
		batches:          batches,
		gpsZeroTolerance: gpsZeroTolerance,
		logger:           logger,
	}
}

// Resolve 将一条读数解析为批次身份
//
// 标签缺失时用会话内最近一次成功标签替补；GPS 为零值哨兵时
// 用会话内最近一次有效定位替补（直接改写 reading.GPS）。
// 两类粘滞状态相互独立。返回 error 仅表示存储层故障。
func (r *Resolver) Resolve(ctx context.Context, session *Session, reading *models.Reading) (*Result, error) {
	r.normalizeGPS(session, reading)

	result := &Result{}

	if reading.HasTag() {
		if reading.RFIDTag != session.lastTag {
			result.TagChanged = true
		}
		session.lastTag = reading.RFIDTag
	}
	result.Tag = session.lastTag

	if result.Tag == "" {
		result.Status = StatusUnresolvedTag
		return result, nil
	}

	mapping, err := r.mappings.GetActiveByTag(ctx, result.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to look up rfid mapping: %w", err)
	}
	if mapping == nil {
		result.Status = StatusUnknownBatch
		return result, nil
	}

	batch, err := r.batches.GetBatch(ctx, mapping.BatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up batch: %w", err)
	}
	if batch == nil {
		r.logger.Warn("RFID mapping points to missing batch",
			zap.String("rfid_tag", result.Tag),
			zap.String("batch_id", mapping.BatchID),
		)
		result.Status = StatusUnknownBatch
		return result, nil
	}

	result.Status = StatusResolved
	result.BatchID = batch.ID
	return result, nil
}

// normalizeGPS 零值哨兵替补为会话内最近有效定位
func (r *Resolver) normalizeGPS(session *Session, reading *models.Reading) {
	if reading.GPS != nil && r.validFix(reading.GPS) {
		session.lastFix = &models.GPSFix{Lat: reading.GPS.Lat, Lon: reading.GPS.Lon}
		return
	}
	if session.lastFix != nil {
		reading.GPS = &models.GPSFix{Lat: session.lastFix.Lat, Lon: session.lastFix.Lon}
	}
}

// validFix lat 或 lon 为零（容差内）视为未定位
func (r *Resolver) validFix(fix *models.GPSFix) bool {
	return math.Abs(fix.Lat) > r.gpsZeroTolerance && math.Abs(fix.Lon) > r.gpsZeroTolerance
}
