package alerts

import (
	"context"
	"time"

	"trustchain-custody/common/redis"
	"trustchain-custody/internal/config"
	"trustchain-custody/internal/metrics"
	"trustchain-custody/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertStore 告警持久化接口（由 repository.AlertRepository 实现）
type AlertStore interface {
	Insert(ctx context.Context, alert *models.Alert) error
}

// Emitter 告警发射器
// 流水线中所有"降级而非失败"的异常都汇聚到这里：
// 本地落库总是成功返回，存储故障只记日志与计数，绝不向触发路径抛错
type Emitter struct {
	config      *config.Config
	store       AlertStore
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewEmitter 创建告警发射器
// redisClient 可为 nil（测试场景），此时跳过告警流发布
func NewEmitter(cfg *config.Config, store AlertStore, redisClient *redis.Client, logger *zap.Logger) *Emitter {
	return &Emitter{
		config:      cfg,
		store:       store,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Emit 发射一条告警
func (e *Emitter) Emit(ctx context.Context, batchID, issueType, severity, description string) *models.Alert {
	alert := &models.Alert{
		ID:          uuid.New().String(),
		BatchID:     batchID,
		IssueType:   issueType,
		Severity:    severity,
		Description: description,
		DetectedAt:  time.Now().UTC(),
		Resolved:    false,
	}

	metrics.AlertsEmitted.WithLabelValues(issueType).Inc()

	if err := e.store.Insert(ctx, alert); err != nil {
		// 告警存不进去也不能让触发路径失败
		metrics.AlertStoreFailures.Inc()
		e.logger.Error("Failed to persist alert",
			zap.String("batch_id", batchID),
			zap.String("issue_type", issueType),
			zap.Error(err),
		)
	}

	// 发布到告警流，供运营侧消费
	if e.redisClient != nil {
		if _, err := redis.PublishJSONToStream(ctx, e.redisClient, e.config.Streams.Alerts, alert); err != nil {
			e.logger.Warn("Failed to publish alert to stream", zap.Error(err))
		}
	}

	e.logger.Warn("Alert emitted",
		zap.String("batch_id", batchID),
		zap.String("issue_type", issueType),
		zap.String("severity", severity),
		zap.String("description", description),
	)

	return alert
}
