package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"trustchain-custody/common/redis"
	"trustchain-custody/internal/config"
	"trustchain-custody/internal/metrics"
	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// Sender 合约调用接口（由 *Client 实现）
type Sender interface {
	Send(ctx context.Context, call Call) (string, error)
}

// TxRefStore 事件 tx_ref 回填接口（由 repository.CustodyEventRepository 实现）
type TxRefStore interface {
	UpdateTxRef(ctx context.Context, eventID, txRef string) error
}

// TransitStore 运输单查询接口；无映射时返回 (nil, nil)
type TransitStore interface {
	GetByBatch(ctx context.Context, batchID string) (*models.TransitMapping, error)
}

// AlertSink 告警接口
type AlertSink interface {
	Emit(ctx context.Context, batchID, issueType, severity, description string) *models.Alert
}

// Dispatcher 账本分发器
//
// 审计库是事实源，账本只是尽力而为的镜像：分发相对监管链事件落库
// 完全异步，绝不阻塞摄取也绝不回滚审计记录。
// 事件的 tx_ref 只反映监管镜像的结果，失败时标成 "error: ..." 并告警；
// 运输打点的结果只通过告警记录，不写 tx_ref。
// 同一事件重复分发以去重令牌拦截，不产生可区分的重复链上副作用。
type Dispatcher struct {
	config      *config.Config
	sender      Sender
	txRefs      TxRefStore
	transits    TransitStore
	alerts      AlertSink
	redisClient *redis.Client
	logger      *zap.Logger

	wg sync.WaitGroup
}

// NewDispatcher 创建账本分发器
// redisClient 可为 nil（测试场景），此时跳过跨进程去重
func NewDispatcher(
	cfg *config.Config,
	sender Sender,
	txRefs TxRefStore,
	transits TransitStore,
	alerts AlertSink,
	redisClient *redis.Client,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		config:      cfg,
		sender:      sender,
		txRefs:      txRefs,
		transits:    transits,
		alerts:      alerts,
		redisClient: redisClient,
		logger:      logger,
	}
}

// CustodyDedupToken 监管链事件的去重令牌
func CustodyDedupToken(event *models.CustodyEvent) string {
	fromRole := ""
	if event.FromRole != nil {
		fromRole = *event.FromRole
	}
	return fmt.Sprintf("custody|%s|%s|%s|%d", event.BatchID, fromRole, event.ToRole, event.Timestamp.Unix())
}

// DispatchCustody 异步镜像一条监管链事件到账本
func (d *Dispatcher) DispatchCustody(event *models.CustodyEvent) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runCustody(event)
	}()
}

func (d *Dispatcher) runCustody(event *models.CustodyEvent) {
	ctx := context.Background()

	token := CustodyDedupToken(event)
	if !d.claim(ctx, token) {
		// 已有一次分发在途或已完成，重复提交直接吸收
		d.logger.Info("Custody dispatch deduplicated",
			zap.String("event_id", event.ID),
			zap.String("token", token),
		)
		metrics.LedgerDispatches.WithLabelValues("custody", "deduplicated").Inc()
		return
	}

	fromRole := ""
	if event.FromRole != nil {
		fromRole = *event.FromRole
	}

	call := Call{
		Contract:       "distributor",
		Function:       "recordCustody",
		Args:           []interface{}{event.BatchID, fromRole, event.ToRole, event.Timestamp.Unix()},
		IdempotencyKey: token,
	}

	d.send(ctx, "custody", event, call, token)
}

// DispatchCheckpoint 异步为一条 IoT 触发的监管链事件上账本运输打点
func (d *Dispatcher) DispatchCheckpoint(event *models.CustodyEvent, location string, metadata map[string]interface{}) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runCheckpoint(event, location, metadata)
	}()
}

func (d *Dispatcher) runCheckpoint(event *models.CustodyEvent, location string, metadata map[string]interface{}) {
	ctx := context.Background()

	lookupCtx, cancel := context.WithTimeout(ctx, d.config.Ledger.DispatchTimeout)
	transit, err := d.transits.GetByBatch(lookupCtx, event.BatchID)
	cancel()
	if err != nil {
		d.logger.Error("Failed to look up transit mapping", zap.String("batch_id", event.BatchID), zap.Error(err))
		metrics.LedgerDispatches.WithLabelValues("checkpoint", "skipped").Inc()
		return
	}
	if transit == nil {
		// 无运输单无法打点：告警并跳过分发，tx_ref 留给监管镜像
		d.alerts.Emit(ctx, event.BatchID, models.IssueTransitError, models.SeverityHigh,
			fmt.Sprintf("No transit_id found for batch %s", event.BatchID))
		metrics.LedgerDispatches.WithLabelValues("checkpoint", "skipped").Inc()
		return
	}

	token := fmt.Sprintf("checkpoint|%s|%d", event.BatchID, event.Timestamp.Unix())
	if !d.claim(ctx, token) {
		metrics.LedgerDispatches.WithLabelValues("checkpoint", "deduplicated").Inc()
		return
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		d.logger.Error("Failed to encode checkpoint metadata", zap.String("event_id", event.ID), zap.Error(err))
		return
	}

	call := Call{
		Contract:       "distributor",
		Function:       "recordCheckpoint",
		Args:           []interface{}{transit.TransitID, location, string(metadataJSON)},
		IdempotencyKey: token,
	}

	d.send(ctx, "checkpoint", event, call, token)
}

// send 带有限重试与指数退避的实际提交
// tx_ref 只由监管镜像（kind == "custody"）写入，打点结果仅体现在告警里
func (d *Dispatcher) send(ctx context.Context, kind string, event *models.CustodyEvent, call Call, token string) {
	backoff := d.config.Ledger.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= d.config.Ledger.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.Ledger.DispatchTimeout)
		txHash, err := d.sender.Send(attemptCtx, call)
		cancel()

		if err == nil {
			if kind == "custody" {
				if err := d.txRefs.UpdateTxRef(ctx, event.ID, txHash); err != nil {
					d.logger.Error("Failed to record tx ref", zap.String("event_id", event.ID), zap.Error(err))
				}
				d.publishEvent(ctx, event, txHash)
			}
			metrics.LedgerDispatches.WithLabelValues(kind, "success").Inc()
			d.logger.Info("Ledger dispatch succeeded",
				zap.String("kind", kind),
				zap.String("event_id", event.ID),
				zap.String("tx_hash", txHash),
				zap.Int("attempt", attempt+1),
			)
			return
		}

		lastErr = err

		// 合约侧拒绝是终态，重试无意义
		if errors.Is(err, ErrLedgerRejected) || errors.Is(err, ErrContractNotFound) {
			break
		}

		d.logger.Warn("Ledger dispatch attempt failed",
			zap.String("kind", kind),
			zap.String("event_id", event.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
	}

	// 重试耗尽：告警交给运营侧处理；监管镜像额外把事件标成终态 "error: ..."
	metrics.LedgerDispatches.WithLabelValues(kind, "failed").Inc()
	if kind == "custody" {
		d.markFailed(ctx, event, fmt.Sprintf("error: %v", lastErr))
	}
	d.alerts.Emit(ctx, event.BatchID, models.IssueLedgerError, models.SeverityHigh,
		fmt.Sprintf("Ledger %s dispatch failed for batch %s: %v", kind, event.BatchID, lastErr))

	// 释放去重令牌，允许运营侧手工触发再次分发
	d.release(ctx, token)
}

// publishEvent 把已镜像上账的监管链事件发到输出流，供下游服务消费
func (d *Dispatcher) publishEvent(ctx context.Context, event *models.CustodyEvent, txHash string) {
	if d.redisClient == nil {
		return
	}
	payload := struct {
		*models.CustodyEvent
		TxHash string `json:"tx_hash"`
	}{event, txHash}
	if _, err := redis.PublishJSONToStream(ctx, d.redisClient, d.config.Streams.Events, payload); err != nil {
		d.logger.Warn("Failed to publish custody event to stream",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, event *models.CustodyEvent, txRef string) {
	if err := d.txRefs.UpdateTxRef(ctx, event.ID, txRef); err != nil {
		d.logger.Error("Failed to mark event dispatch failure",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

// claim 以 SETNX 抢占去重令牌；Redis 不可用时放行（宁可重复也不丢事件，
// 网关侧还有 Idempotency-Key 兜底）
func (d *Dispatcher) claim(ctx context.Context, token string) bool {
	if d.redisClient == nil {
		return true
	}
	key := d.config.Cache.DedupKeyPrefix + token
	ttl := time.Duration(d.config.Cache.DedupTTL) * time.Second
	ok, err := d.redisClient.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		d.logger.Warn("Dedup claim failed, proceeding without guard", zap.Error(err))
		return true
	}
	return ok
}

func (d *Dispatcher) release(ctx context.Context, token string) {
	if d.redisClient == nil {
		return
	}
	if err := d.redisClient.Del(ctx, d.config.Cache.DedupKeyPrefix+token).Err(); err != nil {
		d.logger.Warn("Failed to release dedup token", zap.String("token", token), zap.Error(err))
	}
}

// Stop 等待在途分发结束；超出 ctx 期限后放弃等待
// 账本写入是尽力而为，审计库的正确性不依赖它
func (d *Dispatcher) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("Abandoning in-flight ledger dispatches on shutdown")
		return ctx.Err()
	}
}
