package ledger

import (
	"context"
	"fmt"
	"time"

	"trustchain-custody/common/redis"
	"trustchain-custody/internal/classifier"
	"trustchain-custody/internal/config"
	"trustchain-custody/internal/metrics"
	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// EventKind 已知的账本事件类型（封闭枚举）
type EventKind int

const (
	EventUnknown EventKind = iota
	EventBatchCreated
	EventIoTLogRecorded
	EventTransitDelayed
	EventCheckpointRecorded
)

// kindByName 事件名 → 类型的显式映射；映射外的事件走未处理信号，不静默跳过
var kindByName = map[string]EventKind{
	"BatchCreated":       EventBatchCreated,
	"IoTLogRecorded":     EventIoTLogRecorded,
	"TransitDelayed":     EventTransitDelayed,
	"CheckpointRecorded": EventCheckpointRecorded,
}

// KindOf 解析事件名；未知事件返回 EventUnknown
func KindOf(name string) EventKind {
	return kindByName[name]
}

// EventSource 事件拉取接口（由 *Client 实现）
type EventSource interface {
	FetchEvents(ctx context.Context, cursor string, limit int) ([]RawEvent, string, error)
}

// BatchWriter 批次落库接口
type BatchWriter interface {
	UpsertBatch(ctx context.Context, batch *models.Batch) error
}

// LogWriter 读数日志落库接口
type LogWriter interface {
	Insert(ctx context.Context, log *models.IoTLog) (int64, error)
}

// cursorKey 轮询游标在 Redis 中的存储键
const cursorKey = "ledger:poll:cursor"

// Poller 账本事件轮询器
//
// 可取消的周期任务：按固定间隔拉取游标之后的合约事件，
// 逐条以 tx_hash 做 SETNX 幂等闸，重连重投不会二次生效。
type Poller struct {
	config      *config.Config
	source      EventSource
	batches     BatchWriter
	logs        LogWriter
	alerts      AlertSink
	thresholds  classifier.Thresholds
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewPoller 创建账本事件轮询器
func NewPoller(
	cfg *config.Config,
	source EventSource,
	batches BatchWriter,
	logs LogWriter,
	alerts AlertSink,
	redisClient *redis.Client,
	logger *zap.Logger,
) *Poller {
	return &Poller{
		config:  cfg,
		source:  source,
		batches: batches,
		logs:    logs,
		alerts:  alerts,
		thresholds: classifier.Thresholds{
			TempLow:      cfg.Thresholds.TempLow,
			TempHigh:     cfg.Thresholds.TempHigh,
			HumidityLow:  cfg.Thresholds.HumidityLow,
			HumidityHigh: cfg.Thresholds.HumidityHigh,
		},
		redisClient: redisClient,
		logger:      logger,
	}
}

// Run 启动轮询循环，ctx 取消后返回
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Ledger event poller started",
		zap.Duration("poll_interval", p.config.Ledger.PollInterval),
	)

	ticker := time.NewTicker(p.config.Ledger.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Ledger event poller stopped")
			return nil
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.logger.Error("Failed to poll ledger events", zap.Error(err))
			}
		}
	}
}

// poll 拉取并处理一批事件
func (p *Poller) poll(ctx context.Context) error {
	cursor := p.loadCursor(ctx)

	events, next, err := p.source.FetchEvents(ctx, cursor, p.config.Ledger.EventBatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch ledger events: %w", err)
	}

	for i := range events {
		p.Process(ctx, &events[i])
	}

	if next != cursor {
		p.saveCursor(ctx, next)
	}
	return nil
}

// Process 处理单条事件（幂等；导出供测试与补偿回放使用）
func (p *Poller) Process(ctx context.Context, event *RawEvent) {
	if !p.firstSeen(ctx, event.TxHash) {
		// 重投事件，已生效过
		return
	}

	kind := KindOf(event.Event)
	metrics.LedgerEvents.WithLabelValues(event.Event).Inc()

	var err error
	switch kind {
	case EventBatchCreated:
		err = p.handleBatchCreated(ctx, event)
	case EventIoTLogRecorded:
		err = p.handleIoTLogRecorded(ctx, event)
	case EventTransitDelayed:
		p.handleTransitDelayed(ctx, event)
	case EventCheckpointRecorded:
		// 打点回流仅确认镜像成功，无本地副作用
		p.logger.Debug("Checkpoint confirmed on ledger", zap.String("tx_hash", event.TxHash))
	default:
		// 未知事件类型：显式的未处理信号
		p.alerts.Emit(ctx, stringArg(event.Args, "batchId", "UNKNOWN"),
			models.IssueEventError, models.SeverityLow,
			fmt.Sprintf("Unhandled ledger event %q from contract %s (tx %s)", event.Event, event.Contract, event.TxHash))
	}

	if err != nil {
		// 瞬时失败释放幂等闸，事件随下一轮重投再次生效
		p.releaseSeen(ctx, event.TxHash)
	}
}

func (p *Poller) handleBatchCreated(ctx context.Context, event *RawEvent) error {
	batch := &models.Batch{
		ID:          stringArg(event.Args, "batchId", ""),
		BatchNumber: stringArg(event.Args, "batchNumber", ""),
		CreatedAt:   time.Now().UTC(),
	}
	if batch.ID == "" {
		// 缺字段不是瞬时故障，重投也不会修好
		p.logger.Warn("BatchCreated event missing batchId", zap.String("tx_hash", event.TxHash))
		return nil
	}
	if err := p.batches.UpsertBatch(ctx, batch); err != nil {
		p.logger.Error("Failed to store batch from ledger event",
			zap.String("batch_id", batch.ID),
			zap.Error(err),
		)
		return err
	}
	p.logger.Info("Stored new batch from ledger", zap.String("batch_id", batch.ID))
	return nil
}

func (p *Poller) handleIoTLogRecorded(ctx context.Context, event *RawEvent) error {
	batchID := stringArg(event.Args, "batchId", "")
	if batchID == "" {
		p.logger.Warn("IoTLogRecorded event missing batchId", zap.String("tx_hash", event.TxHash))
		return nil
	}

	log := &models.IoTLog{
		BatchID:  batchID,
		RFIDTag:  stringArg(event.Args, "rfid", ""),
		LoggedAt: time.Now().UTC(),
	}
	reading := &models.Reading{}
	if v, ok := floatArg(event.Args, "temperature"); ok {
		log.Temperature = &v
		reading.Temperature = &v
	}
	if v, ok := floatArg(event.Args, "humidity"); ok {
		log.Humidity = &v
		reading.Humidity = &v
	}
	if lat, ok := floatArg(event.Args, "lat"); ok {
		log.GPSLat = &lat
	}
	if lon, ok := floatArg(event.Args, "lon"); ok {
		log.GPSLon = &lon
	}

	// 链上回流的读数同样过阈值分类
	faults := classifier.Classify(p.thresholds, reading)
	log.Faults = faults.JSON()

	if _, err := p.logs.Insert(ctx, log); err != nil {
		p.logger.Error("Failed to store iot log from ledger event",
			zap.String("batch_id", batchID),
			zap.Error(err),
		)
		return err
	}

	for _, desc := range faults.Describe(reading) {
		p.alerts.Emit(ctx, batchID, models.IssueTelemetryFault, models.SeverityMedium, desc)
	}
	return nil
}

func (p *Poller) handleTransitDelayed(ctx context.Context, event *RawEvent) {
	batchID := stringArg(event.Args, "batchId", "UNKNOWN")
	p.alerts.Emit(ctx, batchID, models.IssueTransitError, models.SeverityMedium,
		"A distributor transit was delayed")
}

// firstSeen tx_hash 幂等闸；Redis 不可用时放行并记日志
func (p *Poller) firstSeen(ctx context.Context, txHash string) bool {
	if p.redisClient == nil {
		return true
	}
	key := p.config.Cache.DedupKeyPrefix + "evt:" + txHash
	ttl := time.Duration(p.config.Cache.DedupTTL) * time.Second
	ok, err := p.redisClient.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		p.logger.Warn("Event dedup check failed, processing anyway", zap.Error(err))
		return true
	}
	return ok
}

func (p *Poller) releaseSeen(ctx context.Context, txHash string) {
	if p.redisClient == nil {
		return
	}
	key := p.config.Cache.DedupKeyPrefix + "evt:" + txHash
	if err := p.redisClient.Del(ctx, key).Err(); err != nil {
		p.logger.Warn("Failed to release event dedup key", zap.String("tx_hash", txHash), zap.Error(err))
	}
}

func (p *Poller) loadCursor(ctx context.Context) string {
	if p.redisClient == nil {
		return ""
	}
	cursor, err := p.redisClient.Get(ctx, cursorKey).Result()
	if err != nil {
		return ""
	}
	return cursor
}

func (p *Poller) saveCursor(ctx context.Context, cursor string) {
	if p.redisClient == nil {
		return
	}
	if err := p.redisClient.Set(ctx, cursorKey, cursor, 0).Err(); err != nil {
		p.logger.Warn("Failed to save poll cursor", zap.Error(err))
	}
}

// stringArg 从事件参数取字符串，缺失时用默认值
func stringArg(args map[string]interface{}, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// floatArg 从事件参数取数值；JSON 解码后数值统一为 float64
func floatArg(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
