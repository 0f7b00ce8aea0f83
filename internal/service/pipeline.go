package service

import (
	"context"
	"fmt"

	"trustchain-custody/internal/classifier"
	"trustchain-custody/internal/config"
	"trustchain-custody/internal/custody"
	"trustchain-custody/internal/decoder"
	"trustchain-custody/internal/metrics"
	"trustchain-custody/internal/models"
	"trustchain-custody/internal/resolver"

	"go.uber.org/zap"
)

// LogStore 读数日志写入接口（由 repository.IoTLogRepository 实现）
type LogStore interface {
	Insert(ctx context.Context, log *models.IoTLog) (int64, error)
}

// CustodyDispatcher 账本分发接口（由 ledger.Dispatcher 实现）
type CustodyDispatcher interface {
	DispatchCustody(event *models.CustodyEvent)
	DispatchCheckpoint(event *models.CustodyEvent, location string, metadata map[string]interface{})
}

// AlertSink 告警接口（由 alerts.Emitter 实现）
type AlertSink interface {
	Emit(ctx context.Context, batchID, issueType, severity, description string) *models.Alert
}

// HolderCache 监管方缓存接口（由 cache.HolderCache 实现）
// Get 未命中时返回 (nil, nil)
type HolderCache interface {
	Get(ctx context.Context, batchID string) (*models.CustodyHolder, error)
	Set(ctx context.Context, batchID string, holder *models.CustodyHolder) error
}

// DeviceSession 单个设备会话的全部粘滞状态
// 帧缓冲与身份粘滞都是单写者：每个会话只被它的消费者 goroutine 触碰
type DeviceSession struct {
	resolverSession *resolver.Session
	frames          *decoder.FrameDecoder
}

// NewDeviceSession 创建设备会话
func NewDeviceSession(deviceID string) *DeviceSession {
	return &DeviceSession{
		resolverSession: resolver.NewSession(deviceID),
		frames:          decoder.NewFrameDecoder(),
	}
}

// DeviceID 会话所属设备
func (s *DeviceSession) DeviceID() string {
	return s.resolverSession.DeviceID
}

// SubmitResult 一次原始行提交的处理结果
type SubmitResult struct {
	Accepted    int             // 落入审计库的读数数
	Transitions int             // 标签变化触发并被接受的监管流转数
	Faults      []string        // 阈值越限描述（已触发 TELEMETRY_FAULT 告警）
	Alerts      []*models.Alert // 本次提交触发的全部告警
}

// Pipeline 遥测摄取流水线
//
// 解码 → 解析 → 身份解析 → 阈值分类 → 审计落库 → 标签变化触发监管流转
// → 异步账本分发。除审计落库外所有异常都降级为告警，流水线继续。
type Pipeline struct {
	config     *config.Config
	resolver   *resolver.Resolver
	machine    *custody.Machine
	thresholds classifier.Thresholds
	logs       LogStore
	dispatcher CustodyDispatcher
	alerts     AlertSink
	holders    HolderCache
	logger     *zap.Logger
}

// NewPipeline 创建摄取流水线
// holders 可为 nil（测试场景），此时跳过监管方缓存刷新
func NewPipeline(
	cfg *config.Config,
	rsv *resolver.Resolver,
	machine *custody.Machine,
	logs LogStore,
	dispatcher CustodyDispatcher,
	alerts AlertSink,
	holders HolderCache,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		config:   cfg,
		resolver: rsv,
		machine:  machine,
		thresholds: classifier.Thresholds{
			TempLow:      cfg.Thresholds.TempLow,
			TempHigh:     cfg.Thresholds.TempHigh,
			HumidityLow:  cfg.Thresholds.HumidityLow,
			HumidityHigh: cfg.Thresholds.HumidityHigh,
		},
		logs:       logs,
		dispatcher: dispatcher,
		alerts:     alerts,
		holders:    holders,
		logger:     logger,
	}
}

// Submit 提交一行原始设备输出
// 一行可能携带零至多个完整帧；帧与帧独立处理，单帧失败不影响后续
func (p *Pipeline) Submit(ctx context.Context, session *DeviceSession, raw string) *SubmitResult {
	result := &SubmitResult{}

	for _, chunk := range session.frames.Push(raw) {
		metrics.FramesDecoded.Inc()
		p.processChunk(ctx, session, chunk, result)
	}

	return result
}

// processChunk 处理一个完整帧
func (p *Pipeline) processChunk(ctx context.Context, session *DeviceSession, chunk string, result *SubmitResult) {
	reading, err := models.ParseReading(chunk)
	if err != nil {
		// 坏帧丢弃，流水线继续
		metrics.DecodeErrors.Inc()
		p.logger.Warn("Dropped malformed frame",
			zap.String("device_id", session.DeviceID()),
			zap.Error(err),
		)
		return
	}

	res, err := p.resolver.Resolve(ctx, session.resolverSession, reading)
	if err != nil {
		p.logger.Error("Identity resolution failed",
			zap.String("device_id", session.DeviceID()),
			zap.Error(err),
		)
		return
	}

	switch res.Status {
	case resolver.StatusUnresolvedTag:
		metrics.ResolutionFailures.WithLabelValues(res.Status.String()).Inc()
		alert := p.alerts.Emit(ctx, "UNKNOWN", models.IssueRFIDError, models.SeverityLow,
			fmt.Sprintf("Reading from device %s arrived without an RFID tag and no session history", session.DeviceID()))
		result.Alerts = append(result.Alerts, alert)
		return
	case resolver.StatusUnknownBatch:
		metrics.ResolutionFailures.WithLabelValues(res.Status.String()).Inc()
		alert := p.alerts.Emit(ctx, "UNKNOWN", models.IssueBatchError, models.SeverityMedium,
			fmt.Sprintf("RFID tag %s has no active batch mapping", res.Tag))
		result.Alerts = append(result.Alerts, alert)
		return
	}

	faults := classifier.Classify(p.thresholds, reading)

	log := &models.IoTLog{
		BatchID:     res.BatchID,
		RFIDTag:     res.Tag,
		Temperature: reading.Temperature,
		Humidity:    reading.Humidity,
		Faults:      faults.JSON(),
		LoggedAt:    reading.ObservedAt,
	}
	if reading.GPS != nil {
		log.GPSLat = &reading.GPS.Lat
		log.GPSLon = &reading.GPS.Lon
	}

	if _, err := p.logs.Insert(ctx, log); err != nil {
		// 审计库是事实源，写不进去这条读数就没有发生过
		p.logger.Error("Failed to persist reading",
			zap.String("batch_id", res.BatchID),
			zap.Error(err),
		)
		return
	}
	metrics.ReadingsProcessed.Inc()
	result.Accepted++

	if res.TagChanged {
		p.handleTagChange(ctx, session, reading, res, result)
	}

	p.emitFaultAlerts(ctx, reading, res.BatchID, faults, result)
}

// handleTagChange 标签变化视为批次到达新监管方，走 IoT 隐式流转
func (p *Pipeline) handleTagChange(ctx context.Context, session *DeviceSession, reading *models.Reading, res *resolver.Result, result *SubmitResult) {
	tag := res.Tag
	event, err := p.machine.Transfer(ctx, custody.TransferRequest{
		BatchID: res.BatchID,
		RFIDTag: &tag,
		Source:  custody.SourceIoT,
	})
	if err != nil {
		// 拒绝已由状态机告警，这里只透传给调用方
		p.logger.Info("IoT custody transition rejected",
			zap.String("batch_id", res.BatchID),
			zap.String("device_id", session.DeviceID()),
			zap.Error(err),
		)
		return
	}

	result.Transitions++

	if p.holders != nil {
		holder := event.Holder()
		if err := p.holders.Set(ctx, res.BatchID, &holder); err != nil {
			p.logger.Warn("Failed to refresh holder cache", zap.Error(err))
		}
	}

	// 账本镜像完全异步，不阻塞摄取
	p.dispatcher.DispatchCustody(event)
	p.dispatcher.DispatchCheckpoint(event, checkpointLocation(reading), checkpointMetadata(reading))
}

// emitFaultAlerts 阈值越限告警（每个维度独立一条）
func (p *Pipeline) emitFaultAlerts(ctx context.Context, reading *models.Reading, batchID string, faults classifier.FaultVector, result *SubmitResult) {
	if !faults.Any() {
		return
	}

	if faults.TemperatureHigh || faults.TemperatureLow {
		metrics.TelemetryFaults.WithLabelValues("temperature").Inc()
	}
	if faults.HumidityHigh || faults.HumidityLow {
		metrics.TelemetryFaults.WithLabelValues("humidity").Inc()
	}

	for _, desc := range faults.Describe(reading) {
		alert := p.alerts.Emit(ctx, batchID, models.IssueTelemetryFault, models.SeverityMedium, desc)
		result.Alerts = append(result.Alerts, alert)
		result.Faults = append(result.Faults, desc)
	}
}

// checkpointLocation 账本打点的位置串；无定位时为空串
func checkpointLocation(reading *models.Reading) string {
	if reading.GPS == nil {
		return ""
	}
	return fmt.Sprintf("%f,%f", reading.GPS.Lat, reading.GPS.Lon)
}

// checkpointMetadata 账本打点的附加数据
func checkpointMetadata(reading *models.Reading) map[string]interface{} {
	metadata := map[string]interface{}{
		"rfid": reading.RFIDTag,
	}
	if reading.Temperature != nil {
		metadata["temperature"] = *reading.Temperature
	}
	if reading.Humidity != nil {
		metadata["humidity"] = *reading.Humidity
	}
	return metadata
}
