package service

import (
	"context"
	"database/sql"
	"fmt"

	"trustchain-custody/common/database"
	"trustchain-custody/common/mqtt"
	rediscommon "trustchain-custody/common/redis"
	"trustchain-custody/internal/alerts"
	"trustchain-custody/internal/cache"
	"trustchain-custody/internal/config"
	"trustchain-custody/internal/custody"
	"trustchain-custody/internal/ledger"
	"trustchain-custody/internal/policy"
	"trustchain-custody/internal/report"
	"trustchain-custody/internal/repository"
	"trustchain-custody/internal/resolver"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CustodyService 监管链服务
// 把流水线、交接服务、账本分发与事件轮询装配为一个进程
type CustodyService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	eventRepo   *repository.CustodyEventRepository
	batchRepo   *repository.BatchRepository
	mappingRepo *repository.RFIDMappingRepository
	alertRepo   *repository.AlertRepository
	logRepo     *repository.IoTLogRepository
	transitRepo *repository.TransitMappingRepository
	partyRepo   *repository.PartyRepository

	pipeline   *Pipeline
	transfers  *TransferService
	dispatcher *ledger.Dispatcher
	poller     *ledger.Poller
}

// NewCustodyService 创建监管链服务
func NewCustodyService(cfg *config.Config, logger *zap.Logger) (*CustodyService, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化 Redis（去重令牌、监管方缓存、告警流）
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 创建 Repository
	eventRepo := repository.NewCustodyEventRepository(db, logger)
	batchRepo := repository.NewBatchRepository(db, logger)
	mappingRepo := repository.NewRFIDMappingRepository(db, logger)
	alertRepo := repository.NewAlertRepository(db, logger)
	logRepo := repository.NewIoTLogRepository(db, logger)
	transitRepo := repository.NewTransitMappingRepository(db, logger)
	partyRepo := repository.NewPartyRepository(db, logger)
	ruleRepo := repository.NewCustodyRuleRepository(db, logger)

	// 加载流转策略表（库为空时回退到部署种子文件）
	table, err := loadPolicyTable(context.Background(), cfg, ruleRepo, logger)
	if err != nil {
		return nil, err
	}

	// 告警发射器与监管方缓存
	emitter := alerts.NewEmitter(cfg, alertRepo, redisClient, logger)
	holderCache := cache.NewHolderCache(cfg, redisClient, logger)

	// 账本侧：注册表 → 客户端 → 分发器 → 轮询器
	registry := ledger.NewRegistry(cfg.Ledger.Contracts)
	ledgerClient := ledger.NewClient(cfg.Ledger.GatewayURL, cfg.Ledger.SigningKey,
		cfg.Ledger.DispatchTimeout, registry, logger)
	dispatcher := ledger.NewDispatcher(cfg, ledgerClient, eventRepo, transitRepo, emitter, redisClient, logger)
	poller := ledger.NewPoller(cfg, ledgerClient, batchRepo, logRepo, emitter, redisClient, logger)

	// 核心领域件
	rsv := resolver.NewResolver(mappingRepo, batchRepo, cfg.Thresholds.GPSZeroTolerance, logger)
	machine := custody.NewMachine(eventRepo, table, emitter, logger)

	pipeline := NewPipeline(cfg, rsv, machine, logRepo, dispatcher, emitter, holderCache, logger)
	transfers := NewTransferService(cfg, machine, partyRepo, mappingRepo, batchRepo,
		eventRepo, alertRepo, transitRepo, ledgerClient, dispatcher, holderCache, logger)

	logger.Info("Custody service assembled",
		zap.Int("policy_rules", table.Size()),
		zap.Strings("contracts", registry.Names()),
	)

	return &CustodyService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		eventRepo:   eventRepo,
		batchRepo:   batchRepo,
		mappingRepo: mappingRepo,
		alertRepo:   alertRepo,
		logRepo:     logRepo,
		transitRepo: transitRepo,
		partyRepo:   partyRepo,
		pipeline:    pipeline,
		transfers:   transfers,
		dispatcher:  dispatcher,
		poller:      poller,
	}, nil
}

// loadPolicyTable 装载流转策略表
// custody_rules 表为空且配置了种子文件时从 YAML 读取
func loadPolicyTable(ctx context.Context, cfg *config.Config, ruleRepo *repository.CustodyRuleRepository, logger *zap.Logger) (*policy.Table, error) {
	rules, err := ruleRepo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load custody rules: %w", err)
	}

	if len(rules) == 0 && cfg.Policy.RulesFile != "" {
		rules, err = policy.LoadFile(cfg.Policy.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load custody rules file: %w", err)
		}
		logger.Info("Loaded custody rules from seed file",
			zap.String("file", cfg.Policy.RulesFile),
			zap.Int("rules", len(rules)),
		)
	}

	if len(rules) == 0 {
		return nil, fmt.Errorf("no custody rules configured")
	}

	return policy.NewTable(rules), nil
}

// Pipeline 摄取流水线（消费者持有）
func (s *CustodyService) Pipeline() *Pipeline {
	return s.pipeline
}

// Transfers 交接与查询服务
func (s *CustodyService) Transfers() *TransferService {
	return s.transfers
}

// Start 启动后台任务
// MQTT 消费者由 main 装配（需要已连接的 broker），这里只启动账本轮询
func (s *CustodyService) Start(ctx context.Context) error {
	go func() {
		if err := s.poller.Run(ctx); err != nil {
			s.logger.Error("Ledger event poller exited with error", zap.Error(err))
		}
	}()
	return nil
}

// AttachMQTT 挂接设备接入
func (s *CustodyService) AttachMQTT(client *mqtt.Client) {
	s.mqttClient = client
}

// ExportHistory 生成批次审计导出（Excel 字节流）
func (s *CustodyService) ExportHistory(ctx context.Context, batchID string) ([]byte, error) {
	batch, err := s.batchRepo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("batch not found: %s", batchID)
	}

	events, err := s.eventRepo.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	logs, err := s.logRepo.ListByBatch(ctx, batchID, 0)
	if err != nil {
		return nil, err
	}

	return report.GenerateCustodyExport(batch, events, logs)
}

// Stop 停止服务：等待在途账本分发，关闭连接
func (s *CustodyService) Stop(ctx context.Context) error {
	if err := s.dispatcher.Stop(ctx); err != nil {
		s.logger.Warn("Dispatcher did not drain before deadline", zap.Error(err))
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if err := rediscommon.Close(s.redisClient); err != nil {
		s.logger.Error("Error closing redis connection", zap.Error(err))
	}

	if err := database.Close(s.db); err != nil {
		s.logger.Error("Error closing database connection", zap.Error(err))
	}

	return nil
}
