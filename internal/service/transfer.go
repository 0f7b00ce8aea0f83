package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trustchain-custody/internal/config"
	"trustchain-custody/internal/custody"
	"trustchain-custody/internal/ledger"
	"trustchain-custody/internal/models"

	"go.uber.org/zap"
)

// PartyStore 参与方查询接口（由 repository.PartyRepository 实现）
// 参与方不存在时返回 (nil, nil)
type PartyStore interface {
	GetParty(ctx context.Context, partyID string) (*models.Party, error)
	ListByRole(ctx context.Context, role string) ([]*models.Party, error)
}

// MappingStore RFID 映射查询接口（由 repository.RFIDMappingRepository 实现）
type MappingStore interface {
	GetActiveByTag(ctx context.Context, tag string) (*models.RFIDMapping, error)
}

// BatchStore 批次查询接口（由 repository.BatchRepository 实现）
type BatchStore interface {
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
}

// HistoryStore 监管链查询接口（由 repository.CustodyEventRepository 实现）
type HistoryStore interface {
	ListByBatch(ctx context.Context, batchID string) ([]*models.CustodyEvent, error)
}

// AlertQueryStore 告警查询与处置接口（由 repository.AlertRepository 实现）
type AlertQueryStore interface {
	ListActive(ctx context.Context, batchID string, limit int) ([]*models.Alert, error)
	MarkResolved(ctx context.Context, alertID string) error
}

// TransitLedger 运输单相关的账本调用接口（由 *ledger.Client 实现）
type TransitLedger interface {
	Send(ctx context.Context, call ledger.Call) (string, error)
	SendWithResult(ctx context.Context, call ledger.Call) (string, json.RawMessage, error)
}

// TransitWriter 运输单映射写入接口（由 repository.TransitMappingRepository 实现）
type TransitWriter interface {
	GetByBatch(ctx context.Context, batchID string) (*models.TransitMapping, error)
	Create(ctx context.Context, batchID string, transitID int64) error
}

// TransferResult 一次显式交接请求的结果
type TransferResult struct {
	Accepted bool
	EventID  string
	TxRef    string // 接受时为 "pending"，账本回执异步回填
	Reason   string // 拒绝原因（Accepted == false 时有效）
}

// TransferService 显式交接与监管链查询服务
type TransferService struct {
	config     *config.Config
	machine    *custody.Machine
	parties    PartyStore
	mappings   MappingStore
	batches    BatchStore
	history    HistoryStore
	alertStore AlertQueryStore
	transits   TransitWriter
	ledger     TransitLedger
	dispatcher CustodyDispatcher
	holders    HolderCache
	logger     *zap.Logger
}

// NewTransferService 创建交接服务
func NewTransferService(
	cfg *config.Config,
	machine *custody.Machine,
	parties PartyStore,
	mappings MappingStore,
	batches BatchStore,
	history HistoryStore,
	alertStore AlertQueryStore,
	transits TransitWriter,
	ledgerClient TransitLedger,
	dispatcher CustodyDispatcher,
	holders HolderCache,
	logger *zap.Logger,
) *TransferService {
	return &TransferService{
		config:     cfg,
		machine:    machine,
		parties:    parties,
		mappings:   mappings,
		batches:    batches,
		history:    history,
		alertStore: alertStore,
		transits:   transits,
		ledger:     ledgerClient,
		dispatcher: dispatcher,
		holders:    holders,
		logger:     logger,
	}
}

// ResolveBatchRef 把批次引用解析为批次 ID
// 引用可以是批次 ID 本身，也可以是当前绑定该批次的 RFID 标签
func (s *TransferService) ResolveBatchRef(ctx context.Context, batchRef string) (string, error) {
	if batchRef == "" {
		return "", fmt.Errorf("batch reference is required")
	}

	batch, err := s.batches.GetBatch(ctx, batchRef)
	if err != nil {
		return "", err
	}
	if batch != nil {
		return batch.ID, nil
	}

	mapping, err := s.mappings.GetActiveByTag(ctx, batchRef)
	if err != nil {
		return "", err
	}
	if mapping != nil {
		return mapping.BatchID, nil
	}

	return "", fmt.Errorf("no batch or active rfid mapping for reference %q", batchRef)
}

// RequestTransfer 显式交接：把批次监管权移交给指定参与方
// 策略拒绝不作为错误返回，而是 Accepted == false 加原因
func (s *TransferService) RequestTransfer(ctx context.Context, batchRef, toPartyID string) (*TransferResult, error) {
	batchID, err := s.ResolveBatchRef(ctx, batchRef)
	if err != nil {
		return nil, err
	}

	party, err := s.parties.GetParty(ctx, toPartyID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up party: %w", err)
	}
	if party == nil {
		return nil, fmt.Errorf("party not found: %s", toPartyID)
	}

	event, err := s.machine.Transfer(ctx, custody.TransferRequest{
		BatchID: batchID,
		ToRole:  party.Role,
		ToParty: &party.ID,
		Source:  custody.SourceAPI,
	})
	if err != nil {
		if errors.Is(err, custody.ErrPolicyViolation) {
			return &TransferResult{
				Accepted: false,
				Reason:   err.Error(),
			}, nil
		}
		return nil, err
	}

	if s.holders != nil {
		holder := event.Holder()
		if cacheErr := s.holders.Set(ctx, batchID, &holder); cacheErr != nil {
			s.logger.Warn("Failed to refresh holder cache", zap.Error(cacheErr))
		}
	}

	s.dispatcher.DispatchCustody(event)

	return &TransferResult{
		Accepted: true,
		EventID:  event.ID,
		TxRef:    event.TxRef,
	}, nil
}

// CurrentHolder 返回批次当前监管方；尚无监管时返回 (nil, nil)
// 先查缓存，未命中回源状态机并回填
func (s *TransferService) CurrentHolder(ctx context.Context, batchID string) (*models.CustodyHolder, error) {
	if s.holders != nil {
		holder, err := s.holders.Get(ctx, batchID)
		if err != nil {
			s.logger.Warn("Holder cache lookup failed, falling back to store", zap.Error(err))
		} else if holder != nil {
			return holder, nil
		}
	}

	holder, err := s.machine.CurrentHolder(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if holder != nil && s.holders != nil {
		if err := s.holders.Set(ctx, batchID, holder); err != nil {
			s.logger.Warn("Failed to refresh holder cache", zap.Error(err))
		}
	}
	return holder, nil
}

// HolderByRFID 按 RFID 标签查当前监管方
func (s *TransferService) HolderByRFID(ctx context.Context, rfidTag string) (*models.CustodyHolder, error) {
	mapping, err := s.mappings.GetActiveByTag(ctx, rfidTag)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, fmt.Errorf("no active batch mapping for rfid tag %s", rfidTag)
	}
	return s.CurrentHolder(ctx, mapping.BatchID)
}

// PartiesByRole 按角色列出注册参与方（运营侧选择交接目标用）
func (s *TransferService) PartiesByRole(ctx context.Context, role string) ([]*models.Party, error) {
	if role == "" {
		return nil, fmt.Errorf("role is required")
	}
	return s.parties.ListByRole(ctx, role)
}

// History 返回批次的完整监管链，按发生顺序升序
func (s *TransferService) History(ctx context.Context, batchID string) ([]*models.CustodyEvent, error) {
	return s.history.ListByBatch(ctx, batchID)
}

// ActiveAlerts 返回批次的未处置告警
func (s *TransferService) ActiveAlerts(ctx context.Context, batchID string) ([]*models.Alert, error) {
	return s.alertStore.ListActive(ctx, batchID, 100)
}

// ResolveAlert 处置一条告警（运营侧工作流调用）
func (s *TransferService) ResolveAlert(ctx context.Context, alertID string) error {
	return s.alertStore.MarkResolved(ctx, alertID)
}

// StartTransit 在账本上为批次开启运输单并记录映射
// 返回账本分配的运输单号
func (s *TransferService) StartTransit(ctx context.Context, batchID string) (int64, error) {
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if batch == nil {
		return 0, fmt.Errorf("batch not found: %s", batchID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.Ledger.DispatchTimeout)
	defer cancel()

	txHash, result, err := s.ledger.SendWithResult(callCtx, ledger.Call{
		Contract:       "distributor",
		Function:       "createTransit",
		Args:           []interface{}{batchID},
		IdempotencyKey: fmt.Sprintf("transit|%s|%d", batchID, time.Now().Unix()),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create transit on ledger: %w", err)
	}

	var transitID int64
	if err := json.Unmarshal(result, &transitID); err != nil {
		return 0, fmt.Errorf("ledger returned unparseable transit id %q: %w", string(result), err)
	}

	if err := s.transits.Create(ctx, batchID, transitID); err != nil {
		return 0, err
	}

	s.logger.Info("Transit started",
		zap.String("batch_id", batchID),
		zap.Int64("transit_id", transitID),
		zap.String("tx_hash", txHash),
	)
	return transitID, nil
}

// CompleteTransit 在账本上关闭批次的运输单
func (s *TransferService) CompleteTransit(ctx context.Context, batchID string) error {
	transit, err := s.transits.GetByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if transit == nil {
		return fmt.Errorf("no transit found for batch %s", batchID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.Ledger.DispatchTimeout)
	defer cancel()

	txHash, err := s.ledger.Send(callCtx, ledger.Call{
		Contract:       "distributor",
		Function:       "completeTransit",
		Args:           []interface{}{transit.TransitID},
		IdempotencyKey: fmt.Sprintf("transit-complete|%s|%d", batchID, transit.TransitID),
	})
	if err != nil {
		return fmt.Errorf("failed to complete transit on ledger: %w", err)
	}

	s.logger.Info("Transit completed",
		zap.String("batch_id", batchID),
		zap.Int64("transit_id", transit.TransitID),
		zap.String("tx_hash", txHash),
	)
	return nil
}
