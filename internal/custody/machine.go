package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trustchain-custody/internal/metrics"
	"trustchain-custody/internal/models"
	"trustchain-custody/internal/policy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPolicyViolation 流转被策略表拒绝
// 调用方不得自动重试：改判需要运营侧人工决策
var ErrPolicyViolation = errors.New("custody transfer violates transition policy")

// 流转来源（指标与审计用）
const (
	SourceIoT = "iot" // 标签变化触发的隐式流转
	SourceAPI = "api" // 显式交接请求
)

// EventStore 监管链事件存取接口（由 repository.CustodyEventRepository 实现）
type EventStore interface {
	// Latest 返回批次最近一条事件；尚无事件时返回 (nil, nil)
	Latest(ctx context.Context, batchID string) (*models.CustodyEvent, error)
	// Append 追加事件并回填 Seq
	Append(ctx context.Context, event *models.CustodyEvent) error
}

// AlertSink 告警接口（由 alerts.Emitter 实现）
type AlertSink interface {
	Emit(ctx context.Context, batchID, issueType, severity, description string) *models.Alert
}

// TransferRequest 一次候选流转
type TransferRequest struct {
	BatchID string
	// ToRole 为空时走 IoT 隐式路径：按 from_role 查唯一后继角色
	ToRole  string
	ToParty *string
	RFIDTag *string
	Source  string // SourceIoT / SourceAPI
}

// Machine 监管链状态机
//
// 每个批次的隐式状态 = 当前监管方，由最近一条已接受事件推导。
// 同一批次的 读取最近事件→校验→追加 序列必须串行，
// 否则两个并发流转会基于同一个旧监管方双双通过校验；
// 不同批次之间互不相关，并行执行。
type Machine struct {
	events EventStore
	table  *policy.Table
	alerts AlertSink
	logger *zap.Logger

	// 批次粒度互斥锁；键随活跃批次数增长，不回收
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMachine 创建监管链状态机
func NewMachine(events EventStore, table *policy.Table, alerts AlertSink, logger *zap.Logger) *Machine {
	return &Machine{
		events: events,
		table:  table,
		alerts: alerts,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// batchLock 取批次专属锁
func (m *Machine) batchLock(batchID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[batchID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[batchID] = lock
	}
	return lock
}

// CurrentHolder 返回批次当前监管方；尚无监管时返回 (nil, nil)
func (m *Machine) CurrentHolder(ctx context.Context, batchID string) (*models.CustodyHolder, error) {
	latest, err := m.events.Latest(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest custody event: %w", err)
	}
	if latest == nil {
		return nil, nil
	}
	holder := latest.Holder()
	return &holder, nil
}

// Transfer 执行一次候选流转
//
// 接受：追加 CustodyEvent（tx_ref 先置 pending）并返回该事件。
// 拒绝：发 CUSTODY_ERROR 告警（Medium），监管方不变，返回 ErrPolicyViolation。
func (m *Machine) Transfer(ctx context.Context, req TransferRequest) (*models.CustodyEvent, error) {
	if req.BatchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}

	lock := m.batchLock(req.BatchID)
	lock.Lock()
	defer lock.Unlock()

	latest, err := m.events.Latest(ctx, req.BatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest custody event: %w", err)
	}

	var fromRole *string
	var fromParty *string
	if latest != nil {
		role := latest.ToRole
		fromRole = &role
		fromParty = latest.ToParty
	}

	toRole := req.ToRole
	if toRole == "" {
		// IoT 隐式路径：按 from_role 查唯一后继角色
		// 批次尚无监管记录时以 Manufacturer 为种子角色（出厂即在厂商手上）
		seedRole := models.RoleManufacturer
		inferFrom := seedRole
		if fromRole != nil {
			inferFrom = *fromRole
		} else {
			fromRole = &seedRole
		}

		toRole, err = m.table.Successor(inferFrom)
		if err != nil {
			m.reject(ctx, req, fromRole,
				fmt.Sprintf("No valid custody transition from %s for batch %s", inferFrom, req.BatchID))
			return nil, fmt.Errorf("%w: %v", ErrPolicyViolation, err)
		}
	}

	// 首次监管指派跳过 from_role 校验
	if latest != nil && !m.table.Allowed(latest.ToRole, toRole) {
		m.reject(ctx, req, fromRole,
			fmt.Sprintf("Invalid custody transfer %s -> %s for batch %s", latest.ToRole, toRole, req.BatchID))
		return nil, fmt.Errorf("%w: %s -> %s", ErrPolicyViolation, latest.ToRole, toRole)
	}

	event := &models.CustodyEvent{
		ID:        uuid.New().String(),
		BatchID:   req.BatchID,
		FromRole:  fromRole,
		ToRole:    toRole,
		FromParty: fromParty,
		ToParty:   req.ToParty,
		RFIDTag:   req.RFIDTag,
		TxRef:     models.TxRefPending,
		Timestamp: time.Now().UTC(),
	}

	if err := m.events.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append custody event: %w", err)
	}

	metrics.Transitions.WithLabelValues(req.Source, "accepted").Inc()
	m.logger.Info("Custody transition accepted",
		zap.String("batch_id", req.BatchID),
		zap.Stringp("from_role", fromRole),
		zap.String("to_role", toRole),
		zap.String("source", req.Source),
		zap.String("event_id", event.ID),
	)

	return event, nil
}

// reject 记录一次被拒绝的流转
func (m *Machine) reject(ctx context.Context, req TransferRequest, fromRole *string, description string) {
	metrics.Transitions.WithLabelValues(req.Source, "rejected").Inc()
	m.alerts.Emit(ctx, req.BatchID, models.IssueCustodyError, models.SeverityMedium, description)
	m.logger.Warn("Custody transition rejected",
		zap.String("batch_id", req.BatchID),
		zap.Stringp("from_role", fromRole),
		zap.String("requested_to_role", req.ToRole),
		zap.String("source", req.Source),
	)
}
