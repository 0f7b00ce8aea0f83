package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trustchain-custody/internal/config"
	"trustchain-custody/internal/models"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSender 记录调用并按脚本返回
type fakeSender struct {
	mu     sync.Mutex
	calls  []Call
	txHash string
	errs   []error // 按调用次序返回；用尽后返回 nil
}

func (f *fakeSender) Send(ctx context.Context, call Call) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, call)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	return f.txHash, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTxRefStore struct {
	mu   sync.Mutex
	refs map[string]string
}

func newFakeTxRefStore() *fakeTxRefStore {
	return &fakeTxRefStore{refs: make(map[string]string)}
}

func (f *fakeTxRefStore) UpdateTxRef(ctx context.Context, eventID, txRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[eventID] = txRef
	return nil
}

func (f *fakeTxRefStore) get(eventID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[eventID]
}

type fakeTransitStore struct {
	transit *models.TransitMapping
	err     error
}

func (f *fakeTransitStore) GetByBatch(ctx context.Context, batchID string) (*models.TransitMapping, error) {
	return f.transit, f.err
}

type fakeAlertSink struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (f *fakeAlertSink) Emit(ctx context.Context, batchID, issueType, severity, description string) *models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	alert := models.Alert{BatchID: batchID, IssueType: issueType, Severity: severity, Description: description}
	f.alerts = append(f.alerts, alert)
	return &alert
}

func (f *fakeAlertSink) all() []models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Alert(nil), f.alerts...)
}

func dispatcherTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Ledger.DispatchTimeout = time.Second
	cfg.Ledger.MaxRetries = 2
	cfg.Ledger.RetryBackoff = time.Millisecond
	cfg.Cache.DedupKeyPrefix = "ledger:seen:"
	cfg.Cache.DedupTTL = 86400
	return cfg
}

func testCustodyEvent() *models.CustodyEvent {
	fromRole := models.RoleManufacturer
	return &models.CustodyEvent{
		ID:        "event-1",
		BatchID:   "batch-1",
		FromRole:  &fromRole,
		ToRole:    models.RoleDistributor,
		TxRef:     models.TxRefPending,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func TestDispatcher_CustodySuccess(t *testing.T) {
	sender := &fakeSender{txHash: "0xabc"}
	txRefs := newFakeTxRefStore()
	alerts := &fakeAlertSink{}
	d := NewDispatcher(dispatcherTestConfig(), sender, txRefs, &fakeTransitStore{}, alerts, nil, zap.NewNop())

	d.DispatchCustody(testCustodyEvent())
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, 1, sender.callCount())
	assert.Equal(t, "0xabc", txRefs.get("event-1"))
	assert.Empty(t, alerts.all())
}

func TestDispatcher_CustodyRetriesThenSucceeds(t *testing.T) {
	sender := &fakeSender{
		txHash: "0xabc",
		errs:   []error{ErrLedgerUnavailable, ErrLedgerUnavailable},
	}
	txRefs := newFakeTxRefStore()
	d := NewDispatcher(dispatcherTestConfig(), sender, txRefs, &fakeTransitStore{}, &fakeAlertSink{}, nil, zap.NewNop())

	d.DispatchCustody(testCustodyEvent())
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, 3, sender.callCount())
	assert.Equal(t, "0xabc", txRefs.get("event-1"))
}

func TestDispatcher_CustodyExhaustedRetries(t *testing.T) {
	sender := &fakeSender{
		errs: []error{ErrLedgerUnavailable, ErrLedgerUnavailable, ErrLedgerUnavailable},
	}
	txRefs := newFakeTxRefStore()
	alerts := &fakeAlertSink{}
	d := NewDispatcher(dispatcherTestConfig(), sender, txRefs, &fakeTransitStore{}, alerts, nil, zap.NewNop())

	d.DispatchCustody(testCustodyEvent())
	require.NoError(t, d.Stop(context.Background()))

	// MaxRetries=2 即最多 3 次尝试
	assert.Equal(t, 3, sender.callCount())

	// 事件落入终态 "error: ..."，且产生账本告警
	assert.Contains(t, txRefs.get("event-1"), "error:")
	all := alerts.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.IssueLedgerError, all[0].IssueType)
	assert.Equal(t, models.SeverityHigh, all[0].Severity)
	assert.Equal(t, "batch-1", all[0].BatchID)
}

func TestDispatcher_RejectedNoRetry(t *testing.T) {
	sender := &fakeSender{
		errs: []error{ErrLedgerRejected, ErrLedgerRejected, ErrLedgerRejected},
	}
	txRefs := newFakeTxRefStore()
	alerts := &fakeAlertSink{}
	d := NewDispatcher(dispatcherTestConfig(), sender, txRefs, &fakeTransitStore{}, alerts, nil, zap.NewNop())

	d.DispatchCustody(testCustodyEvent())
	require.NoError(t, d.Stop(context.Background()))

	// 合约侧拒绝不重试
	assert.Equal(t, 1, sender.callCount())
	assert.Contains(t, txRefs.get("event-1"), "error:")
	assert.Len(t, alerts.all(), 1)
}

func TestDispatcher_Dedup(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	sender := &fakeSender{txHash: "0xabc"}
	txRefs := newFakeTxRefStore()
	d := NewDispatcher(dispatcherTestConfig(), sender, txRefs, &fakeTransitStore{}, &fakeAlertSink{}, redisClient, zap.NewNop())

	event := testCustodyEvent()
	d.DispatchCustody(event)
	require.NoError(t, d.Stop(context.Background()))

	// 同一事件重复提交被令牌拦截
	d.DispatchCustody(event)
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, 1, sender.callCount())
}

func TestDispatcher_DedupTokenReleasedOnFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	sender := &fakeSender{errs: []error{ErrLedgerRejected}}
	txRefs := newFakeTxRefStore()
	d := NewDispatcher(dispatcherTestConfig(), sender, txRefs, &fakeTransitStore{}, &fakeAlertSink{}, redisClient, zap.NewNop())

	event := testCustodyEvent()
	d.DispatchCustody(event)
	require.NoError(t, d.Stop(context.Background()))
	require.Equal(t, 1, sender.callCount())

	// 终态失败后释放令牌，允许手工触发再次分发
	d.DispatchCustody(event)
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, 2, sender.callCount())
}

func TestDispatcher_CheckpointSuccess(t *testing.T) {
	sender := &fakeSender{txHash: "0xcp1"}
	txRefs := newFakeTxRefStore()
	transits := &fakeTransitStore{transit: &models.TransitMapping{BatchID: "batch-1", TransitID: 7}}
	d := NewDispatcher(dispatcherTestConfig(), sender, txRefs, transits, &fakeAlertSink{}, nil, zap.NewNop())

	d.DispatchCheckpoint(testCustodyEvent(), "28.6,77.2", map[string]interface{}{"rfid": "TAG-1"})
	require.NoError(t, d.Stop(context.Background()))

	require.Equal(t, 1, sender.callCount())
	call := sender.calls[0]
	assert.Equal(t, "recordCheckpoint", call.Function)
	assert.Equal(t, int64(7), call.Args[0])
	assert.Equal(t, "28.6,77.2", call.Args[1])

	// tx_ref 只属于监管镜像，打点成功不写
	assert.Equal(t, "", txRefs.get("event-1"))
}

func TestDispatcher_CheckpointMissingTransit(t *testing.T) {
	sender := &fakeSender{txHash: "0xcp1"}
	txRefs := newFakeTxRefStore()
	alerts := &fakeAlertSink{}
	d := NewDispatcher(dispatcherTestConfig(), sender, txRefs, &fakeTransitStore{transit: nil}, alerts, nil, zap.NewNop())

	d.DispatchCheckpoint(testCustodyEvent(), "28.6,77.2", nil)
	require.NoError(t, d.Stop(context.Background()))

	// 无运输单：不上链，只告警，事件 tx_ref 不动
	assert.Equal(t, 0, sender.callCount())
	assert.Equal(t, "", txRefs.get("event-1"))
	all := alerts.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.IssueTransitError, all[0].IssueType)
	assert.Equal(t, models.SeverityHigh, all[0].Severity)
	assert.Contains(t, all[0].Description, "No transit_id found")
}

func TestDispatcher_TransitLookupError(t *testing.T) {
	sender := &fakeSender{txHash: "0xcp1"}
	txRefs := newFakeTxRefStore()
	d := NewDispatcher(dispatcherTestConfig(), sender, txRefs, &fakeTransitStore{err: errors.New("db down")}, &fakeAlertSink{}, nil, zap.NewNop())

	d.DispatchCheckpoint(testCustodyEvent(), "28.6,77.2", nil)
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, 0, sender.callCount())
	assert.Equal(t, "", txRefs.get("event-1"))
}

func TestDispatcher_CheckpointDoesNotClobberCustodyTxRef(t *testing.T) {
	sender := &fakeSender{txHash: "0xabc"}
	txRefs := newFakeTxRefStore()
	alerts := &fakeAlertSink{}
	d := NewDispatcher(dispatcherTestConfig(), sender, txRefs, &fakeTransitStore{transit: nil}, alerts, nil, zap.NewNop())

	// 同一事件同时镜像监管与打点：监管成功、打点无运输单
	event := testCustodyEvent()
	d.DispatchCustody(event)
	d.DispatchCheckpoint(event, "28.6,77.2", nil)
	require.NoError(t, d.Stop(context.Background()))

	// 打点失败只告警，不覆盖监管镜像的回执
	assert.Equal(t, "0xabc", txRefs.get("event-1"))
	all := alerts.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.IssueTransitError, all[0].IssueType)
}

func TestCustodyDedupToken(t *testing.T) {
	event := testCustodyEvent()
	assert.Equal(t, "custody|batch-1|Manufacturer|Distributor|1700000000", CustodyDedupToken(event))

	// 初次指派没有 from_role
	event.FromRole = nil
	assert.Equal(t, "custody|batch-1||Distributor|1700000000", CustodyDedupToken(event))
}
