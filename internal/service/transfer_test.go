package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"trustchain-custody/internal/config"
	"trustchain-custody/internal/custody"
	"trustchain-custody/internal/ledger"
	"trustchain-custody/internal/models"
	"trustchain-custody/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memPartyStore struct {
	parties map[string]*models.Party
}

func (m *memPartyStore) GetParty(ctx context.Context, partyID string) (*models.Party, error) {
	return m.parties[partyID], nil
}

func (m *memPartyStore) ListByRole(ctx context.Context, role string) ([]*models.Party, error) {
	var out []*models.Party
	for _, p := range m.parties {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out, nil
}

type memHistoryStore struct {
	events *memEventStore
}

func (m *memHistoryStore) ListByBatch(ctx context.Context, batchID string) ([]*models.CustodyEvent, error) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	return append([]*models.CustodyEvent(nil), m.events.events[batchID]...), nil
}

type memAlertQueryStore struct {
	mu       sync.Mutex
	resolved []string
}

func (m *memAlertQueryStore) ListActive(ctx context.Context, batchID string, limit int) ([]*models.Alert, error) {
	return nil, nil
}

func (m *memAlertQueryStore) MarkResolved(ctx context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, alertID)
	return nil
}

type memTransitWriter struct {
	mu      sync.Mutex
	byBatch map[string]*models.TransitMapping
	created []int64
}

func (m *memTransitWriter) GetByBatch(ctx context.Context, batchID string) (*models.TransitMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byBatch[batchID], nil
}

func (m *memTransitWriter) Create(ctx context.Context, batchID string, transitID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byBatch == nil {
		m.byBatch = make(map[string]*models.TransitMapping)
	}
	m.byBatch[batchID] = &models.TransitMapping{BatchID: batchID, TransitID: transitID}
	m.created = append(m.created, transitID)
	return nil
}

type memTransitLedger struct {
	mu    sync.Mutex
	calls []ledger.Call
}

func (m *memTransitLedger) Send(ctx context.Context, call ledger.Call) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return "0xsend", nil
}

func (m *memTransitLedger) SendWithResult(ctx context.Context, call ledger.Call) (string, json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return "0xresult", json.RawMessage(`42`), nil
}

type transferFixture struct {
	svc        *TransferService
	events     *memEventStore
	dispatcher *memDispatcher
	transits   *memTransitWriter
	ledger     *memTransitLedger
	alertStore *memAlertQueryStore
}

func newTransferFixture(t *testing.T) *transferFixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Ledger.DispatchTimeout = time.Second

	logger := zap.NewNop()

	table := policy.NewTable([]models.CustodyRule{
		{FromRole: models.RoleManufacturer, ToRole: models.RoleDistributor},
		{FromRole: models.RoleDistributor, ToRole: models.RolePharmacy},
	})

	events := newMemEventStore()
	alerts := &memAlertSink{}
	machine := custody.NewMachine(events, table, alerts, logger)

	parties := &memPartyStore{parties: map[string]*models.Party{
		"party-m": {ID: "party-m", Name: "Acme Pharma", Role: models.RoleManufacturer},
		"party-d": {ID: "party-d", Name: "MedFreight", Role: models.RoleDistributor},
		"party-p": {ID: "party-p", Name: "City Pharmacy", Role: models.RolePharmacy},
	}}
	mappings := &memMappingStore{byTag: map[string]string{"TAG-1": "batch-1"}}
	batches := &memBatchStore{ids: map[string]bool{"batch-1": true}}
	alertStore := &memAlertQueryStore{}
	transits := &memTransitWriter{}
	ledgerClient := &memTransitLedger{}
	dispatcher := &memDispatcher{}

	svc := NewTransferService(cfg, machine, parties, mappings, batches,
		&memHistoryStore{events: events}, alertStore, transits, ledgerClient, dispatcher, nil, logger)

	return &transferFixture{
		svc:        svc,
		events:     events,
		dispatcher: dispatcher,
		transits:   transits,
		ledger:     ledgerClient,
		alertStore: alertStore,
	}
}

func TestRequestTransfer_FirstAssignment(t *testing.T) {
	f := newTransferFixture(t)

	result, err := f.svc.RequestTransfer(context.Background(), "batch-1", "party-m")

	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, models.TxRefPending, result.TxRef)
	require.Len(t, f.dispatcher.custody, 1)

	// 初次指派没有 from_role
	assert.Nil(t, f.dispatcher.custody[0].FromRole)
	assert.Equal(t, models.RoleManufacturer, f.dispatcher.custody[0].ToRole)
}

func TestRequestTransfer_AllowedChain(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()

	_, err := f.svc.RequestTransfer(ctx, "batch-1", "party-m")
	require.NoError(t, err)

	result, err := f.svc.RequestTransfer(ctx, "batch-1", "party-d")
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	holder, err := f.svc.CurrentHolder(ctx, "batch-1")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, models.RoleDistributor, holder.Role)
	assert.Equal(t, "party-d", holder.PartyID)
}

func TestRequestTransfer_PolicyViolation(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()

	_, err := f.svc.RequestTransfer(ctx, "batch-1", "party-m")
	require.NoError(t, err)

	// Manufacturer → Pharmacy 不在规则表内
	result, err := f.svc.RequestTransfer(ctx, "batch-1", "party-p")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.NotEmpty(t, result.Reason)

	// 监管方不变，拒绝不产生账本分发
	holder, err := f.svc.CurrentHolder(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleManufacturer, holder.Role)
	assert.Len(t, f.dispatcher.custody, 1)
}

func TestRequestTransfer_ByRFIDTag(t *testing.T) {
	f := newTransferFixture(t)

	result, err := f.svc.RequestTransfer(context.Background(), "TAG-1", "party-m")

	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "batch-1", f.dispatcher.custody[0].BatchID)
}

func TestRequestTransfer_UnknownParty(t *testing.T) {
	f := newTransferFixture(t)

	_, err := f.svc.RequestTransfer(context.Background(), "batch-1", "party-unknown")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "party not found")
}

func TestRequestTransfer_UnknownBatchRef(t *testing.T) {
	f := newTransferFixture(t)

	_, err := f.svc.RequestTransfer(context.Background(), "no-such-ref", "party-m")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no batch or active rfid mapping")
}

func TestStartTransit(t *testing.T) {
	f := newTransferFixture(t)

	transitID, err := f.svc.StartTransit(context.Background(), "batch-1")

	require.NoError(t, err)
	assert.Equal(t, int64(42), transitID)
	require.Len(t, f.ledger.calls, 1)
	assert.Equal(t, "createTransit", f.ledger.calls[0].Function)
	assert.Equal(t, []int64{42}, f.transits.created)
}

func TestStartTransit_UnknownBatch(t *testing.T) {
	f := newTransferFixture(t)

	_, err := f.svc.StartTransit(context.Background(), "batch-missing")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "batch not found")
}

func TestCompleteTransit(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartTransit(ctx, "batch-1")
	require.NoError(t, err)

	err = f.svc.CompleteTransit(ctx, "batch-1")
	require.NoError(t, err)

	require.Len(t, f.ledger.calls, 2)
	assert.Equal(t, "completeTransit", f.ledger.calls[1].Function)
	assert.Equal(t, int64(42), f.ledger.calls[1].Args[0])
}

func TestCompleteTransit_NoTransit(t *testing.T) {
	f := newTransferFixture(t)

	err := f.svc.CompleteTransit(context.Background(), "batch-1")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no transit found")
}

func TestHistory_Ordered(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()

	_, err := f.svc.RequestTransfer(ctx, "batch-1", "party-m")
	require.NoError(t, err)
	_, err = f.svc.RequestTransfer(ctx, "batch-1", "party-d")
	require.NoError(t, err)

	history, err := f.svc.History(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleManufacturer, history[0].ToRole)
	assert.Equal(t, models.RoleDistributor, history[1].ToRole)
}

func TestPartiesByRole(t *testing.T) {
	f := newTransferFixture(t)

	parties, err := f.svc.PartiesByRole(context.Background(), models.RoleDistributor)
	require.NoError(t, err)
	require.Len(t, parties, 1)
	assert.Equal(t, "party-d", parties[0].ID)

	_, err = f.svc.PartiesByRole(context.Background(), "")
	assert.Error(t, err)
}

func TestResolveAlert(t *testing.T) {
	f := newTransferFixture(t)

	require.NoError(t, f.svc.ResolveAlert(context.Background(), "alert-1"))
	assert.Equal(t, []string{"alert-1"}, f.alertStore.resolved)
}
