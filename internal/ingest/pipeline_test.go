package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/resourcerent/internal/delegation"
	"github.com/angelmondragon/resourcerent/internal/ledger"
	"github.com/angelmondragon/resourcerent/internal/orders"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
	"github.com/angelmondragon/resourcerent/pkg/logger"
)

type fakeDedup struct {
	mu        sync.Mutex
	processed map[string]bool
}

func newFakeDedup() *fakeDedup { return &fakeDedup{processed: map[string]bool{}} }

func (d *fakeDedup) IsProcessed(ctx context.Context, network, txID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processed[network+":"+txID]
}

func (d *fakeDedup) MarkProcessed(ctx context.Context, network, txID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processed[network+":"+txID] = true
}

func (d *fakeDedup) Unmark(ctx context.Context, network, txID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.processed, network+":"+txID)
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return "", false
	}
	l.held[key] = true
	return key, true
}

func (l *fakeLocker) Release(ctx context.Context, key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func (l *fakeLocker) Exists(ctx context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

// fakeOrders settles each order once, like the ledger_tx_id unique index.
type fakeOrders struct {
	mu       sync.Mutex
	order    *models.Order
	kind     orders.MatchKind
	matchErr error
	paidErr  error
	paidBy   map[uuid.UUID]string
	markPaid int
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		order:  &models.Order{ID: uuid.New(), Status: enums.OrderStatusPending, PaymentStatus: enums.PaymentStatusUnpaid},
		kind:   orders.MatchExact,
		paidBy: map[uuid.UUID]string{},
	}
}

func (f *fakeOrders) Match(ctx context.Context, transfer ledger.Transfer) (orders.MatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matchErr != nil {
		return orders.MatchResult{}, f.matchErr
	}
	for id, tx := range f.paidBy {
		if tx == transfer.ID {
			return orders.MatchResult{Kind: orders.MatchDuplicate, Order: &models.Order{ID: id}}, nil
		}
	}
	if f.kind == orders.MatchNone {
		return orders.MatchResult{Kind: orders.MatchNone}, nil
	}
	return orders.MatchResult{Kind: f.kind, Order: f.order}, nil
}

func (f *fakeOrders) MarkPaid(ctx context.Context, id uuid.UUID, transfer ledger.Transfer) (orders.TransitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markPaid++
	if f.paidErr != nil {
		return orders.TransitionResult{}, f.paidErr
	}
	if _, ok := f.paidBy[id]; ok {
		return orders.TransitionResult{Reason: orders.ReasonAlreadyPaid}, nil
	}
	f.paidBy[id] = transfer.ID
	paid := *f.order
	paid.Status = enums.OrderStatusPaid
	paid.PaymentStatus = enums.PaymentStatusPaid
	return orders.TransitionResult{Applied: true, From: enums.OrderStatusPending, To: enums.OrderStatusPaid, Order: &paid}, nil
}

type fakeFulfiller struct {
	mu    sync.Mutex
	err   error
	calls []uuid.UUID
}

func (f *fakeFulfiller) Fulfill(ctx context.Context, order *models.Order) (delegation.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, order.ID)
	if f.err != nil {
		return delegation.Outcome{}, f.err
	}
	return delegation.Outcome{OrderID: order.ID, Status: delegation.OutcomeGranted, GrantTxID: "grant-" + order.ID.String()[:4]}, nil
}

type pipelineFixture struct {
	info      *fakeInfo
	dedup     *fakeDedup
	locker    *fakeLocker
	orders    *fakeOrders
	fulfiller *fakeFulfiller
	pipeline  *Pipeline
}

func newPipelineFixture(t *testing.T, txIDs ...string) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		info:      confirmed(txIDs...),
		dedup:     newFakeDedup(),
		locker:    newFakeLocker(),
		orders:    newFakeOrders(),
		fulfiller: &fakeFulfiller{},
	}
	pipeline, err := NewPipeline(PipelineParams{
		Parser:    newTestParser(t, f.info),
		Dedup:     f.dedup,
		Locker:    f.locker,
		LockTTL:   30 * time.Second,
		Matcher:   f.orders,
		Payments:  f.orders,
		Fulfiller: f.fulfiller,
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)
	f.pipeline = pipeline
	return f
}

func TestHandleSettlesAndFulfills(t *testing.T) {
	f := newPipelineFixture(t, "tx1")

	res, err := f.pipeline.Handle(context.Background(), "nile", monitoredAddr, trxTx(t, "tx1", 100_000_000, monitoredAddr, testNow))
	require.NoError(t, err)

	require.Equal(t, DispositionSettled, res.Disposition)
	require.Equal(t, f.orders.order.ID, res.OrderID)
	require.NotNil(t, res.Fulfillment)
	require.Equal(t, delegation.OutcomeGranted, res.Fulfillment.Status)
	require.True(t, f.dedup.IsProcessed(context.Background(), "nile", "tx1"))
	require.False(t, f.locker.Exists(context.Background(), "tx:nile:tx1"))
}

func TestHandleSameTransactionTwiceSettlesOnce(t *testing.T) {
	f := newPipelineFixture(t, "tx1")
	raw := trxTx(t, "tx1", 100_000_000, monitoredAddr, testNow)

	first, err := f.pipeline.Handle(context.Background(), "nile", monitoredAddr, raw)
	require.NoError(t, err)
	second, err := f.pipeline.Handle(context.Background(), "nile", monitoredAddr, raw)
	require.NoError(t, err)

	require.Equal(t, DispositionSettled, first.Disposition)
	require.Equal(t, DispositionAlreadyProcessed, second.Disposition)
	require.Equal(t, 1, f.orders.markPaid)
	require.Len(t, f.fulfiller.calls, 1)
}

func TestHandleDedupOutageFallsBackToDuplicateMatch(t *testing.T) {
	f := newPipelineFixture(t, "tx1")
	raw := trxTx(t, "tx1", 100_000_000, monitoredAddr, testNow)

	_, err := f.pipeline.Handle(context.Background(), "nile", monitoredAddr, raw)
	require.NoError(t, err)
	// a cache that lost its marker still hits the settled-order guard
	f.dedup.Unmark(context.Background(), "nile", "tx1")

	res, err := f.pipeline.Handle(context.Background(), "nile", monitoredAddr, raw)
	require.NoError(t, err)
	require.Equal(t, DispositionDuplicate, res.Disposition)
	require.Len(t, f.fulfiller.calls, 1)
}

func TestHandleConcurrentDeliveriesSettleOnce(t *testing.T) {
	f := newPipelineFixture(t, "tx1")
	raw := trxTx(t, "tx1", 100_000_000, monitoredAddr, testNow)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.pipeline.Handle(context.Background(), "nile", monitoredAddr, raw)
		}()
	}
	wg.Wait()

	require.Len(t, f.fulfiller.calls, 1)
	require.Len(t, f.orders.paidBy, 1)
}

func TestHandleUnmatchedIsMarkedProcessed(t *testing.T) {
	f := newPipelineFixture(t, "tx1")
	f.orders.kind = orders.MatchNone

	res, err := f.pipeline.Handle(context.Background(), "nile", monitoredAddr, trxTx(t, "tx1", 7_000_000, monitoredAddr, testNow))
	require.NoError(t, err)

	require.Equal(t, DispositionUnmatched, res.Disposition)
	require.True(t, f.dedup.IsProcessed(context.Background(), "nile", "tx1"))
	require.Zero(t, f.orders.markPaid)
}

func TestHandleNotReadyAndIgnored(t *testing.T) {
	f := newPipelineFixture(t, "tx1")

	res, err := f.pipeline.Handle(context.Background(), "nile", monitoredAddr, trxTx(t, "unconfirmed", 1_000_000, monitoredAddr, testNow))
	require.NoError(t, err)
	require.Equal(t, DispositionNotReady, res.Disposition)

	// outbound transfer from the monitored address
	res, err = f.pipeline.Handle(context.Background(), "nile", monitoredAddr, trxTx(t, "tx1", 1_000_000, senderAddr, testNow))
	require.NoError(t, err)
	require.Equal(t, DispositionIgnored, res.Disposition)
	require.False(t, f.dedup.IsProcessed(context.Background(), "nile", "tx1"))
}

func TestHandleLockedTransactionIsSkipped(t *testing.T) {
	f := newPipelineFixture(t, "tx1")
	_, held := f.locker.Acquire(context.Background(), "tx:nile:tx1", time.Minute)
	require.True(t, held)

	res, err := f.pipeline.Handle(context.Background(), "nile", monitoredAddr, trxTx(t, "tx1", 1_000_000, monitoredAddr, testNow))
	require.NoError(t, err)
	require.Equal(t, DispositionLocked, res.Disposition)
	require.Zero(t, f.orders.markPaid)
}

func TestHandleErrorsBeforePaymentLeaveTransactionUnmarked(t *testing.T) {
	f := newPipelineFixture(t, "tx1")
	f.orders.matchErr = errors.New("db down")
	raw := trxTx(t, "tx1", 1_000_000, monitoredAddr, testNow)

	_, err := f.pipeline.Handle(context.Background(), "nile", monitoredAddr, raw)
	require.Error(t, err)
	require.False(t, f.dedup.IsProcessed(context.Background(), "nile", "tx1"))

	f.orders.matchErr = nil
	f.orders.paidErr = errors.New("db down")
	_, err = f.pipeline.Handle(context.Background(), "nile", monitoredAddr, raw)
	require.Error(t, err)
	require.False(t, f.dedup.IsProcessed(context.Background(), "nile", "tx1"))
	require.False(t, f.locker.Exists(context.Background(), "tx:nile:tx1"))
}

func TestHandleFulfillmentErrorKeepsSettlement(t *testing.T) {
	f := newPipelineFixture(t, "tx1")
	f.fulfiller.err = errors.New("pool query failed")

	res, err := f.pipeline.Handle(context.Background(), "nile", monitoredAddr, trxTx(t, "tx1", 1_000_000, monitoredAddr, testNow))
	require.NoError(t, err)
	require.Equal(t, DispositionSettled, res.Disposition)
	require.Nil(t, res.Fulfillment)
	require.True(t, f.dedup.IsProcessed(context.Background(), "nile", "tx1"))
}
