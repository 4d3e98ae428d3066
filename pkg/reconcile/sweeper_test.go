package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flaboy/aira-checkout/pkg/checkout"
	"github.com/flaboy/aira-checkout/pkg/events"
	"github.com/flaboy/aira-checkout/pkg/orders"
	"github.com/flaboy/aira-checkout/pkg/session"
	"github.com/flaboy/aira-checkout/pkg/testutil"
	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/flaboy/aira-checkout/pkg/wallet"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const grace = 15 * time.Minute

type fixture struct {
	svc     *checkout.Service
	store   *orders.Store
	ledger  *wallet.Ledger
	locks   *session.Coordinator
	gateway *testutil.FakeGateway
	clock   *testutil.Clock
	sweeper *Sweeper
	paid    map[string]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		clock:   testutil.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		gateway: testutil.NewFakeGateway(),
		paid:    map[string]int{},
	}
	d := events.NewDispatcher()
	d.RegisterPaidHandler(events.PaidHandlerFunc(func(ctx context.Context, e *types.OrderPaidEvent) error {
		f.paid[e.OrderID]++
		return nil
	}))

	catalog := testutil.NewFakeCatalog()
	catalog.Set("course", "go-101", "49.99")

	f.store = orders.NewStore(db, orders.WithClock(f.clock.Now), orders.WithDispatcher(d))
	f.ledger = wallet.NewLedger(db, wallet.WithClock(f.clock.Now))
	f.locks = session.NewCoordinator(rdb, session.WithClock(f.clock.Now))
	f.svc = checkout.NewService(checkout.Deps{
		DB:      db,
		Orders:  f.store,
		Ledger:  f.ledger,
		Locks:   f.locks,
		Gateway: f.gateway,
		Catalog: catalog,
		Events:  d,
	}, checkout.Options{Currency: "USD", RequestTimeout: time.Second})
	f.sweeper = NewSweeper(f.store, f.svc, Options{GracePeriod: grace, BatchSize: 50, VerifyRate: 1000})
	return f
}

func (f *fixture) startGateway(t *testing.T, actor string) *types.InitiateResult {
	t.Helper()
	res, err := f.svc.Initiate(context.Background(), types.InitiateRequest{
		ActorID:       actor,
		Items:         []types.CartLine{{ItemID: "go-101", ItemType: types.ItemTypeCourse}},
		PaymentMethod: types.PaymentMethodGateway,
		SessionID:     "tab-" + actor,
	})
	require.NoError(t, err)
	return res
}

// stuckWallet leaves a wallet record PENDING, as a crash between debit and the
// PAID transition would.
func (f *fixture) stuckWallet(t *testing.T, actor string, debit bool) string {
	t.Helper()
	ctx := context.Background()
	o, err := f.store.Create(ctx, &types.Draft{
		ID:             uuid.NewString(),
		ActorID:        actor,
		Kind:           types.PurchaseKindOrder,
		Items:          []types.ResourceRef{{ItemID: "go-101", ItemType: types.ItemTypeCourse, UnitPrice: decimal.RequireFromString("49.99")}},
		Amount:         decimal.RequireFromString("49.99"),
		Currency:       "USD",
		PaymentMethod:  types.PaymentMethodWallet,
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	if debit {
		_, err = f.ledger.Credit(ctx, actor, decimal.NewFromInt(100), "")
		require.NoError(t, err)
		_, err = f.ledger.Debit(ctx, actor, o.Amount, o.ID)
		require.NoError(t, err)
	}
	return o.ID
}

func (f *fixture) state(t *testing.T, id string) types.OrderState {
	t.Helper()
	o, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return o.State
}

func TestSweepOnce_SettlesAbandonedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	abandoned := f.startGateway(t, "alice")
	paidNoCallback := f.startGateway(t, "bob")
	f.gateway.Pay(paidNoCallback.Intent.GatewayOrderRef)
	walletDebited := f.stuckWallet(t, "carol", true)
	walletNoDebit := f.stuckWallet(t, "dave", false)

	// nothing is old enough yet
	report, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)

	f.clock.Advance(grace + time.Minute)
	fresh := f.startGateway(t, "erin")

	report, err = f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Report{Scanned: 4, Paid: 2, Failed: 2}, report)

	assert.Equal(t, types.OrderStateFailed, f.state(t, abandoned.OrderID))
	assert.Equal(t, types.OrderStatePaid, f.state(t, paidNoCallback.OrderID))
	assert.Equal(t, types.OrderStatePaid, f.state(t, walletDebited))
	assert.Equal(t, types.OrderStateFailed, f.state(t, walletNoDebit))
	assert.Equal(t, types.OrderStatePending, f.state(t, fresh.OrderID))
	assert.Equal(t, 1, f.paid[paidNoCallback.OrderID])
	assert.Equal(t, 1, f.paid[walletDebited])

	// the swept session's lock is gone
	ok, err := f.locks.Acquire(ctx, "actor:alice", "tab-new", types.PaymentMethodGateway)
	require.NoError(t, err)
	assert.True(t, ok)

	// converged: another pass has nothing old left to do
	report, err = f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
}

func TestSweepOnce_SkipsWhenGatewayDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.startGateway(t, "alice")
	f.gateway.Pay(res.Intent.GatewayOrderRef)
	f.clock.Advance(grace + time.Minute)
	f.gateway.SetVerifyErr(fmt.Errorf("503 from gateway"))

	report, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Report{Scanned: 1, Skipped: 1}, report)
	assert.Equal(t, types.OrderStatePending, f.state(t, res.OrderID))

	f.gateway.SetVerifyErr(nil)
	report, err = f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paid)
	assert.Equal(t, types.OrderStatePaid, f.state(t, res.OrderID))
}

func TestSweepOnce_FailingRecordsDoNotStarveYoungerOnes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sweeper := NewSweeper(f.store, f.svc, Options{GracePeriod: grace, BatchSize: 2, VerifyRate: 1000})

	for _, actor := range []string{"alice", "bob"} {
		res := f.startGateway(t, actor)
		f.gateway.FailVerify(res.Intent.GatewayOrderRef, fmt.Errorf("gateway answered 500 for %s", actor))
	}
	f.clock.Advance(time.Minute)
	younger := f.startGateway(t, "carol")
	f.clock.Advance(time.Hour)

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Report{Scanned: 2, Skipped: 2}, report)
	assert.Equal(t, types.OrderStatePending, f.state(t, younger.OrderID))

	report, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Report{Scanned: 1, Failed: 1}, report)
	assert.Equal(t, types.OrderStateFailed, f.state(t, younger.OrderID))

	// the lap wraps around to the records that are still failing
	report, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Report{Scanned: 2, Skipped: 2}, report)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
