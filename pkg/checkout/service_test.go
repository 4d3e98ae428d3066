package checkout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flaboy/aira-checkout/pkg/catalog"
	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/flaboy/aira-checkout/pkg/events"
	"github.com/flaboy/aira-checkout/pkg/orders"
	"github.com/flaboy/aira-checkout/pkg/session"
	"github.com/flaboy/aira-checkout/pkg/testutil"
	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/flaboy/aira-checkout/pkg/wallet"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc      *Service
	store    *orders.Store
	ledger   *wallet.Ledger
	locks    *session.Coordinator
	gateway  *testutil.FakeGateway
	catalog  *testutil.FakeCatalog
	clock    *testutil.Clock
	mu       sync.Mutex
	paid     map[string]int
	terminal []*types.OrderTerminalEvent
	paidErr  error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		clock:   testutil.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		gateway: testutil.NewFakeGateway(),
		catalog: testutil.NewFakeCatalog(),
		paid:    map[string]int{},
	}

	d := events.NewDispatcher()
	d.RegisterPaidHandler(events.PaidHandlerFunc(func(ctx context.Context, e *types.OrderPaidEvent) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.paidErr != nil {
			return h.paidErr
		}
		h.paid[e.OrderID]++
		return nil
	}))
	d.RegisterTerminalHandler(events.TerminalHandlerFunc(func(ctx context.Context, e *types.OrderTerminalEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.terminal = append(h.terminal, e)
	}))

	h.store = orders.NewStore(db, orders.WithClock(h.clock.Now), orders.WithDispatcher(d))
	h.ledger = wallet.NewLedger(db, wallet.WithClock(h.clock.Now))
	h.locks = session.NewCoordinator(rdb, session.WithClock(h.clock.Now))
	h.svc = NewService(Deps{
		DB:      db,
		Orders:  h.store,
		Ledger:  h.ledger,
		Locks:   h.locks,
		Gateway: h.gateway,
		Catalog: h.catalog,
		Events:  d,
	}, Options{Currency: "USD", RequestTimeout: time.Second})

	h.catalog.Set("course", "go-101", "49.99")
	h.catalog.Set("learningPath", "backend", "100")
	h.catalog.Set(catalog.KindSlot, "slot-9am", "30")
	return h
}

func (h *harness) fulfilled(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paid[orderID]
}

func (h *harness) fund(t *testing.T, actor, amount string) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), actor, decimal.RequireFromString(amount), "")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, actor string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), actor)
	require.NoError(t, err)
	return b
}

func cartRequest(actor, session string, method types.PaymentMethod) types.InitiateRequest {
	return types.InitiateRequest{
		ActorID: actor,
		Items: []types.CartLine{
			{ItemID: "go-101", ItemType: types.ItemTypeCourse},
			{ItemID: "backend", ItemType: types.ItemTypeLearningPath},
		},
		PaymentMethod: method,
		SessionID:     session,
		Nonce:         session,
	}
}

func bookingRequest(actor, session string, method types.PaymentMethod) types.InitiateRequest {
	return types.InitiateRequest{
		ActorID:       actor,
		SlotID:        "slot-9am",
		PaymentMethod: method,
		SessionID:     session,
		Nonce:         session,
	}
}

func TestInitiate_WalletExactBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", "149.99")

	res, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodWallet))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatePaid, res.State)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("149.99")))
	assert.Nil(t, res.Intent)

	assert.True(t, h.balance(t, "alice").IsZero())
	assert.Equal(t, 1, h.fulfilled(res.OrderID))

	o, err := h.svc.GetState(ctx, res.OrderID)
	require.NoError(t, err)
	assert.NotEmpty(t, o.GatewayPaymentRef)

	// lock was released: a new tab can start right away
	ok, err := h.locks.Acquire(ctx, "actor:alice", "tab-2", types.PaymentMethodGateway)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInitiate_WalletInsufficientFundsLeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", "100")

	req := cartRequest("alice", "tab-1", types.PaymentMethodWallet)
	_, err := h.svc.Initiate(ctx, req)
	require.ErrorIs(t, err, errors.ErrInsufficientFunds)
	assert.Equal(t, errors.KindFunds, errors.KindOf(err))

	assert.True(t, h.balance(t, "alice").Equal(decimal.NewFromInt(100)))
	pending, err := h.store.FindPendingByIdempotencyKey(ctx, IdempotencyKey(&req))
	require.NoError(t, err)
	assert.Nil(t, pending)
	assert.Empty(t, h.paid)

	ok, err := h.locks.Acquire(ctx, "actor:alice", "tab-2", types.PaymentMethodWallet)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInitiate_WalletPaidHandlerFailureReversesDebit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", "200")
	h.paidErr = fmt.Errorf("queue down")

	_, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodWallet))
	require.Error(t, err)
	assert.True(t, h.balance(t, "alice").Equal(decimal.NewFromInt(200)))

	require.Len(t, h.terminal, 1)
	assert.Equal(t, types.OrderStateFailed, h.terminal[0].State)
	o, err := h.svc.GetState(ctx, h.terminal[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateFailed, o.State)
}

func TestGateway_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatePending, res.State)
	require.NotNil(t, res.Intent)
	assert.True(t, res.Intent.Amount.Equal(decimal.RequireFromString("149.99")))

	o, err := h.svc.GetState(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, res.Intent.GatewayOrderRef, o.GatewayTransactionRef)
	require.Len(t, o.Items, 2)

	// the lock stays with the paying tab
	ok, err := h.locks.Acquire(ctx, "actor:alice", "tab-2", types.PaymentMethodGateway)
	require.NoError(t, err)
	assert.False(t, ok)

	h.gateway.Pay(res.Intent.GatewayOrderRef)
	state, err := h.svc.Complete(ctx, res.OrderID, res.Intent.GatewayOrderRef)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatePaid, state.State)
	assert.Equal(t, 1, h.fulfilled(res.OrderID))

	o, err = h.svc.GetState(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "CAP-"+res.Intent.GatewayOrderRef, o.GatewayPaymentRef)

	ok, err = h.locks.Acquire(ctx, "actor:alice", "tab-2", types.PaymentMethodGateway)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestComplete_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Initiate(ctx, bookingRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)
	h.gateway.Pay(res.Intent.GatewayOrderRef)

	for i := 0; i < 3; i++ {
		state, err := h.svc.Complete(ctx, res.OrderID, res.Intent.GatewayOrderRef)
		require.NoError(t, err)
		assert.Equal(t, types.OrderStatePaid, state.State)
	}
	assert.Equal(t, 1, h.fulfilled(res.OrderID))
	assert.Equal(t, 1, h.gateway.Verifies)
	assert.Len(t, h.terminal, 1)
}

func TestComplete_ConcurrentCallsFulfillOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)
	h.gateway.Pay(res.Intent.GatewayOrderRef)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := h.svc.Complete(ctx, res.OrderID, "")
			if assert.NoError(t, err) {
				assert.Equal(t, types.OrderStatePaid, state.State)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.fulfilled(res.OrderID))
}

func TestComplete_UnverifiedFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)

	// client claims success without paying
	state, err := h.svc.Complete(ctx, res.OrderID, res.Intent.GatewayOrderRef)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateFailed, state.State)
	assert.Zero(t, h.fulfilled(res.OrderID))
}

func TestComplete_GatewayOutageKeepsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)
	h.gateway.Pay(res.Intent.GatewayOrderRef)
	h.gateway.SetVerifyErr(fmt.Errorf("connection reset"))

	_, err = h.svc.Complete(ctx, res.OrderID, "")
	require.ErrorIs(t, err, errors.ErrGatewayUnavailable)
	o, err := h.svc.GetState(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatePending, o.State)

	h.gateway.SetVerifyErr(nil)
	state, err := h.svc.Complete(ctx, res.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatePaid, state.State)
}

func TestComplete_RejectsWalletOrders(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", "500")
	res, err := h.svc.Initiate(context.Background(), cartRequest("alice", "tab-1", types.PaymentMethodWallet))
	require.NoError(t, err)

	_, err = h.svc.Complete(context.Background(), res.OrderID, "")
	assert.ErrorIs(t, err, errors.ErrInvalidPaymentMethod)
}

func TestInitiate_SecondTabGetsLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)

	_, err = h.svc.Initiate(ctx, cartRequest("alice", "tab-2", types.PaymentMethodGateway))
	require.ErrorIs(t, err, errors.ErrLockHeld)
	assert.Equal(t, errors.KindContention, errors.KindOf(err))
}

func TestInitiate_StaleLockIsTakenOver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)

	h.clock.Advance(session.DefaultTTL + time.Second)
	second, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-2", types.PaymentMethodGateway))
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, second.OrderID)
}

func TestInitiate_DuplicateCallCollapses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := cartRequest("alice", "tab-1", types.PaymentMethodGateway)

	first, err := h.svc.Initiate(ctx, req)
	require.NoError(t, err)
	again, err := h.svc.Initiate(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Equal(t, first.Intent.GatewayOrderRef, again.Intent.GatewayOrderRef)
	assert.Equal(t, 1, h.gateway.Creates)
}

func TestInitiate_TabsWithoutNonceDoNotCollapse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := cartRequest("alice", "tab-1", types.PaymentMethodGateway)
	first.Nonce = ""
	res, err := h.svc.Initiate(ctx, first)
	require.NoError(t, err)

	// a reload of the same tab still collapses
	again, err := h.svc.Initiate(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, again.OrderID)

	second := cartRequest("alice", "tab-2", types.PaymentMethodGateway)
	second.Nonce = ""
	_, err = h.svc.Initiate(ctx, second)
	assert.ErrorIs(t, err, errors.ErrLockHeld)
}

func TestInitiate_ZeroTotalIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog.Set("course", "intro", "0")
	h.fund(t, "alice", "10")

	for _, method := range []types.PaymentMethod{types.PaymentMethodWallet, types.PaymentMethodGateway} {
		req := types.InitiateRequest{
			ActorID:       "alice",
			Items:         []types.CartLine{{ItemID: "intro", ItemType: types.ItemTypeCourse}},
			PaymentMethod: method,
			SessionID:     "tab-1",
			Nonce:         "free",
		}
		_, err := h.svc.Initiate(ctx, req)
		require.ErrorIs(t, err, errors.ErrZeroAmount)
		assert.Equal(t, errors.KindInvalid, errors.KindOf(err))

		pending, err := h.store.FindPendingByIdempotencyKey(ctx, IdempotencyKey(&req))
		require.NoError(t, err)
		assert.Nil(t, pending)
	}
	assert.Equal(t, 0, h.gateway.Creates)
	assert.True(t, h.balance(t, "alice").Equal(decimal.NewFromInt(10)))

	// the lock was released
	_, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-2", types.PaymentMethodGateway))
	assert.NoError(t, err)
}

func TestInitiate_ConcurrentBookingsForOneSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const buyers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []string
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := fmt.Sprintf("user-%d", i)
			res, err := h.svc.Initiate(ctx, bookingRequest(actor, actor, types.PaymentMethodGateway))
			if err != nil {
				assert.ErrorIs(t, err, errors.ErrSlotUnavailable)
				assert.Equal(t, errors.KindUnavailable, errors.KindOf(err))
				return
			}
			mu.Lock()
			succeeded = append(succeeded, res.OrderID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.Len(t, succeeded, 1)

	live, err := h.store.ActiveBookingForSlot(ctx, "slot-9am")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, succeeded[0], live.ID)
}

func TestInitiate_TakenSlotWithoutLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", "30")

	res, err := h.svc.Initiate(ctx, bookingRequest("alice", "tab-1", types.PaymentMethodWallet))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatePaid, res.State)

	// lock is free again, the paid booking still holds the slot
	_, err = h.svc.Initiate(ctx, bookingRequest("bob", "tab-b", types.PaymentMethodGateway))
	require.ErrorIs(t, err, errors.ErrSlotUnavailable)
	assert.NotErrorIs(t, err, errors.ErrLockHeld)
}

func TestInitiate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  types.InitiateRequest
		want error
	}{
		{"missing actor", types.InitiateRequest{Items: []types.CartLine{{ItemID: "go-101", ItemType: types.ItemTypeCourse}}, PaymentMethod: types.PaymentMethodWallet}, errors.ErrInvalidRequest},
		{"bad method", types.InitiateRequest{ActorID: "a", SlotID: "slot-9am", PaymentMethod: "cash"}, errors.ErrInvalidPaymentMethod},
		{"empty cart", types.InitiateRequest{ActorID: "a", PaymentMethod: types.PaymentMethodGateway}, errors.ErrEmptyCart},
		{"bad item type", types.InitiateRequest{ActorID: "a", Items: []types.CartLine{{ItemID: "x", ItemType: "ebook"}}, PaymentMethod: types.PaymentMethodGateway}, errors.ErrInvalidRequest},
		{"unknown item", types.InitiateRequest{ActorID: "a", Items: []types.CartLine{{ItemID: "nope", ItemType: types.ItemTypeCourse}}, PaymentMethod: types.PaymentMethodGateway}, errors.ErrPriceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Initiate(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInitiate_IntentFailureLeavesRetryableRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.CreateErr = fmt.Errorf("gateway timeout")

	_, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.ErrorIs(t, err, errors.ErrGatewayUnavailable)
	require.Len(t, h.terminal, 1)
	failedID := h.terminal[0].OrderID
	assert.Equal(t, types.OrderStateFailed, h.terminal[0].State)

	h.gateway.CreateErr = nil
	res, err := h.svc.Retry(ctx, failedID, "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatePending, res.State)
	require.NotNil(t, res.Intent)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Initiate(ctx, bookingRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)

	state, err := h.svc.Cancel(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateCancelled, state.State)

	// redundant cancel and a late markFailed are no-ops
	state, err = h.svc.Cancel(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateCancelled, state.State)
	state, err = h.svc.MarkFailed(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateCancelled, state.State)
	assert.Len(t, h.terminal, 1)

	// the slot is free for someone else
	_, err = h.svc.Initiate(ctx, bookingRequest("bob", "tab-b", types.PaymentMethodGateway))
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrOrderNotFound)
}

func TestRetry_CreatesNewRecordAndKeepsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)
	state, err := h.svc.MarkFailed(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateFailed, state.State)

	// prices moved since the first quote; the retry honors the original amount
	h.catalog.Set("course", "go-101", "79.99")

	retry, err := h.svc.Retry(ctx, first.OrderID, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, retry.OrderID)
	assert.True(t, retry.Amount.Equal(first.Amount))
	require.NotNil(t, retry.Intent)
	assert.NotEqual(t, first.Intent.GatewayOrderRef, retry.Intent.GatewayOrderRef)

	// asking again while the retry is pending returns the same attempt
	again, err := h.svc.Retry(ctx, first.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, retry.OrderID, again.OrderID)

	h.gateway.Pay(retry.Intent.GatewayOrderRef)
	done, err := h.svc.Complete(ctx, retry.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatePaid, done.State)

	original, err := h.svc.GetState(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateFailed, original.State)
	child, err := h.svc.GetState(ctx, retry.OrderID)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, child.RetryOf)
	assert.Equal(t, original.Items, child.Items)

	_, err = h.svc.Retry(ctx, first.OrderID, "")
	assert.ErrorIs(t, err, errors.ErrRetryNotAllowed)
}

func TestRetry_OldRecordReplayKeepsRetryLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)
	_, err = h.svc.MarkFailed(ctx, first.OrderID)
	require.NoError(t, err)

	retry, err := h.svc.Retry(ctx, first.OrderID, "")
	require.NoError(t, err)
	original, err := h.store.GetByID(ctx, first.OrderID)
	require.NoError(t, err)
	child, err := h.store.GetByID(ctx, retry.OrderID)
	require.NoError(t, err)
	assert.NotEqual(t, original.SessionID, child.SessionID)

	// replays on the failed record answer with its state and leave the retry's lock alone
	for _, replay := range []func(context.Context, string) (*types.StateResult, error){
		h.svc.Cancel, h.svc.MarkFailed,
	} {
		state, err := replay(ctx, first.OrderID)
		require.NoError(t, err)
		assert.Equal(t, types.OrderStateFailed, state.State)
	}
	state, err := h.svc.Complete(ctx, first.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateFailed, state.State)

	_, err = h.svc.Initiate(ctx, cartRequest("alice", "tab-2", types.PaymentMethodGateway))
	assert.ErrorIs(t, err, errors.ErrLockHeld)
}

func TestRetry_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", "1000")

	pending, err := h.svc.Initiate(ctx, bookingRequest("bob", "tab-b", types.PaymentMethodGateway))
	require.NoError(t, err)
	_, err = h.svc.Retry(ctx, pending.OrderID, "")
	assert.ErrorIs(t, err, errors.ErrRetryNotAllowed)

	paid, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-1", types.PaymentMethodWallet))
	require.NoError(t, err)
	_, err = h.svc.Retry(ctx, paid.OrderID, "")
	assert.ErrorIs(t, err, errors.ErrRetryNotAllowed)
}

func TestRetry_BookingSlotTakenMeanwhile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Initiate(ctx, bookingRequest("alice", "tab-1", types.PaymentMethodGateway))
	require.NoError(t, err)
	_, err = h.svc.MarkFailed(ctx, first.OrderID)
	require.NoError(t, err)

	_, err = h.svc.Initiate(ctx, bookingRequest("bob", "tab-b", types.PaymentMethodGateway))
	require.NoError(t, err)

	_, err = h.svc.Retry(ctx, first.OrderID, "")
	assert.ErrorIs(t, err, errors.ErrSlotUnavailable)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	paid, err := h.svc.Initiate(ctx, cartRequest("alice", "tab-a", types.PaymentMethodGateway))
	require.NoError(t, err)
	abandoned, err := h.svc.Initiate(ctx, cartRequest("bob", "tab-b", types.PaymentMethodGateway))
	require.NoError(t, err)
	h.gateway.Pay(paid.Intent.GatewayOrderRef)

	for id, want := range map[string]types.OrderState{
		paid.OrderID:      types.OrderStatePaid,
		abandoned.OrderID: types.OrderStateFailed,
	} {
		o, err := h.store.GetByID(ctx, id)
		require.NoError(t, err)
		settled, err := h.svc.Reconcile(ctx, o)
		require.NoError(t, err)
		assert.Equal(t, want, settled.State)
	}
	assert.Equal(t, 1, h.fulfilled(paid.OrderID))
	assert.Equal(t, SourceSweeper, h.terminal[len(h.terminal)-1].Source)

	// a late complete agrees with the sweeper
	state, err := h.svc.Complete(ctx, paid.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatePaid, state.State)
	assert.Equal(t, 1, h.fulfilled(paid.OrderID))
}
