package checkout

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flaboy/aira-checkout/pkg/catalog"
	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/flaboy/aira-checkout/pkg/events"
	"github.com/flaboy/aira-checkout/pkg/orders"
	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/flaboy/aira-checkout/pkg/wallet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	SourceCheckout = "checkout"
	SourceSweeper  = "sweeper"
)

// Gateway is the part of a payment channel the orchestrator drives.
type Gateway interface {
	CreateIntent(ctx context.Context, req types.IntentRequest) (*types.GatewayIntent, error)
	Verify(ctx context.Context, gatewayOrderRef, proof string) (*types.Verification, error)
}

// Catalog supplies the binding price of an item or slot.
type Catalog interface {
	GetCurrentPrice(ctx context.Context, kind, id string) (decimal.Decimal, error)
}

// Locker is the payment session coordinator.
type Locker interface {
	Acquire(ctx context.Context, scopeKey, sessionID string, method types.PaymentMethod) (bool, error)
	Release(ctx context.Context, scopeKey, sessionID string) error
}

type Deps struct {
	DB      *gorm.DB
	Orders  *orders.Store
	Ledger  *wallet.Ledger
	Locks   Locker
	Gateway Gateway
	Catalog Catalog
	Events  *events.Dispatcher
}

type Options struct {
	Currency string
	// RequestTimeout bounds every gateway and catalog call. Keep it below the lock TTL.
	RequestTimeout time.Duration
}

// Service runs the checkout state machine for cart orders and slot bookings.
type Service struct {
	db      *gorm.DB
	orders  *orders.Store
	ledger  *wallet.Ledger
	locks   Locker
	gateway Gateway
	catalog Catalog
	events  *events.Dispatcher
	opts    Options
}

func NewService(deps Deps, opts Options) *Service {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Service{
		db:      deps.DB,
		orders:  deps.Orders,
		ledger:  deps.Ledger,
		locks:   deps.Locks,
		gateway: deps.Gateway,
		catalog: deps.Catalog,
		events:  deps.Events,
		opts:    opts,
	}
}

// Initiate starts a checkout attempt. Wallet payments settle before returning;
// gateway payments return a PENDING record with the intent the client must approve.
func (s *Service) Initiate(ctx context.Context, req types.InitiateRequest) (*types.InitiateResult, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	key := IdempotencyKey(&req)

	existing, err := s.orders.FindPendingByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		slog.Info("[Checkout] initiate collapsed into pending attempt", "orderID", existing.ID, "actorID", req.ActorID)
		return s.resume(ctx, existing)
	}

	kind := req.Kind()
	scope := types.ScopeKeyFor(kind, req.ActorID, req.SlotID)
	if err := s.acquire(ctx, scope, req.SessionID, req.PaymentMethod, kind); err != nil {
		return nil, err
	}
	held := true
	defer func() {
		if held {
			s.release(ctx, scope, req.SessionID)
		}
	}()

	draft, err := s.price(ctx, &req)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(draft); err != nil {
		return nil, err
	}
	draft.ID = uuid.NewString()
	draft.IdempotencyKey = key
	draft.SessionID = req.SessionID

	if kind == types.PurchaseKindBooking {
		if err := s.checkSlot(ctx, draft.SlotID); err != nil {
			return nil, err
		}
	}

	if req.PaymentMethod == types.PaymentMethodWallet {
		return s.payWithWallet(ctx, draft)
	}

	result, err := s.startGatewayAttempt(ctx, draft)
	if err != nil {
		return nil, err
	}
	// the lock stays with the session until complete, cancel or the sweeper
	held = result.State != types.OrderStatePending
	return result, nil
}

// Complete verifies a gateway payment and settles the order. Replaying it on a
// settled order returns the stored state without side effects.
func (s *Service) Complete(ctx context.Context, orderID, proof string) (*types.StateResult, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentMethod != types.PaymentMethodGateway {
		return nil, fmt.Errorf("complete %s: %w", orderID, errors.ErrInvalidPaymentMethod)
	}
	defer s.release(ctx, o.ScopeKey(), o.SessionID)

	if o.State.IsTerminal() {
		return stateOf(o), nil
	}

	verification := &types.Verification{Status: "NO_GATEWAY_REF"}
	if o.GatewayTransactionRef != "" {
		vctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		verification, err = s.gateway.Verify(vctx, o.GatewayTransactionRef, proof)
		cancel()
		if err != nil {
			// PENDING is kept; the client may call again or the sweeper settles it
			slog.Warn("[Checkout] verify failed", "orderID", o.ID, "error", err)
			return nil, gatewayError(err)
		}
	}

	settled, err := s.settle(ctx, o, verification, SourceCheckout)
	if err != nil {
		return nil, err
	}
	return stateOf(settled), nil
}

// Cancel abandons a PENDING attempt. Terminal records are returned unchanged.
func (s *Service) Cancel(ctx context.Context, orderID string) (*types.StateResult, error) {
	return s.abandon(ctx, orderID, types.OrderStateCancelled)
}

// MarkFailed moves a PENDING attempt to FAILED so it can be retried.
func (s *Service) MarkFailed(ctx context.Context, orderID string) (*types.StateResult, error) {
	return s.abandon(ctx, orderID, types.OrderStateFailed)
}

// Retry starts a new gateway attempt for a FAILED order. The failed record is kept
// as history; the new record points at it through RetryOf and keeps its amount.
func (s *Service) Retry(ctx context.Context, orderID, sessionID string) (*types.InitiateResult, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.State != types.OrderStateFailed || o.PaymentMethod != types.PaymentMethodGateway {
		return nil, fmt.Errorf("retry %s in state %s: %w", o.ID, o.State, errors.ErrRetryNotAllowed)
	}

	retries, err := s.orders.ListRetriesOf(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range retries {
		switch r.State {
		case types.OrderStatePaid:
			return nil, fmt.Errorf("retry %s: already paid by %s: %w", o.ID, r.ID, errors.ErrRetryNotAllowed)
		case types.OrderStatePending:
			return s.resume(ctx, r)
		}
	}

	if sessionID == "" {
		// a fresh holder, so replays on the failed record cannot release this lock
		sessionID = uuid.NewString()
	}
	scope := o.ScopeKey()
	if err := s.acquire(ctx, scope, sessionID, o.PaymentMethod, o.Kind); err != nil {
		return nil, err
	}
	held := true
	defer func() {
		if held {
			s.release(ctx, scope, sessionID)
		}
	}()

	if o.Kind == types.PurchaseKindBooking {
		if err := s.checkSlot(ctx, o.SlotID); err != nil {
			return nil, err
		}
	}

	draft := &types.Draft{
		ID:             uuid.NewString(),
		ActorID:        o.ActorID,
		Kind:           o.Kind,
		Items:          o.Items,
		SlotID:         o.SlotID,
		Amount:         o.Amount,
		Currency:       o.Currency,
		PaymentMethod:  o.PaymentMethod,
		IdempotencyKey: o.IdempotencyKey,
		SessionID:      sessionID,
		RetryOf:        o.ID,
	}
	result, err := s.startGatewayAttempt(ctx, draft)
	if err != nil {
		return nil, err
	}
	held = result.State != types.OrderStatePending
	slog.Info("[Checkout] retry started", "orderID", result.OrderID, "retryOf", o.ID)
	return result, nil
}

// GetState returns the stored record so clients can poll instead of guessing.
func (s *Service) GetState(ctx context.Context, orderID string) (*types.Order, error) {
	return s.orders.GetByID(ctx, orderID)
}

// Reconcile settles a PENDING record left behind by a client that never came back.
// A gateway order is verified one last time; a wallet order is PAID only if its
// debit is still standing. A gateway transport error is returned and the record
// is left for the next pass.
func (s *Service) Reconcile(ctx context.Context, o *types.Order) (*types.Order, error) {
	if o.State.IsTerminal() {
		return o, nil
	}

	verification := &types.Verification{Status: "NO_GATEWAY_REF"}
	switch o.PaymentMethod {
	case types.PaymentMethodGateway:
		if o.GatewayTransactionRef != "" {
			vctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
			v, err := s.gateway.Verify(vctx, o.GatewayTransactionRef, "")
			cancel()
			if err != nil {
				return nil, gatewayError(err)
			}
			verification = v
		}
	case types.PaymentMethodWallet:
		debit, reversed, err := s.ledger.FindDebitForOrder(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		verification = &types.Verification{Verified: debit != nil && !reversed, Status: "LEDGER"}
		if debit != nil {
			verification.GatewayPaymentRef = debit.TxnID
		}
	}

	settled, err := s.settle(ctx, o, verification, SourceSweeper)
	if err != nil {
		return nil, err
	}
	s.release(ctx, o.ScopeKey(), o.SessionID)
	return settled, nil
}

// settle applies a verification result to a PENDING record. Losing the CAS to a
// concurrent caller is not an error: the winner's state is returned.
func (s *Service) settle(ctx context.Context, o *types.Order, v *types.Verification, source string) (*types.Order, error) {
	to := types.OrderStateFailed
	var opts []orders.TransitionOption
	if v.Verified {
		to = types.OrderStatePaid
		opts = append(opts, orders.WithGatewayPaymentRef(v.GatewayPaymentRef))
	}

	settled, err := s.orders.Transition(ctx, o.ID, types.OrderStatePending, to, opts...)
	if stderrors.Is(err, errors.ErrStaleTransition) {
		return s.orders.GetByID(ctx, o.ID)
	}
	if err != nil {
		return nil, err
	}

	if to == types.OrderStateFailed && o.PaymentMethod == types.PaymentMethodWallet {
		s.reverseDebit(ctx, o.ID)
	}
	slog.Info("[Checkout] order settled", "orderID", o.ID, "state", settled.State, "status", v.Status, "source", source)
	s.events.EmitOrderTerminal(ctx, types.NewOrderTerminalEvent(settled, source))
	return settled, nil
}

func (s *Service) abandon(ctx context.Context, orderID string, to types.OrderState) (*types.StateResult, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, o.ScopeKey(), o.SessionID)

	if o.State.IsTerminal() {
		return stateOf(o), nil
	}

	updated, err := s.orders.Transition(ctx, o.ID, types.OrderStatePending, to)
	if stderrors.Is(err, errors.ErrStaleTransition) {
		if updated, err = s.orders.GetByID(ctx, o.ID); err != nil {
			return nil, err
		}
		return stateOf(updated), nil
	}
	if err != nil {
		return nil, err
	}

	if o.PaymentMethod == types.PaymentMethodWallet {
		s.reverseDebit(ctx, o.ID)
	}
	slog.Info("[Checkout] order abandoned", "orderID", o.ID, "state", to)
	s.events.EmitOrderTerminal(ctx, types.NewOrderTerminalEvent(updated, SourceCheckout))
	return stateOf(updated), nil
}

// payWithWallet creates the record and takes the debit in one transaction, so a
// rejected debit leaves no record behind. The PAID transition follows separately
// and a failure there credits the debit back.
func (s *Service) payWithWallet(ctx context.Context, draft *types.Draft) (*types.InitiateResult, error) {
	var debit *types.Receipt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.orders.WithTx(tx).Create(ctx, draft); err != nil {
			return err
		}
		var err error
		debit, err = s.ledger.WithTx(tx).Debit(ctx, draft.ActorID, draft.Amount, draft.ID)
		return err
	})
	if err != nil {
		if stderrors.Is(err, orders.ErrDuplicateAttempt) {
			return s.collapse(ctx, draft.IdempotencyKey)
		}
		return nil, err
	}

	paid, err := s.orders.Transition(ctx, draft.ID, types.OrderStatePending, types.OrderStatePaid,
		orders.WithGatewayPaymentRef(debit.TxnID))
	if err != nil {
		slog.Error("[Checkout] wallet order not marked paid, reversing debit", "orderID", draft.ID, "txnID", debit.TxnID, "error", err)
		failed, ferr := s.orders.Transition(ctx, draft.ID, types.OrderStatePending, types.OrderStateFailed)
		if ferr == nil {
			s.events.EmitOrderTerminal(ctx, types.NewOrderTerminalEvent(failed, SourceCheckout))
		}
		if _, rerr := s.ledger.Reverse(ctx, debit.TxnID); rerr != nil {
			slog.Error("[Checkout] reverse debit failed", "orderID", draft.ID, "txnID", debit.TxnID, "error", rerr)
		}
		return nil, err
	}

	slog.Info("[Checkout] wallet order paid", "orderID", paid.ID, "actorID", paid.ActorID, "amount", paid.Amount.String())
	s.events.EmitOrderTerminal(ctx, types.NewOrderTerminalEvent(paid, SourceCheckout))
	return &types.InitiateResult{OrderID: paid.ID, State: paid.State, Amount: paid.Amount}, nil
}

// startGatewayAttempt persists a PENDING record and opens its gateway intent. When
// the intent cannot be created the record is failed so it can be retried.
func (s *Service) startGatewayAttempt(ctx context.Context, draft *types.Draft) (*types.InitiateResult, error) {
	o, err := s.orders.Create(ctx, draft)
	if stderrors.Is(err, orders.ErrDuplicateAttempt) {
		return s.collapse(ctx, draft.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}

	intent, err := s.openIntent(ctx, o)
	if err != nil {
		slog.Error("[Checkout] create intent failed", "orderID", o.ID, "error", err)
		if failed, ferr := s.orders.Transition(ctx, o.ID, types.OrderStatePending, types.OrderStateFailed); ferr == nil {
			s.events.EmitOrderTerminal(ctx, types.NewOrderTerminalEvent(failed, SourceCheckout))
		}
		return nil, gatewayError(err)
	}

	slog.Info("[Checkout] gateway attempt opened", "orderID", o.ID, "kind", o.Kind, "amount", o.Amount.String())
	return &types.InitiateResult{OrderID: o.ID, State: o.State, Amount: o.Amount, Intent: intent}, nil
}

func (s *Service) openIntent(ctx context.Context, o *types.Order) (*types.GatewayIntent, error) {
	ictx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	intent, err := s.gateway.CreateIntent(ictx, types.IntentRequest{
		OrderID:     o.ID,
		Amount:      o.Amount,
		Currency:    o.Currency,
		Description: describe(o),
	})
	if err != nil {
		return nil, err
	}
	if o.GatewayTransactionRef != intent.GatewayOrderRef {
		if err := s.orders.AttachGatewayRef(ctx, o.ID, intent.GatewayOrderRef); err != nil {
			return nil, err
		}
	}
	return intent, nil
}

// resume hands back an attempt that is already PENDING.
func (s *Service) resume(ctx context.Context, o *types.Order) (*types.InitiateResult, error) {
	result := &types.InitiateResult{OrderID: o.ID, State: o.State, Amount: o.Amount}
	if o.PaymentMethod != types.PaymentMethodGateway || o.State != types.OrderStatePending {
		return result, nil
	}
	intent, err := s.openIntent(ctx, o)
	if err != nil {
		return nil, gatewayError(err)
	}
	result.Intent = intent
	return result, nil
}

func (s *Service) collapse(ctx context.Context, key string) (*types.InitiateResult, error) {
	o, err := s.orders.FindPendingByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if o == nil {
		// the other attempt settled between our insert and this read
		return nil, fmt.Errorf("initiate: %w", errors.ErrStaleTransition)
	}
	return s.resume(ctx, o)
}

// price builds a draft from catalog prices. Client-submitted prices are never read.
func (s *Service) price(ctx context.Context, req *types.InitiateRequest) (*types.Draft, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	draft := &types.Draft{
		ActorID:       req.ActorID,
		Kind:          req.Kind(),
		Currency:      s.opts.Currency,
		PaymentMethod: req.PaymentMethod,
	}
	if draft.Kind == types.PurchaseKindBooking {
		amount, err := s.catalog.GetCurrentPrice(cctx, catalog.KindSlot, req.SlotID)
		if err != nil {
			return nil, err
		}
		draft.SlotID = req.SlotID
		draft.Amount = amount
		return draft, nil
	}

	total := decimal.Zero
	for _, line := range req.Items {
		unit, err := s.catalog.GetCurrentPrice(cctx, string(line.ItemType), line.ItemID)
		if err != nil {
			return nil, err
		}
		draft.Items = append(draft.Items, types.ResourceRef{ItemID: line.ItemID, ItemType: line.ItemType, UnitPrice: unit})
		total = total.Add(unit)
	}
	draft.Amount = total
	return draft, nil
}

func checkAmount(d *types.Draft) error {
	if !d.Amount.IsPositive() {
		return fmt.Errorf("%s total %s: %w", d.Kind, d.Amount.String(), errors.ErrZeroAmount)
	}
	return nil
}

func (s *Service) checkSlot(ctx context.Context, slotID string) error {
	live, err := s.orders.ActiveBookingForSlot(ctx, slotID)
	if err != nil {
		return err
	}
	if live != nil {
		return fmt.Errorf("slot %s held by %s: %w", slotID, live.ID, errors.ErrSlotUnavailable)
	}
	return nil
}

func (s *Service) acquire(ctx context.Context, scope, sessionID string, method types.PaymentMethod, kind types.PurchaseKind) error {
	ok, err := s.locks.Acquire(ctx, scope, sessionID, method)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", scope, err)
	}
	if ok {
		return nil
	}
	if kind == types.PurchaseKindBooking {
		return fmt.Errorf("%w: %w", errors.ErrSlotUnavailable, errors.ErrLockHeld)
	}
	return errors.ErrLockHeld
}

func (s *Service) release(ctx context.Context, scope, sessionID string) {
	if err := s.locks.Release(context.WithoutCancel(ctx), scope, sessionID); err != nil {
		slog.Warn("[Checkout] release lock failed", "scope", scope, "error", err)
	}
}

func (s *Service) reverseDebit(ctx context.Context, orderID string) {
	debit, reversed, err := s.ledger.FindDebitForOrder(ctx, orderID)
	if err != nil {
		slog.Error("[Checkout] lookup debit failed", "orderID", orderID, "error", err)
		return
	}
	if debit == nil || reversed {
		return
	}
	if _, err := s.ledger.Reverse(ctx, debit.TxnID); err != nil {
		slog.Error("[Checkout] reverse debit failed", "orderID", orderID, "txnID", debit.TxnID, "error", err)
	}
}

func validateRequest(req *types.InitiateRequest) error {
	if req.ActorID == "" {
		return fmt.Errorf("actor is required: %w", errors.ErrInvalidRequest)
	}
	if !req.PaymentMethod.Valid() {
		return fmt.Errorf("payment method %q: %w", req.PaymentMethod, errors.ErrInvalidPaymentMethod)
	}
	if req.SlotID != "" {
		if len(req.Items) > 0 {
			return fmt.Errorf("a booking cannot carry cart items: %w", errors.ErrInvalidRequest)
		}
		return nil
	}
	if len(req.Items) == 0 {
		return errors.ErrEmptyCart
	}
	seen := make(map[string]bool, len(req.Items))
	for _, line := range req.Items {
		if line.ItemID == "" || !line.ItemType.Valid() {
			return fmt.Errorf("cart line %q/%q: %w", line.ItemType, line.ItemID, errors.ErrInvalidRequest)
		}
		k := string(line.ItemType) + ":" + line.ItemID
		if seen[k] {
			return fmt.Errorf("duplicate cart line %s: %w", k, errors.ErrInvalidRequest)
		}
		seen[k] = true
	}
	return nil
}

func gatewayError(err error) error {
	if stderrors.Is(err, errors.ErrGatewayUnavailable) || errors.KindOf(err) != errors.KindInternal {
		return err
	}
	return fmt.Errorf("%w: %w", errors.ErrGatewayUnavailable, err)
}

func describe(o *types.Order) string {
	if o.Kind == types.PurchaseKindBooking {
		return "Session booking " + o.SlotID
	}
	return fmt.Sprintf("Order %s (%d items)", o.ID, len(o.Items))
}

func stateOf(o *types.Order) *types.StateResult {
	return &types.StateResult{OrderID: o.ID, State: o.State}
}
