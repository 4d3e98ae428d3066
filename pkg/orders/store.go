package orders

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/flaboy/aira-checkout/pkg/events"
	"github.com/flaboy/aira-checkout/pkg/models"
	"github.com/flaboy/aira-checkout/pkg/types"
	"gorm.io/gorm"
)

// ErrDuplicateAttempt means a PENDING record already exists for the idempotency key.
var ErrDuplicateAttempt = stderrors.New("orders: pending attempt exists for idempotency key")

// Store persists orders and bookings. State changes only go through Transition,
// a compare-and-swap on the state column.
type Store struct {
	db     *gorm.DB
	events *events.Dispatcher
	now    func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDispatcher sets where the PAID transition emits its fulfillment event.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(s *Store) { s.events = d }
}

func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	cp := *s
	cp.db = tx
	return &cp
}

// Create persists a draft as a PENDING record.
func (s *Store) Create(ctx context.Context, d *types.Draft) (*types.Order, error) {
	row := fromDraft(d, s.now())
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(row).Error
	})
	if err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, s.classifyDuplicate(ctx, d)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	return toDomain(row), nil
}

func (s *Store) classifyDuplicate(ctx context.Context, d *types.Draft) error {
	if d.Kind == types.PurchaseKindBooking {
		if live, err := s.ActiveBookingForSlot(ctx, d.SlotID); err == nil && live != nil {
			return fmt.Errorf("slot %s: %w", d.SlotID, errors.ErrSlotUnavailable)
		}
	}
	return ErrDuplicateAttempt
}

type transitionOptions struct {
	gatewayPaymentRef string
}

type TransitionOption func(*transitionOptions)

func WithGatewayPaymentRef(ref string) TransitionOption {
	return func(o *transitionOptions) { o.gatewayPaymentRef = ref }
}

// Transition moves a record from one state to another only if its stored state still
// equals from. The loser of a race gets ErrStaleTransition. Reaching PAID emits the
// fulfillment event inside the same transaction, so it happens exactly once.
func (s *Store) Transition(ctx context.Context, id string, from, to types.OrderState, opts ...TransitionOption) (*types.Order, error) {
	if from != types.OrderStatePending {
		return nil, fmt.Errorf("transition %s from %s: %w", id, from, errors.ErrStaleTransition)
	}
	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := s.now()
	updates := map[string]interface{}{
		"state":      string(to),
		"updated_at": now,
	}
	if to.IsTerminal() {
		updates["terminal_at"] = now
	}
	if o.gatewayPaymentRef != "" {
		updates["gateway_payment_ref"] = o.gatewayPaymentRef
	}

	var order *types.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND state = ?", id, string(from)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Order{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return errors.ErrOrderNotFound
			}
			return errors.ErrStaleTransition
		}

		row, err := loadOrder(tx, "id = ?", id)
		if err != nil {
			return err
		}
		order = toDomain(row)

		if to == types.OrderStatePaid {
			return s.events.EmitOrderPaid(ctx, types.NewOrderPaidEvent(tx, order))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transition %s %s->%s: %w", id, from, to, err)
	}
	return order, nil
}

// AttachGatewayRef records the gateway order reference on a PENDING record.
func (s *Store) AttachGatewayRef(ctx context.Context, id, ref string) error {
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND state = ?", id, string(types.OrderStatePending)).
		Updates(map[string]interface{}{
			"gateway_transaction_ref": ref,
			"updated_at":              s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("attach gateway ref: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attach gateway ref to %s: %w", id, errors.ErrStaleTransition)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*types.Order, error) {
	row, err := loadOrder(s.db.WithContext(ctx), "id = ?", id)
	if err != nil {
		return nil, err
	}
	return toDomain(row), nil
}

// FindPendingByIdempotencyKey returns nil when no PENDING attempt exists for key.
func (s *Store) FindPendingByIdempotencyKey(ctx context.Context, key string) (*types.Order, error) {
	return s.findOptional(ctx, "idempotency_key = ? AND state = ?", key, string(types.OrderStatePending))
}

// ActiveBookingForSlot returns the PENDING or PAID booking holding slotID, or nil.
func (s *Store) ActiveBookingForSlot(ctx context.Context, slotID string) (*types.Order, error) {
	return s.findOptional(ctx, "slot_id = ? AND state IN ?", slotID,
		[]string{string(types.OrderStatePending), string(types.OrderStatePaid)})
}

// ListPendingOlderThan returns up to limit PENDING records created more than age ago,
// ordered by (created_at, id). A non-nil after starts the page past that position.
func (s *Store) ListPendingOlderThan(ctx context.Context, age time.Duration, after *types.OrderCursor, limit int) ([]*types.Order, error) {
	cutoff := s.now().Add(-age)
	var rows []*models.Order
	q := s.db.WithContext(ctx).Preload("Items").
		Where("state = ? AND created_at < ?", string(types.OrderStatePending), cutoff)
	if after != nil {
		q = q.Where("(created_at > ? OR (created_at = ? AND id > ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}
	q = q.Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	return toDomainList(rows), nil
}

// ListRetriesOf returns the attempts created by retrying id.
func (s *Store) ListRetriesOf(ctx context.Context, id string) ([]*types.Order, error) {
	var rows []*models.Order
	err := s.db.WithContext(ctx).Preload("Items").
		Where("retry_of = ?", id).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}
	return toDomainList(rows), nil
}

func (s *Store) findOptional(ctx context.Context, query string, args ...interface{}) (*types.Order, error) {
	row, err := loadOrder(s.db.WithContext(ctx), query, args...)
	if stderrors.Is(err, errors.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toDomain(row), nil
}

func loadOrder(db *gorm.DB, query string, args ...interface{}) (*models.Order, error) {
	var row models.Order
	err := db.Preload("Items").Where(query, args...).First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return &row, nil
}
