package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderState string

const (
	OrderStatePending   OrderState = "PENDING"
	OrderStatePaid      OrderState = "PAID"
	OrderStateFailed    OrderState = "FAILED"
	OrderStateCancelled OrderState = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderState) IsTerminal() bool {
	return s == OrderStatePaid || s == OrderStateFailed || s == OrderStateCancelled
}

// Occupies reports whether a booking in this state holds its slot.
func (s OrderState) Occupies() bool {
	return s == OrderStatePending || s == OrderStatePaid
}

type PaymentMethod string

const (
	PaymentMethodWallet  PaymentMethod = "wallet"
	PaymentMethodGateway PaymentMethod = "gateway"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodWallet || m == PaymentMethodGateway
}

// PurchaseKind separates cart orders from single time-slot bookings.
type PurchaseKind string

const (
	PurchaseKindOrder   PurchaseKind = "order"
	PurchaseKindBooking PurchaseKind = "booking"
)

type ItemType string

const (
	ItemTypeCourse       ItemType = "course"
	ItemTypeLearningPath ItemType = "learningPath"
)

func (t ItemType) Valid() bool {
	return t == ItemTypeCourse || t == ItemTypeLearningPath
}

// ResourceRef is one cart line. UnitPrice is filled from the catalog, never from the client.
type ResourceRef struct {
	ItemID    string          `json:"item_id"`
	ItemType  ItemType        `json:"item_type"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Order is the lifecycle record for both cart orders and slot bookings.
type Order struct {
	ID                    string          `json:"id"`
	ActorID               string          `json:"actor_id"`
	Kind                  PurchaseKind    `json:"kind"`
	Items                 []ResourceRef   `json:"items,omitempty"`
	SlotID                string          `json:"slot_id,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	PaymentMethod         PaymentMethod   `json:"payment_method"`
	State                 OrderState      `json:"state"`
	GatewayTransactionRef string          `json:"gateway_transaction_ref,omitempty"`
	GatewayPaymentRef     string          `json:"gateway_payment_ref,omitempty"`
	IdempotencyKey        string          `json:"idempotency_key"`
	SessionID             string          `json:"-"`
	RetryOf               string          `json:"retry_of,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	TerminalAt            *time.Time      `json:"terminal_at,omitempty"`
}

// OrderCursor is a position in the (created_at, id) order of records.
type OrderCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of o.
func CursorOf(o *Order) *OrderCursor {
	return &OrderCursor{CreatedAt: o.CreatedAt, ID: o.ID}
}

// ScopeKey is the identity the session coordinator locks on:
// the actor for cart checkout, the slot for a booking.
func (o *Order) ScopeKey() string {
	return ScopeKeyFor(o.Kind, o.ActorID, o.SlotID)
}

func ScopeKeyFor(kind PurchaseKind, actorID, slotID string) string {
	if kind == PurchaseKindBooking {
		return "slot:" + slotID
	}
	return "actor:" + actorID
}

// Draft carries everything needed to persist a new PENDING record.
type Draft struct {
	ID             string
	ActorID        string
	Kind           PurchaseKind
	Items          []ResourceRef
	SlotID         string
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  PaymentMethod
	IdempotencyKey string
	SessionID      string
	RetryOf        string
}
