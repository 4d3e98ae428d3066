package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderPaidEvent is raised inside the transaction that moved an order to PAID.
// Handlers may use TX to make their own writes part of that transition.
type OrderPaidEvent struct {
	TX                *gorm.DB        `json:"-"`
	OrderID           string          `json:"order_id"`
	ActorID           string          `json:"actor_id"`
	Kind              PurchaseKind    `json:"kind"`
	Items             []ResourceRef   `json:"items,omitempty"`
	SlotID            string          `json:"slot_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PaymentMethod     PaymentMethod   `json:"payment_method"`
	GatewayPaymentRef string          `json:"gateway_payment_ref,omitempty"`
	PaidAt            time.Time       `json:"paid_at"`
}

func NewOrderPaidEvent(tx *gorm.DB, o *Order) *OrderPaidEvent {
	ev := &OrderPaidEvent{
		TX:                tx,
		OrderID:           o.ID,
		ActorID:           o.ActorID,
		Kind:              o.Kind,
		Items:             o.Items,
		SlotID:            o.SlotID,
		Amount:            o.Amount,
		Currency:          o.Currency,
		PaymentMethod:     o.PaymentMethod,
		GatewayPaymentRef: o.GatewayPaymentRef,
	}
	if o.TerminalAt != nil {
		ev.PaidAt = *o.TerminalAt
	} else {
		ev.PaidAt = time.Now()
	}
	return ev
}

// OrderTerminalEvent feeds the notification/audit stream.
type OrderTerminalEvent struct {
	OrderID       string          `json:"order_id"`
	ActorID       string          `json:"actor_id"`
	Kind          PurchaseKind    `json:"kind"`
	State         OrderState      `json:"state"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	RetryOf       string          `json:"retry_of,omitempty"`
	Source        string          `json:"source"` // checkout, sweeper
	At            time.Time       `json:"at"`
}

func NewOrderTerminalEvent(o *Order, source string) *OrderTerminalEvent {
	ev := &OrderTerminalEvent{
		OrderID:       o.ID,
		ActorID:       o.ActorID,
		Kind:          o.Kind,
		State:         o.State,
		Amount:        o.Amount,
		Currency:      o.Currency,
		PaymentMethod: o.PaymentMethod,
		RetryOf:       o.RetryOf,
		Source:        source,
	}
	if o.TerminalAt != nil {
		ev.At = *o.TerminalAt
	} else {
		ev.At = time.Now()
	}
	return ev
}
