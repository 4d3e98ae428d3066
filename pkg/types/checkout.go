package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartLine is what a client submits for a cart; prices are looked up server-side.
type CartLine struct {
	ItemID   string   `json:"item_id"`
	ItemType ItemType `json:"item_type"`
}

type InitiateRequest struct {
	ActorID       string        `json:"actor_id"`
	Items         []CartLine    `json:"items,omitempty"`
	SlotID        string        `json:"slot_id,omitempty"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	// Nonce is client supplied and folded into the idempotency key.
	Nonce string `json:"nonce,omitempty"`
	// SessionID identifies the browser tab or client attempt holding the payment lock.
	SessionID string `json:"session_id,omitempty"`
}

// Kind derives the purchase kind from the request payload.
func (r *InitiateRequest) Kind() PurchaseKind {
	if r.SlotID != "" {
		return PurchaseKindBooking
	}
	return PurchaseKindOrder
}

// GatewayIntent is the provider-side pending charge handed back to the client.
type GatewayIntent struct {
	PaymentRef      string          `json:"payment_ref"`       // hashid of the local intent record
	GatewayOrderRef string          `json:"gateway_order_ref"` // provider order id
	ClientAuthToken string          `json:"client_auth_token"`
	RedirectURL     string          `json:"redirect_url,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
}

type IntentRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// Verification is the gateway's authoritative answer on whether money moved.
type Verification struct {
	Verified          bool   `json:"verified"`
	GatewayPaymentRef string `json:"gateway_payment_ref,omitempty"`
	Status            string `json:"status"`
}

type InitiateResult struct {
	OrderID string          `json:"order_id"`
	State   OrderState      `json:"state"`
	Amount  decimal.Decimal `json:"amount"`
	Intent  *GatewayIntent  `json:"gateway_intent,omitempty"`
}

type StateResult struct {
	OrderID string     `json:"order_id"`
	State   OrderState `json:"state"`
}

type LedgerKind string

const (
	LedgerKindCredit LedgerKind = "credit"
	LedgerKindDebit  LedgerKind = "debit"
)

// Receipt describes one immutable ledger row.
type Receipt struct {
	TxnID          string          `json:"txn_id"`
	WalletID       string          `json:"wallet_id"`
	Kind           LedgerKind      `json:"kind"`
	Amount         decimal.Decimal `json:"amount"` // signed: debits are negative
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	RelatedOrderID string          `json:"related_order_id,omitempty"`
	ReversesTxnID  string          `json:"reverses_txn_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
