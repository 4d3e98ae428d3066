package errors

import (
	stderrors "errors"

	"github.com/flaboy/pin/usererrors"
)

// Contention
var (
	ErrLockHeld        = usererrors.New("checkout.lock_held", "Another payment attempt is in progress, try again later")
	ErrStaleTransition = usererrors.New("checkout.stale_transition", "Order state changed concurrently")
)

// Funds
var (
	ErrInsufficientFunds   = usererrors.New("wallet.insufficient_funds", "Wallet balance is insufficient")
	ErrWalletNotFound      = usererrors.New("wallet.not_found", "Wallet not found")
	ErrLedgerEntryNotFound = usererrors.New("wallet.entry_not_found", "Ledger entry not found")
)

// Gateway
var (
	ErrGatewayUnavailable = usererrors.New("payment.gateway_unavailable", "Payment gateway is unavailable")
	ErrChannelNotFound    = usererrors.New("payment.channel_not_found", "Payment channel not found")
	ErrInvalidPaymentRef  = usererrors.New("payment.invalid_ref", "Invalid payment reference")
)

// Resource availability
var (
	ErrSlotUnavailable  = usererrors.New("checkout.slot_unavailable", "This time slot is no longer available, choose another slot")
	ErrPriceUnavailable = usererrors.New("catalog.price_unavailable", "Item is not available for purchase")
)

// Lookup and validation
var (
	ErrOrderNotFound        = usererrors.New("checkout.order_not_found", "Order not found")
	ErrRetryNotAllowed      = usererrors.New("checkout.retry_not_allowed", "Order cannot be retried")
	ErrInvalidPaymentMethod = usererrors.New("checkout.invalid_payment_method", "Invalid payment method")
	ErrEmptyCart            = usererrors.New("checkout.empty_cart", "Cart is empty")
	ErrZeroAmount           = usererrors.New("checkout.zero_amount", "Order total must be greater than zero")
	ErrInvalidRequest       = usererrors.New("checkout.invalid_request", "Invalid checkout request")
)

type Kind string

const (
	KindContention  Kind = "contention"
	KindFunds       Kind = "funds"
	KindGateway     Kind = "gateway"
	KindUnavailable Kind = "unavailable"
	KindNotFound    Kind = "not_found"
	KindInvalid     Kind = "invalid"
	KindInternal    Kind = "internal"
)

// Order matters: a taken slot reported alongside a held lock is still "unavailable".
var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindUnavailable, []error{ErrSlotUnavailable, ErrPriceUnavailable}},
	{KindContention, []error{ErrLockHeld, ErrStaleTransition}},
	{KindFunds, []error{ErrInsufficientFunds}},
	{KindGateway, []error{ErrGatewayUnavailable}},
	{KindNotFound, []error{ErrOrderNotFound, ErrWalletNotFound, ErrLedgerEntryNotFound, ErrChannelNotFound}},
	{KindInvalid, []error{ErrRetryNotAllowed, ErrInvalidPaymentMethod, ErrEmptyCart, ErrZeroAmount, ErrInvalidRequest, ErrInvalidPaymentRef}},
}

// KindOf classifies err into one of the checkout error categories.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if stderrors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}
