package serviceaction

import (
	"context"
	"encoding/json"

	"github.com/flaboy/aira-checkout/pkg/types"
)

type Executor interface {
	Execute(ctx context.Context, args json.RawMessage) error
	GetType() ActionType
	Validate(args json.RawMessage) error
}

type ActionType string

const (
	// ActionEnroll grants access to the purchased courses and learning paths.
	ActionEnroll ActionType = "enroll"
	// ActionConfirmSlot confirms a booked coaching or class slot.
	ActionConfirmSlot ActionType = "confirm_slot"
)

// ActionForKind maps a purchase kind to the fulfillment action that completes it.
func ActionForKind(kind types.PurchaseKind) ActionType {
	if kind == types.PurchaseKindBooking {
		return ActionConfirmSlot
	}
	return ActionEnroll
}
