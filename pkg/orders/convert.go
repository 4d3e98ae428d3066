package orders

import (
	"time"

	"github.com/flaboy/aira-checkout/pkg/models"
	"github.com/flaboy/aira-checkout/pkg/types"
)

func fromDraft(d *types.Draft, now time.Time) *models.Order {
	row := &models.Order{
		ID:             d.ID,
		ActorID:        d.ActorID,
		State:          string(types.OrderStatePending),
		Kind:           string(d.Kind),
		Amount:         types.ToMinorUnits(d.Amount),
		Currency:       d.Currency,
		PaymentMethod:  string(d.PaymentMethod),
		IdempotencyKey: d.IdempotencyKey,
		SessionID:      d.SessionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if d.SlotID != "" {
		row.SlotID = strPtr(d.SlotID)
	}
	if d.RetryOf != "" {
		row.RetryOf = strPtr(d.RetryOf)
	}
	for _, item := range d.Items {
		row.Items = append(row.Items, models.OrderItem{
			OrderID:   d.ID,
			ItemID:    item.ItemID,
			ItemType:  string(item.ItemType),
			UnitPrice: types.ToMinorUnits(item.UnitPrice),
		})
	}
	return row
}

func toDomain(row *models.Order) *types.Order {
	o := &types.Order{
		ID:                    row.ID,
		ActorID:               row.ActorID,
		Kind:                  types.PurchaseKind(row.Kind),
		SlotID:                deref(row.SlotID),
		Amount:                types.FromMinorUnits(row.Amount),
		Currency:              row.Currency,
		PaymentMethod:         types.PaymentMethod(row.PaymentMethod),
		State:                 types.OrderState(row.State),
		GatewayTransactionRef: deref(row.GatewayTransactionRef),
		GatewayPaymentRef:     deref(row.GatewayPaymentRef),
		IdempotencyKey:        row.IdempotencyKey,
		SessionID:             row.SessionID,
		RetryOf:               deref(row.RetryOf),
		CreatedAt:             row.CreatedAt,
		TerminalAt:            row.TerminalAt,
	}
	for _, item := range row.Items {
		o.Items = append(o.Items, types.ResourceRef{
			ItemID:    item.ItemID,
			ItemType:  types.ItemType(item.ItemType),
			UnitPrice: types.FromMinorUnits(item.UnitPrice),
		})
	}
	return o
}

func toDomainList(rows []*models.Order) []*types.Order {
	out := make([]*types.Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomain(row))
	}
	return out
}

func strPtr(s string) *string {
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
