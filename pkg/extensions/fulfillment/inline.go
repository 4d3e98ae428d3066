package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flaboy/aira-checkout/pkg/serviceaction"
	"github.com/flaboy/aira-checkout/pkg/types"
)

// Inline runs the fulfillment action inside the PAID transition when no queue is
// configured. The receipt is written in the same transaction; a host failure rolls
// the transition back and the order stays PENDING for the next complete call or
// sweeper pass.
type Inline struct {
	engine *serviceaction.Engine
}

func NewInline(engine *serviceaction.Engine) *Inline {
	return &Inline{engine: engine}
}

func (i *Inline) OnOrderPaid(ctx context.Context, event *types.OrderPaidEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode order paid event: %w", err)
	}
	if event.TX != nil {
		ctx = serviceaction.WithTx(ctx, event.TX)
	}
	return i.engine.Execute(ctx, serviceaction.ActionForKind(event.Kind), body)
}
