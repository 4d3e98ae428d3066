package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flaboy/aira-checkout/pkg/types"
)

// PaidHandler runs inside the PAID transition; returning an error rolls it back.
type PaidHandler interface {
	OnOrderPaid(ctx context.Context, event *types.OrderPaidEvent) error
}

// TerminalHandler observes committed terminal transitions. It must not block.
type TerminalHandler interface {
	OnOrderTerminal(ctx context.Context, event *types.OrderTerminalEvent)
}

type PaidHandlerFunc func(ctx context.Context, event *types.OrderPaidEvent) error

func (f PaidHandlerFunc) OnOrderPaid(ctx context.Context, event *types.OrderPaidEvent) error {
	return f(ctx, event)
}

type TerminalHandlerFunc func(ctx context.Context, event *types.OrderTerminalEvent)

func (f TerminalHandlerFunc) OnOrderTerminal(ctx context.Context, event *types.OrderTerminalEvent) {
	f(ctx, event)
}

// Dispatcher fans checkout events out to the handlers registered by the host system.
// A nil Dispatcher drops every event.
type Dispatcher struct {
	mu       sync.RWMutex
	paid     []PaidHandler
	terminal []TerminalHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) RegisterPaidHandler(h PaidHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paid = append(d.paid, h)
}

func (d *Dispatcher) RegisterTerminalHandler(h TerminalHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminal = append(d.terminal, h)
}

// EmitOrderPaid stops at the first failing handler.
func (d *Dispatcher) EmitOrderPaid(ctx context.Context, event *types.OrderPaidEvent) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	handlers := d.paid
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := h.OnOrderPaid(ctx, event); err != nil {
			slog.Error("[Events] paid handler failed", "orderID", event.OrderID, "error", err)
			return err
		}
	}
	return nil
}

func (d *Dispatcher) EmitOrderTerminal(ctx context.Context, event *types.OrderTerminalEvent) {
	if d == nil {
		return
	}
	d.mu.RLock()
	handlers := d.terminal
	d.mu.RUnlock()

	for _, h := range handlers {
		h.OnOrderTerminal(ctx, event)
	}
}
