package serviceaction

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flaboy/aira-checkout/pkg/models"
	"github.com/flaboy/aira-checkout/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Fulfiller is the host system's enrollment or slot-confirmation service.
type Fulfiller interface {
	Fulfill(ctx context.Context, event *types.OrderPaidEvent) error
}

type FulfillerFunc func(ctx context.Context, event *types.OrderPaidEvent) error

func (f FulfillerFunc) Fulfill(ctx context.Context, event *types.OrderPaidEvent) error {
	return f(ctx, event)
}

// FulfillExecutor runs one fulfillment action per order. A receipt row is written
// after the host accepts, so a redelivered message does not reach the host again.
type FulfillExecutor struct {
	action    ActionType
	fulfiller Fulfiller
	db        *gorm.DB
	now       func() time.Time
}

type txKey struct{}

// WithTx makes executors write through tx, so their rows commit or roll back with it.
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func dbFrom(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return fallback
}

func NewFulfillExecutor(action ActionType, fulfiller Fulfiller, db *gorm.DB) *FulfillExecutor {
	return &FulfillExecutor{action: action, fulfiller: fulfiller, db: db, now: time.Now}
}

func (e *FulfillExecutor) GetType() ActionType {
	return e.action
}

func (e *FulfillExecutor) Validate(args json.RawMessage) error {
	_, err := e.decode(args)
	return err
}

func (e *FulfillExecutor) Execute(ctx context.Context, args json.RawMessage) error {
	event, err := e.decode(args)
	if err != nil {
		return err
	}

	db := dbFrom(ctx, e.db).WithContext(ctx)
	var receipt models.FulfillmentReceipt
	err = db.Where("order_id = ?", event.OrderID).First(&receipt).Error
	if err == nil {
		slog.Info("[Fulfill] already fulfilled, skipping", "orderID", event.OrderID, "action", receipt.Action)
		return nil
	}
	if !stderrors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("check fulfillment receipt: %w", err)
	}

	if err := e.fulfiller.Fulfill(ctx, event); err != nil {
		return fmt.Errorf("%s order %s: %w", e.action, event.OrderID, err)
	}

	err = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.FulfillmentReceipt{
		OrderID:   event.OrderID,
		Action:    string(e.action),
		CreatedAt: e.now(),
	}).Error
	if err != nil {
		return fmt.Errorf("record fulfillment receipt: %w", err)
	}

	slog.Info("[Fulfill] fulfilled", "orderID", event.OrderID, "action", e.action, "actorID", event.ActorID)
	return nil
}

func (e *FulfillExecutor) decode(args json.RawMessage) (*types.OrderPaidEvent, error) {
	var event types.OrderPaidEvent
	if err := json.Unmarshal(args, &event); err != nil {
		return nil, fmt.Errorf("decode order paid event: %w", err)
	}
	if event.OrderID == "" {
		return nil, fmt.Errorf("order_id is required")
	}
	if got := ActionForKind(event.Kind); got != e.action {
		return nil, fmt.Errorf("order %s of kind %s cannot run %s", event.OrderID, event.Kind, e.action)
	}
	return &event, nil
}
