package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/flaboy/aira-checkout/pkg/config"
	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier streams terminal order transitions to Kafka. Delivery is fire-and-forget:
// failures are logged and never reach the checkout path.
type Notifier struct {
	writer messageWriter
}

// NewKafkaNotifier builds an async writer keyed by order id, so events for one order
// stay on one partition.
func NewKafkaNotifier(cfg config.AuditConfig) *Notifier {
	return &Notifier{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("[Audit] kafka delivery failed", "count", len(messages), "error", err)
			}
		},
	}}
}

func newNotifier(w messageWriter) *Notifier {
	return &Notifier{writer: w}
}

func (n *Notifier) OnOrderTerminal(ctx context.Context, event *types.OrderTerminalEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("[Audit] encode event failed", "orderID", event.OrderID, "error", err)
		return
	}
	err = n.writer.WriteMessages(context.WithoutCancel(ctx), kafka.Message{
		Key:   []byte(event.OrderID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "state", Value: []byte(event.State)},
			{Key: "source", Value: []byte(event.Source)},
		},
		Time: event.At,
	})
	if err != nil {
		slog.Error("[Audit] write failed", "orderID", event.OrderID, "state", event.State, "error", err)
	}
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}
