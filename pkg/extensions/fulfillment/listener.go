package fulfillment

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/flaboy/aira-checkout/pkg/serviceaction"
	"github.com/flaboy/aira-checkout/pkg/types"
)

// OrderReader lets the listener check the committed state of an order.
type OrderReader interface {
	GetByID(ctx context.Context, id string) (*types.Order, error)
}

// Listener long-polls the fulfillment queue and runs the matching service action.
// A message is deleted only once it has been handled; anything else is left for
// redelivery after the visibility timeout.
type Listener struct {
	api         SQSAPI
	queueURL    string
	engine      *serviceaction.Engine
	orders      OrderReader
	waitSeconds int32
	retryDelay  time.Duration
}

func NewListener(api SQSAPI, queueURL string, engine *serviceaction.Engine, orders OrderReader, waitSeconds int32) *Listener {
	return &Listener{
		api:         api,
		queueURL:    queueURL,
		engine:      engine,
		orders:      orders,
		waitSeconds: waitSeconds,
		retryDelay:  5 * time.Second,
	}
}

// Run polls until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	slog.Info("[Fulfillment] listener started", "queue", l.queueURL)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := l.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("[Fulfillment] receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.retryDelay):
			}
		}
	}
}

// PollOnce receives one batch and returns how many messages were deleted.
func (l *Listener) PollOnce(ctx context.Context) (int, error) {
	output, err := l.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(l.queueURL),
		MaxNumberOfMessages:   10,
		WaitTimeSeconds:       l.waitSeconds,
		MessageAttributeNames: []string{actionAttribute},
	})
	if err != nil {
		return 0, err
	}

	if len(output.Messages) > 0 {
		slog.Debug("[Fulfillment] received messages", "count", len(output.Messages))
	}

	handled := 0
	for _, message := range output.Messages {
		done, err := l.handle(ctx, message)
		if err != nil {
			slog.Error("[Fulfillment] message not handled", "messageID", aws.ToString(message.MessageId), "error", err)
		}
		if !done {
			continue
		}
		_, err = l.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(l.queueURL),
			ReceiptHandle: message.ReceiptHandle,
		})
		if err != nil {
			slog.Error("[Fulfillment] delete failed", "messageID", aws.ToString(message.MessageId), "error", err)
			continue
		}
		handled++
	}
	return handled, nil
}

// handle reports whether the message can be removed from the queue.
func (l *Listener) handle(ctx context.Context, message sqstypes.Message) (bool, error) {
	body := aws.ToString(message.Body)
	var event types.OrderPaidEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		// left in place for the queue's redrive policy
		return false, fmt.Errorf("decode message: %w", err)
	}

	order, err := l.orders.GetByID(ctx, event.OrderID)
	if err != nil {
		if stderrors.Is(err, errors.ErrOrderNotFound) {
			return false, fmt.Errorf("order %s not found", event.OrderID)
		}
		return false, err
	}

	switch order.State {
	case types.OrderStatePaid:
	case types.OrderStatePending:
		// the PAID transition that published this has not committed yet
		return false, nil
	default:
		slog.Warn("[Fulfillment] dropping event for unpaid order", "orderID", order.ID, "state", order.State)
		return true, nil
	}

	action := serviceaction.ActionForKind(order.Kind)
	if attr, ok := message.MessageAttributes[actionAttribute]; ok && attr.StringValue != nil {
		action = serviceaction.ActionType(*attr.StringValue)
	}
	if err := l.engine.Execute(ctx, action, json.RawMessage(body)); err != nil {
		return false, err
	}
	return true, nil
}
