package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/flaboy/aira-checkout/pkg/serviceaction"
	"github.com/flaboy/aira-checkout/pkg/types"
)

const actionAttribute = "action"

// Publisher puts order-paid events on the fulfillment queue. It runs inside the PAID
// transition, so a failed send keeps the order PENDING.
type Publisher struct {
	api      SQSAPI
	queueURL string
	fifo     bool
}

func NewPublisher(api SQSAPI, queueURL string, fifo bool) *Publisher {
	return &Publisher{api: api, queueURL: queueURL, fifo: fifo}
}

func (p *Publisher) OnOrderPaid(ctx context.Context, event *types.OrderPaidEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode order paid event: %w", err)
	}

	action := serviceaction.ActionForKind(event.Kind)
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			actionAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(action)),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(event.OrderID)
		input.MessageDeduplicationId = aws.String(event.OrderID)
	}

	out, err := p.api.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("publish fulfillment for %s: %w", event.OrderID, err)
	}
	slog.Info("[Fulfillment] published", "orderID", event.OrderID, "action", action, "messageID", aws.ToString(out.MessageId))
	return nil
}
