package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/valyala/fasthttp"
)

// WebhookFulfiller posts the paid order to a host endpoint that enrolls the buyer
// or confirms the slot. The endpoint is expected to be idempotent on order_id; a
// 409 is read as already fulfilled.
type WebhookFulfiller struct {
	url     string
	token   string
	timeout time.Duration
	client  *fasthttp.Client
}

func NewWebhookFulfiller(url, token string, timeout time.Duration) *WebhookFulfiller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookFulfiller{
		url:     url,
		token:   token,
		timeout: timeout,
		client:  &fasthttp.Client{Name: "aira-checkout"},
	}
}

func (w *WebhookFulfiller) Fulfill(ctx context.Context, event *types.OrderPaidEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Idempotency-Key", event.OrderID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	req.SetBody(body)

	timeout := w.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := w.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("fulfill %s: %w", event.OrderID, err)
	}

	status := resp.StatusCode()
	if status == fasthttp.StatusConflict || (status >= 200 && status < 300) {
		return nil
	}
	return fmt.Errorf("fulfill %s: status %d: %s", event.OrderID, status, string(resp.Body()))
}
