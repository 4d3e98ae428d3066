package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/valyala/fasthttp"
)

// KindSlot is the price kind for a schedulable booking slot.
const KindSlot = "slot"

// Client looks up current prices from the catalog service.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *fasthttp.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		http: &fasthttp.Client{
			Name:         "aira-checkout",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

// GetCurrentPrice returns the price of item id of the given kind (course, learningPath or slot).
func (c *Client) GetCurrentPrice(ctx context.Context, kind, id string) (decimal.Decimal, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/prices/" + url.PathEscape(kind) + "/" + url.PathEscape(id))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return decimal.Zero, fmt.Errorf("catalog %s/%s: %w", kind, id, err)
	}

	switch status := resp.StatusCode(); {
	case status == fasthttp.StatusNotFound:
		return decimal.Zero, fmt.Errorf("%s %s: %w", kind, id, errors.ErrPriceUnavailable)
	case status != fasthttp.StatusOK:
		return decimal.Zero, fmt.Errorf("catalog %s/%s: unexpected status %d", kind, id, status)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return decimal.Zero, fmt.Errorf("catalog %s/%s: decode: %w", kind, id, err)
	}
	if available, ok := body["available"]; ok && !cast.ToBool(available) {
		return decimal.Zero, fmt.Errorf("%s %s: %w", kind, id, errors.ErrPriceUnavailable)
	}

	// prices come back as JSON numbers or strings depending on the catalog version
	raw, err := cast.ToStringE(body["price"])
	if err != nil || raw == "" {
		return decimal.Zero, fmt.Errorf("%s %s: missing price: %w", kind, id, errors.ErrPriceUnavailable)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || price.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s %s: bad price %q: %w", kind, id, raw, errors.ErrPriceUnavailable)
	}

	slog.Debug("[Catalog] price", "kind", kind, "id", id, "price", price.String())
	return price, nil
}
