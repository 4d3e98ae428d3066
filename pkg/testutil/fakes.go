package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/shopspring/decimal"
)

// FakeGateway is an in-memory payment channel. Intents are idempotent on order id
// and a payment only verifies after Pay was called for its gateway reference.
type FakeGateway struct {
	mu       sync.Mutex
	seq      int
	intents  map[string]*types.GatewayIntent
	captured map[string]string
	// verifyErrs fails Verify for single gateway references
	verifyErrs map[string]error
	CreateErr  error
	VerifyErr  error
	Creates    int
	Verifies   int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		intents:    map[string]*types.GatewayIntent{},
		captured:   map[string]string{},
		verifyErrs: map[string]error{},
	}
}

func (g *FakeGateway) CreateIntent(ctx context.Context, req types.IntentRequest) (*types.GatewayIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	if intent, ok := g.intents[req.OrderID]; ok {
		return intent, nil
	}
	g.seq++
	g.Creates++
	ref := fmt.Sprintf("GW-%d", g.seq)
	intent := &types.GatewayIntent{
		PaymentRef:      fmt.Sprintf("pm-%d", g.seq),
		GatewayOrderRef: ref,
		ClientAuthToken: ref,
		RedirectURL:     "https://gateway.test/approve/" + ref,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Status:          "CREATED",
	}
	g.intents[req.OrderID] = intent
	return intent, nil
}

func (g *FakeGateway) Verify(ctx context.Context, gatewayOrderRef, proof string) (*types.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Verifies++
	if g.VerifyErr != nil {
		return nil, g.VerifyErr
	}
	if err, ok := g.verifyErrs[gatewayOrderRef]; ok {
		return nil, err
	}
	if proof != "" && proof != gatewayOrderRef {
		return &types.Verification{Status: "PROOF_MISMATCH"}, nil
	}
	if capture, ok := g.captured[gatewayOrderRef]; ok {
		return &types.Verification{Verified: true, GatewayPaymentRef: capture, Status: "COMPLETED"}, nil
	}
	for _, intent := range g.intents {
		if intent.GatewayOrderRef == gatewayOrderRef {
			return &types.Verification{Status: "CREATED"}, nil
		}
	}
	return nil, errors.ErrInvalidPaymentRef
}

// Pay simulates the buyer approving the intent in the gateway's widget.
func (g *FakeGateway) Pay(gatewayOrderRef string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captured[gatewayOrderRef] = "CAP-" + gatewayOrderRef
}

// IntentFor returns the intent created for orderID, or nil.
func (g *FakeGateway) IntentFor(orderID string) *types.GatewayIntent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.intents[orderID]
}

// FailVerify makes every Verify of gatewayOrderRef return err.
func (g *FakeGateway) FailVerify(gatewayOrderRef string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyErrs[gatewayOrderRef] = err
}

func (g *FakeGateway) SetVerifyErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.VerifyErr = err
}

// FakeCatalog serves fixed prices keyed by kind and id.
type FakeCatalog struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func NewFakeCatalog() *FakeCatalog {
	return &FakeCatalog{prices: map[string]decimal.Decimal{}}
}

func (c *FakeCatalog) Set(kind, id, price string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[kind+":"+id] = decimal.RequireFromString(price)
}

func (c *FakeCatalog) GetCurrentPrice(ctx context.Context, kind, id string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[kind+":"+id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s %s: %w", kind, id, errors.ErrPriceUnavailable)
	}
	return price, nil
}
