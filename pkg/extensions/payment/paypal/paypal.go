package paypal

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/flaboy/aira-checkout/pkg/extensions/payment/utils"
	"github.com/flaboy/aira-checkout/pkg/models"
	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/plutov/paypal/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const ChannelName = "paypal"

const (
	orderStatusApproved  = "APPROVED"
	orderStatusCompleted = "COMPLETED"
	orderStatusVoided    = "VOIDED"
	// reported when PayPal no longer knows the order, e.g. it expired unapproved
	orderStatusNotFound = "NOT_FOUND"
)

type Options struct {
	ClientID     string
	ClientSecret string
	Sandbox      bool
	// APIBase overrides the sandbox/live endpoint.
	APIBase string
	// CallbackBaseURL is the public URL PayPal redirects buyers back to.
	CallbackBaseURL string
	Timeout         time.Duration
	Description     string
}

type PayPal struct {
	db     *gorm.DB
	opts   Options
	client *paypal.Client
	now    func() time.Time
}

func New(db *gorm.DB, opts Options) *PayPal {
	if opts.Description == "" {
		opts.Description = "Course purchase"
	}
	return &PayPal{db: db, opts: opts, now: time.Now}
}

// Init 初始化PayPal客户端
func (p *PayPal) Init() error {
	apiBase := p.opts.APIBase
	if apiBase == "" {
		apiBase = paypal.APIBaseLive
		if p.opts.Sandbox {
			apiBase = paypal.APIBaseSandBox
		}
	}

	client, err := paypal.NewClient(p.opts.ClientID, p.opts.ClientSecret, apiBase)
	if err != nil {
		return err
	}
	if p.opts.Timeout > 0 {
		client.Client = &http.Client{Timeout: p.opts.Timeout}
	}

	// 获取访问令牌
	if _, err = client.GetAccessToken(context.Background()); err != nil {
		return err
	}

	p.client = client
	log.Printf("PayPal payment channel initialized successfully")
	return nil
}

// GetChannelName 获取渠道名称
func (p *PayPal) GetChannelName() string {
	return ChannelName
}

// CreateIntent 创建PayPal订单。同一个 OrderID 重复调用返回已有的订单。
func (p *PayPal) CreateIntent(ctx context.Context, req types.IntentRequest) (*types.GatewayIntent, error) {
	currency := strings.ToUpper(req.Currency)
	amount := types.ToMinorUnits(req.Amount)
	log.Printf("[PayPal CreateIntent] order: %s, amount: %d, currency: %s", req.OrderID, amount, currency)

	record, err := p.intentRecord(ctx, req.OrderID, amount, currency)
	if err != nil {
		return nil, err
	}
	if record.Status == models.IntentStatusCreated || record.Status == models.IntentStatusCompleted {
		log.Printf("[PayPal CreateIntent] reusing PayPal order %s for %s", record.ExternalOrderID, req.OrderID)
		return toIntent(record), nil
	}

	paymentRef := utils.EncodePaymentID(record.ID)
	purchaseUnits := []paypal.PurchaseUnitRequest{
		{
			ReferenceID: paymentRef,
			CustomID:    req.OrderID,
			Amount: &paypal.PurchaseUnitAmount{
				Currency: currency,
				Value:    req.Amount.StringFixed(2),
			},
			Description: p.description(req),
		},
	}
	applicationContext := &paypal.ApplicationContext{
		ReturnURL: utils.BuildCallbackURL(p.opts.CallbackBaseURL, ChannelName, paymentRef, "success"),
		CancelURL: utils.BuildCallbackURL(p.opts.CallbackBaseURL, ChannelName, paymentRef, "cancel"),
	}

	order, err := p.client.CreateOrder(ctx, "CAPTURE", purchaseUnits, nil, applicationContext)
	if err != nil {
		return nil, fmt.Errorf("%w: create PayPal order: %v", errors.ErrGatewayUnavailable, err)
	}

	link := approvalURL(order)
	if link == "" {
		return nil, fmt.Errorf("%w: PayPal order %s has no approval link", errors.ErrGatewayUnavailable, order.ID)
	}

	err = p.db.WithContext(ctx).Model(record).Updates(map[string]interface{}{
		"status":            models.IntentStatusCreated,
		"external_order_id": order.ID,
		"approval_url":      link,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update payment intent: %w", err)
	}
	record.Status = models.IntentStatusCreated
	record.ExternalOrderID = order.ID
	record.ApprovalURL = link

	return toIntent(record), nil
}

// Verify 向PayPal确认订单是否已付款，已批准未扣款的订单在此捕获。
func (p *PayPal) Verify(ctx context.Context, gatewayOrderRef, proof string) (*types.Verification, error) {
	if proof != "" && proof != gatewayOrderRef {
		log.Printf("[PayPal Verify] proof does not match order %s", gatewayOrderRef)
		return &types.Verification{Status: "PROOF_MISMATCH"}, nil
	}

	if gatewayOrderRef == "" {
		return nil, fmt.Errorf("empty PayPal order id: %w", errors.ErrInvalidPaymentRef)
	}

	var record models.PaymentIntent
	err := p.db.WithContext(ctx).Where("external_order_id = ?", gatewayOrderRef).First(&record).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("PayPal order %s: %w", gatewayOrderRef, errors.ErrInvalidPaymentRef)
	}
	if err != nil {
		return nil, err
	}

	if record.Status == models.IntentStatusCompleted {
		return &types.Verification{Verified: true, GatewayPaymentRef: record.CaptureID, Status: orderStatusCompleted}, nil
	}

	order, err := p.client.GetOrder(ctx, gatewayOrderRef)
	if isNotFound(err) {
		log.Printf("[PayPal Verify] order %s not found at PayPal", gatewayOrderRef)
		p.updateStatus(ctx, &record, models.IntentStatusFailed)
		return &types.Verification{Status: orderStatusNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get PayPal order %s: %v", errors.ErrGatewayUnavailable, gatewayOrderRef, err)
	}

	switch order.Status {
	case orderStatusCompleted:
		return p.markCompleted(ctx, &record, captureIDFromOrder(order))

	case orderStatusApproved:
		capture, err := p.client.CaptureOrder(ctx, gatewayOrderRef, paypal.CaptureOrderRequest{})
		if err != nil {
			return nil, fmt.Errorf("%w: capture PayPal order %s: %v", errors.ErrGatewayUnavailable, gatewayOrderRef, err)
		}
		if capture.Status != orderStatusCompleted {
			log.Printf("[PayPal Verify] capture not completed for %s, status: %s", gatewayOrderRef, capture.Status)
			return &types.Verification{Status: capture.Status}, nil
		}
		return p.markCompleted(ctx, &record, captureIDFromCapture(capture))

	case orderStatusVoided:
		p.updateStatus(ctx, &record, models.IntentStatusFailed)
	}

	log.Printf("[PayPal Verify] order %s not paid, status: %s", gatewayOrderRef, order.Status)
	return &types.Verification{Status: order.Status}, nil
}

func (p *PayPal) intentRecord(ctx context.Context, orderID string, amount int64, currency string) (*models.PaymentIntent, error) {
	db := p.db.WithContext(ctx)
	record := &models.PaymentIntent{
		OrderID:  orderID,
		Channel:  ChannelName,
		Amount:   amount,
		Currency: currency,
		Status:   models.IntentStatusPending,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	if err := db.Where("order_id = ?", orderID).First(record).Error; err != nil {
		return nil, fmt.Errorf("failed to load payment intent: %w", err)
	}
	if record.Amount != amount || record.Currency != currency {
		return nil, fmt.Errorf("payment intent for %s was created for %d %s: %w",
			orderID, record.Amount, record.Currency, errors.ErrInvalidRequest)
	}
	return record, nil
}

func (p *PayPal) markCompleted(ctx context.Context, record *models.PaymentIntent, captureID string) (*types.Verification, error) {
	now := p.now()
	err := p.db.WithContext(ctx).Model(record).Updates(map[string]interface{}{
		"status":       models.IntentStatusCompleted,
		"capture_id":   captureID,
		"completed_at": now,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update payment intent: %w", err)
	}
	record.Status = models.IntentStatusCompleted
	record.CaptureID = captureID
	record.CompletedAt = &now
	log.Printf("Successfully verified PayPal payment: order=%s, capture=%s", record.OrderID, captureID)
	return &types.Verification{Verified: true, GatewayPaymentRef: captureID, Status: orderStatusCompleted}, nil
}

func (p *PayPal) updateStatus(ctx context.Context, record *models.PaymentIntent, status string) {
	err := p.db.WithContext(ctx).Model(record).Update("status", status).Error
	if err != nil {
		log.Printf("Failed to update payment intent %d status to %s: %v", record.ID, status, err)
	}
}

func (p *PayPal) description(req types.IntentRequest) string {
	if req.Description != "" {
		return req.Description
	}
	return p.opts.Description
}

func toIntent(record *models.PaymentIntent) *types.GatewayIntent {
	return &types.GatewayIntent{
		PaymentRef:      utils.EncodePaymentID(record.ID),
		GatewayOrderRef: record.ExternalOrderID,
		// the PayPal JS SDK approves by order id
		ClientAuthToken: record.ExternalOrderID,
		RedirectURL:     record.ApprovalURL,
		Amount:          types.FromMinorUnits(record.Amount),
		Currency:        record.Currency,
		Status:          record.Status,
	}
}

// isNotFound 判断PayPal是否返回了404
func isNotFound(err error) bool {
	var resp *paypal.ErrorResponse
	return stderrors.As(err, &resp) && resp.Response != nil && resp.Response.StatusCode == http.StatusNotFound
}

// approvalURL 从PayPal订单链接中获取批准URL
func approvalURL(order *paypal.Order) string {
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}

func captureIDFromOrder(order *paypal.Order) string {
	for _, unit := range order.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		for _, c := range unit.Payments.Captures {
			if c.ID != "" {
				return c.ID
			}
		}
	}
	return order.ID
}

func captureIDFromCapture(capture *paypal.CaptureOrderResponse) string {
	for _, unit := range capture.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		for _, c := range unit.Payments.Captures {
			if c.ID != "" {
				return c.ID
			}
		}
	}
	return capture.ID
}
