package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/flaboy/aira-checkout/pkg/extensions/payment/utils"
	"github.com/flaboy/aira-checkout/pkg/models"
	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Checkout is the orchestrator surface exposed over HTTP.
type Checkout interface {
	Initiate(ctx context.Context, req types.InitiateRequest) (*types.InitiateResult, error)
	Complete(ctx context.Context, orderID, proof string) (*types.StateResult, error)
	Cancel(ctx context.Context, orderID string) (*types.StateResult, error)
	MarkFailed(ctx context.Context, orderID string) (*types.StateResult, error)
	Retry(ctx context.Context, orderID, sessionID string) (*types.InitiateResult, error)
	GetState(ctx context.Context, orderID string) (*types.Order, error)
}

// Intents resolves local gateway intent records.
type Intents interface {
	GetIntentRecord(ctx context.Context, paymentRef string) (*models.PaymentIntent, error)
	GetIntentForOrder(ctx context.Context, orderID string) (*models.PaymentIntent, error)
}

// Controller 结账 HTTP 控制器
type Controller struct {
	checkout Checkout
	intents  Intents
	router   chi.Router
}

// NewController 创建控制器并注册路由
func NewController(checkout Checkout, intents Intents, timeout time.Duration) *Controller {
	c := &Controller{checkout: checkout, intents: intents}
	c.router = c.registerRoutes(timeout)
	return c
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.router.ServeHTTP(w, r)
}

func (c *Controller) registerRoutes(timeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Post("/checkout/initiate", c.handle(c.Initiate))
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/", c.handle(c.GetOrder))
		r.Post("/complete", c.handle(c.Complete))
		r.Post("/cancel", c.handle(c.Cancel))
		r.Post("/fail", c.handle(c.MarkFailed))
		r.Post("/retry", c.handle(c.Retry))
	})
	r.Get("/payment/{channel}/callback/{ref}", c.handle(c.GatewayCallback))
	return r
}

// Initiate POST /checkout/initiate
func (c *Controller) Initiate(w http.ResponseWriter, r *http.Request) error {
	var req types.InitiateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		return errors.ErrInvalidRequest
	}
	result, err := c.checkout.Initiate(r.Context(), req)
	if err != nil {
		return err
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
	return nil
}

type completeRequest struct {
	Proof string `json:"proof"`
}

// Complete POST /orders/{id}/complete
func (c *Controller) Complete(w http.ResponseWriter, r *http.Request) error {
	var req completeRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			return errors.ErrInvalidRequest
		}
	}
	result, err := c.checkout.Complete(r.Context(), chi.URLParam(r, "id"), req.Proof)
	if err != nil {
		return err
	}
	render.JSON(w, r, result)
	return nil
}

// Cancel POST /orders/{id}/cancel
func (c *Controller) Cancel(w http.ResponseWriter, r *http.Request) error {
	result, err := c.checkout.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	render.JSON(w, r, result)
	return nil
}

// MarkFailed POST /orders/{id}/fail
func (c *Controller) MarkFailed(w http.ResponseWriter, r *http.Request) error {
	result, err := c.checkout.MarkFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	render.JSON(w, r, result)
	return nil
}

type retryRequest struct {
	SessionID string `json:"session_id"`
}

// Retry POST /orders/{id}/retry
func (c *Controller) Retry(w http.ResponseWriter, r *http.Request) error {
	var req retryRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			return errors.ErrInvalidRequest
		}
	}
	result, err := c.checkout.Retry(r.Context(), chi.URLParam(r, "id"), req.SessionID)
	if err != nil {
		return err
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
	return nil
}

type paymentView struct {
	PaymentRef  string `json:"payment_ref"`
	Channel     string `json:"channel"`
	Status      string `json:"status"`
	ApprovalURL string `json:"approval_url,omitempty"`
}

type orderView struct {
	*types.Order
	Payment *paymentView `json:"payment,omitempty"`
}

// GetOrder GET /orders/{id}
func (c *Controller) GetOrder(w http.ResponseWriter, r *http.Request) error {
	o, err := c.checkout.GetState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	view := orderView{Order: o}
	if o.PaymentMethod == types.PaymentMethodGateway {
		record, err := c.intents.GetIntentForOrder(r.Context(), o.ID)
		if err != nil {
			return err
		}
		if record != nil {
			view.Payment = &paymentView{
				PaymentRef:  utils.EncodePaymentID(record.ID),
				Channel:     record.Channel,
				Status:      record.Status,
				ApprovalURL: record.ApprovalURL,
			}
		}
	}
	render.JSON(w, r, view)
	return nil
}

// GatewayCallback GET /payment/{channel}/callback/{ref}?action=success|cancel
// The buyer lands here after approving or dismissing the gateway widget.
func (c *Controller) GatewayCallback(w http.ResponseWriter, r *http.Request) error {
	ref := chi.URLParam(r, "ref")
	record, err := c.intents.GetIntentRecord(r.Context(), ref)
	if err != nil {
		return err
	}
	if record.Channel != chi.URLParam(r, "channel") {
		return errors.ErrInvalidPaymentRef
	}

	var result *types.StateResult
	switch action := r.URL.Query().Get("action"); action {
	case "cancel":
		result, err = c.checkout.Cancel(r.Context(), record.OrderID)
	case "success":
		// PayPal appends its own order id as token
		result, err = c.checkout.Complete(r.Context(), record.OrderID, r.URL.Query().Get("token"))
	default:
		return errors.ErrInvalidRequest
	}
	if err != nil {
		return err
	}
	slog.Info("[API] gateway callback handled", "ref", ref, "orderID", record.OrderID, "state", result.State)
	render.JSON(w, r, result)
	return nil
}

type errorResponse struct {
	Code    errors.Kind `json:"code"`
	Message string      `json:"message"`
}

var statusByKind = map[errors.Kind]int{
	errors.KindContention:  http.StatusConflict,
	errors.KindFunds:       http.StatusPaymentRequired,
	errors.KindGateway:     http.StatusBadGateway,
	errors.KindUnavailable: http.StatusGone,
	errors.KindNotFound:    http.StatusNotFound,
	errors.KindInvalid:     http.StatusBadRequest,
	errors.KindInternal:    http.StatusInternalServerError,
}

// StatusOf maps a checkout error to its HTTP status.
func StatusOf(err error) int {
	return statusByKind[errors.KindOf(err)]
}

func (c *Controller) handle(fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		kind := errors.KindOf(err)
		resp := errorResponse{Code: kind, Message: err.Error()}
		if kind == errors.KindInternal {
			slog.Error("[API] request failed", "method", r.Method, "path", r.URL.Path,
				"requestID", middleware.GetReqID(r.Context()), "error", err)
			resp.Message = "internal error"
		}
		render.Status(r, StatusOf(err))
		render.JSON(w, r, resp)
	}
}
