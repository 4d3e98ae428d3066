package commence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/flaboy/aira-checkout/pkg/api"
	"github.com/flaboy/aira-checkout/pkg/catalog"
	"github.com/flaboy/aira-checkout/pkg/checkout"
	"github.com/flaboy/aira-checkout/pkg/config"
	"github.com/flaboy/aira-checkout/pkg/events"
	"github.com/flaboy/aira-checkout/pkg/extensions/audit"
	"github.com/flaboy/aira-checkout/pkg/extensions/fulfillment"
	"github.com/flaboy/aira-checkout/pkg/extensions/payment"
	"github.com/flaboy/aira-checkout/pkg/extensions/payment/paypal"
	"github.com/flaboy/aira-checkout/pkg/extensions/payment/utils"
	"github.com/flaboy/aira-checkout/pkg/orders"
	"github.com/flaboy/aira-checkout/pkg/reconcile"
	"github.com/flaboy/aira-checkout/pkg/serviceaction"
	"github.com/flaboy/aira-checkout/pkg/session"
	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/flaboy/aira-checkout/pkg/wallet"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// App holds the wired checkout components.
type App struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Events   *events.Dispatcher
	Orders   *orders.Store
	Ledger   *wallet.Ledger
	Locks    *session.Coordinator
	Payments *payment.PaymentManager
	Engine   *serviceaction.Engine
	Checkout *checkout.Service
	Sweeper  *reconcile.Sweeper
	// Listener is nil when fulfillment runs inline.
	Listener *fulfillment.Listener
	API      *api.Controller

	closers []func() error
}

// Start 启动服务组件
func Start(ctx context.Context, cfg *config.CommenceConfig) (*App, error) {
	config.Config = cfg
	SetupLogger(cfg.LogLevel, cfg.LogFormat)

	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	app := &App{DB: db, Events: events.NewDispatcher(), Engine: serviceaction.NewEngine()}

	app.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	app.closers = append(app.closers, app.Redis.Close)
	if err := app.Redis.Ping(ctx).Err(); err != nil {
		app.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	// 支付渠道
	utils.SetHashSalt(cfg.Checkout.HashSalt)
	payment.Register(paypal.New(db, paypal.Options{
		ClientID:        cfg.PayPal.ClientID,
		ClientSecret:    cfg.PayPal.ClientSecret,
		Sandbox:         cfg.PayPal.Sandbox,
		APIBase:         cfg.PayPal.APIBase,
		CallbackBaseURL: cfg.HTTP.PublicURL,
		Timeout:         cfg.Checkout.RequestTimeout,
	}))
	if err := payment.Init(); err != nil {
		app.Close()
		return nil, err
	}
	gateway, err := payment.Lookup(cfg.Checkout.Channel)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Payments = payment.NewPaymentManager(db)

	// 履约
	app.registerFulfillers(cfg.Fulfillment)
	var queue fulfillment.SQSAPI
	if cfg.Fulfillment.Enabled {
		client, err := fulfillment.NewSQSClient(ctx, cfg.Fulfillment)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("fulfillment queue: %w", err)
		}
		queue = client
		app.Events.RegisterPaidHandler(fulfillment.NewPublisher(queue, cfg.Fulfillment.QueueURL, cfg.Fulfillment.FIFO))
	} else {
		slog.Warn("[Commence] fulfillment queue disabled, running fulfillment inline")
		app.Events.RegisterPaidHandler(fulfillment.NewInline(app.Engine))
	}

	if cfg.Audit.Enabled {
		notifier := audit.NewKafkaNotifier(cfg.Audit)
		app.Events.RegisterTerminalHandler(notifier)
		app.closers = append(app.closers, notifier.Close)
	}

	app.Orders = orders.NewStore(db, orders.WithDispatcher(app.Events))
	app.Ledger = wallet.NewLedger(db)
	app.Locks = session.NewCoordinator(app.Redis, session.WithTTL(cfg.Checkout.LockTTL))
	app.Checkout = checkout.NewService(checkout.Deps{
		DB:      db,
		Orders:  app.Orders,
		Ledger:  app.Ledger,
		Locks:   app.Locks,
		Gateway: gateway,
		Catalog: catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.Token, cfg.Catalog.Timeout),
		Events:  app.Events,
	}, checkout.Options{
		Currency:       cfg.Checkout.Currency,
		RequestTimeout: cfg.Checkout.RequestTimeout,
	})
	app.Sweeper = reconcile.NewSweeper(app.Orders, app.Checkout, reconcile.Options{
		GracePeriod: cfg.Checkout.GracePeriod,
		Interval:    cfg.Checkout.SweepInterval,
		BatchSize:   cfg.Checkout.SweepBatch,
		VerifyRate:  cfg.Checkout.VerifyRate,
	})
	if queue != nil {
		app.Listener = fulfillment.NewListener(queue, cfg.Fulfillment.QueueURL, app.Engine, app.Orders, cfg.Fulfillment.WaitSeconds)
	}
	app.API = api.NewController(app.Checkout, app.Payments, cfg.Checkout.RequestTimeout*2)

	slog.Info("[Commence] checkout started", "channel", gateway.GetChannelName(),
		"actions", app.Engine.GetRegisteredTypes(), "lockTTL", app.Locks.TTL())
	return app, nil
}

func (a *App) registerFulfillers(cfg config.FulfillmentConfig) {
	endpoints := map[serviceaction.ActionType]string{
		serviceaction.ActionEnroll:      cfg.EnrollURL,
		serviceaction.ActionConfirmSlot: cfg.ConfirmSlotURL,
	}
	for action, url := range endpoints {
		var f serviceaction.Fulfiller
		if url != "" {
			f = fulfillment.NewWebhookFulfiller(url, cfg.Token, 0)
		} else {
			slog.Warn("[Commence] no fulfillment endpoint, paid orders are only logged", "action", action)
			f = logOnly(action)
		}
		a.Engine.Register(serviceaction.NewFulfillExecutor(action, f, a.DB))
	}
}

func logOnly(action serviceaction.ActionType) serviceaction.Fulfiller {
	return serviceaction.FulfillerFunc(func(ctx context.Context, event *types.OrderPaidEvent) error {
		slog.Info("[Fulfill] no endpoint configured", "action", action, "orderID", event.OrderID, "actorID", event.ActorID)
		return nil
	})
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenDatabase opens postgres or sqlite with duplicate-key errors translated to
// gorm.ErrDuplicatedKey, which the order store relies on.
func OpenDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres", "":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// SetupLogger installs the default slog handler.
func SetupLogger(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
