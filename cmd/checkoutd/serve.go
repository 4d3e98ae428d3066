package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/flaboy/aira-checkout/pkg/commence"
	"github.com/flaboy/aira-checkout/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveAutoMigrate bool
	serveNoSweeper   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the reconciliation sweeper and the fulfillment listener",
	Long: `Run the checkout service.

Examples:
  checkoutd serve --config checkout.yaml
  CHECKOUT_DATABASE_DSN=postgres://... checkoutd serve --auto-migrate`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveAutoMigrate, "auto-migrate", false, "migrate the schema before serving")
	serveCmd.Flags().BoolVar(&serveNoSweeper, "no-sweeper", false, "do not run the reconciliation sweeper in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := commence.Start(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if serveAutoMigrate {
		if err := models.AutoMigrate(app.DB); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.API,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("[Serve] http listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Checkout.RequestTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if !serveNoSweeper {
		g.Go(func() error { return app.Sweeper.Run(ctx) })
	}
	if app.Listener != nil {
		g.Go(func() error { return app.Listener.Run(ctx) })
	}

	err = g.Wait()
	slog.Info("[Serve] stopped", "error", err)
	return err
}
