package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flaboy/aira-checkout/pkg/types"
	"golang.org/x/time/rate"
)

// PendingLister finds PENDING records nobody came back for.
type PendingLister interface {
	ListPendingOlderThan(ctx context.Context, age time.Duration, after *types.OrderCursor, limit int) ([]*types.Order, error)
}

// Reconciler settles one abandoned record.
type Reconciler interface {
	Reconcile(ctx context.Context, o *types.Order) (*types.Order, error)
}

type Options struct {
	// GracePeriod must exceed the lock TTL so live sessions are never swept.
	GracePeriod time.Duration
	Interval    time.Duration
	BatchSize   int
	// VerifyRate caps gateway verify calls per second.
	VerifyRate float64
}

// Report summarizes one pass.
type Report struct {
	Scanned int
	Paid    int
	Failed  int
	Skipped int
}

// Sweeper periodically settles PENDING records older than the grace period.
type Sweeper struct {
	orders     PendingLister
	reconciler Reconciler
	limiter    *rate.Limiter
	opts       Options

	mu sync.Mutex
	// cursor is where the next pass starts; nil means the oldest record.
	cursor *types.OrderCursor
}

func NewSweeper(orders PendingLister, reconciler Reconciler, opts Options) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.VerifyRate <= 0 {
		opts.VerifyRate = 5
	}
	return &Sweeper{
		orders:     orders,
		reconciler: reconciler,
		limiter:    rate.NewLimiter(rate.Limit(opts.VerifyRate), 1),
		opts:       opts,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("[Sweeper] started", "interval", s.opts.Interval, "grace", s.opts.GracePeriod)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("[Sweeper] pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("[Sweeper] stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce settles one batch. Batches walk the PENDING records in creation order
// and wrap around after a short page, so a record whose verification keeps failing
// is retried on every lap without holding back the records behind it.
func (s *Sweeper) SweepOnce(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.orders.ListPendingOlderThan(ctx, s.opts.GracePeriod, s.cursor, s.opts.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(pending) < s.opts.BatchSize {
		s.cursor = nil
	} else {
		s.cursor = types.CursorOf(pending[len(pending)-1])
	}

	report := &Report{Scanned: len(pending)}
	for _, o := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}
		settled, err := s.reconciler.Reconcile(ctx, o)
		if err != nil {
			report.Skipped++
			slog.Warn("[Sweeper] order skipped", "orderID", o.ID, "error", err)
			continue
		}
		switch settled.State {
		case types.OrderStatePaid:
			report.Paid++
		case types.OrderStateFailed, types.OrderStateCancelled:
			report.Failed++
		default:
			report.Skipped++
		}
	}

	if report.Scanned > 0 {
		slog.Info("[Sweeper] pass done", "scanned", report.Scanned, "paid", report.Paid, "failed", report.Failed, "skipped", report.Skipped)
	}
	return report, nil
}
