// Package keeper settles accepted escrows once their expiry has passed.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"floorescrow/internal/escrow"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// Settler is the slice of the engine the keeper drives.
type Settler interface {
	Settle(ctx context.Context, id common.Hash, caller escrow.Identity) (*escrow.Settlement, error)
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	// Identity is passed as the settle caller.
	Identity escrow.Identity
}

// SweepResult summarises one pass.
type SweepResult struct {
	Due     int
	Settled int
	Skipped int
	Failed  int
}

// Keeper periodically lists due records and settles them in parallel.
type Keeper struct {
	settler Settler
	due     escrow.DueLister
	cfg     Config
	logger  *slog.Logger
	nowFn   func() int64

	// OnSweep, when set, observes every completed pass.
	OnSweep func(SweepResult)
}

func New(settler Settler, due escrow.DueLister, cfg Config, logger *slog.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		settler: settler,
		due:     due,
		cfg:     cfg,
		logger:  logger,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the clock used to select due records.
func (k *Keeper) SetNowFunc(fn func() int64) {
	if fn != nil {
		k.nowFn = fn
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Info("keeper starting",
		slog.Duration("interval", k.cfg.Interval),
		slog.Int("batch_size", k.cfg.BatchSize),
		slog.Int("concurrency", k.cfg.Concurrency),
	)
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := k.Sweep(ctx); err != nil && ctx.Err() == nil {
			k.logger.Error("keeper sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep settles one batch of due records. Per-record failures are logged and
// counted; only a failure to list due records is returned.
func (k *Keeper) Sweep(ctx context.Context) (SweepResult, error) {
	ids, err := k.due.ListDue(ctx, k.nowFn(), k.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}

	var settled, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			s, err := k.settler.Settle(gctx, id, k.cfg.Identity)
			switch {
			case err == nil:
				settled.Add(1)
				k.logger.Info("keeper settled escrow",
					slog.String("escrow_id", id.Hex()),
					slog.String("winner", s.Winner.Hex()),
					slog.Uint64("payout", s.Payout),
				)
			case errors.Is(err, escrow.ErrAlreadySettled), errors.Is(err, escrow.ErrNotExpiredYet):
				skipped.Add(1)
			default:
				failed.Add(1)
				k.logger.Warn("keeper settle failed",
					slog.String("escrow_id", id.Hex()),
					slog.Bool("retryable", escrow.IsRetryable(err)),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{
		Due:     len(ids),
		Settled: int(settled.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	if k.OnSweep != nil {
		k.OnSweep(res)
	}
	return res, nil
}
