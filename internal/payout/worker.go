package payout

import (
	"context"
	"log/slog"
	"time"
)

// DefaultBatchSize is how many pending rewards one worker pass picks up.
const DefaultBatchSize = 25

// Worker periodically drains pending rewards through the engine.
type Worker struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
}

// NewWorker creates a payout worker.
// interval is typically 15-30 seconds in production, shorter in demo mode.
func NewWorker(engine *Engine, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		engine:   engine,
		interval: interval,
		batch:    DefaultBatchSize,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the payout loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.run(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	paid, err := w.engine.ProcessPending(ctx, w.batch)
	if err != nil {
		w.logger.Warn("payout pass failed", "error", err)
		return
	}
	if paid > 0 {
		w.logger.Info("payout pass completed", "paid", paid)
	}
}
