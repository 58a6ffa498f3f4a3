package cluster

import (
	"context"
	"log/slog"
	"time"
)

// Worker periodically rescores clusters and applies auto-blocks.
type Worker struct {
	detector *Detector
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewWorker creates a cluster recompute worker.
// interval is typically 5 minutes in production, seconds in demo mode.
func NewWorker(detector *Detector, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		detector: detector,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the recompute loop. Call in a goroutine.
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
	blocked, err := w.detector.Recompute(ctx)
	if err != nil {
		w.logger.Warn("cluster recompute failed", "error", err)
		return
	}
	if blocked > 0 {
		w.logger.Info("cluster recompute completed", "newlyBlocked", blocked)
	}
}
