package sinktrace

import (
	"context"
	"log/slog"
	"time"
)

// Worker periodically scans completed payouts for sink dumps.
type Worker struct {
	tracer   *Tracer
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewWorker creates a sink trace worker.
func NewWorker(tracer *Tracer, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		tracer:   tracer,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the scan loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			written, err := w.tracer.Scan(ctx)
			if err != nil {
				w.logger.Warn("sink trace scan failed", "error", err)
				continue
			}
			if written > 0 {
				w.logger.Info("sink trace scan completed", "traces", written)
			}
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
