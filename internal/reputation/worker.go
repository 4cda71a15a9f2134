package reputation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Worker periodically recomputes stale reputation scores.
type Worker struct {
	scorer   *Scorer
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a stale-score refresh worker.
// interval is REPUTATION_REFRESH_INTERVAL, 5 minutes by default.
func NewWorker(scorer *Scorer, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		scorer:   scorer,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the refresh loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

// Stop signals the worker to stop. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) refresh(ctx context.Context) {
	n, err := w.scorer.ComputeAllIfStale(ctx)
	if err != nil {
		w.logger.Warn("reputation refresh incomplete", "error", err, "refreshed", n)
		return
	}
	if n > 0 {
		w.logger.Info("reputation refresh completed", "refreshed", n)
	}
}
