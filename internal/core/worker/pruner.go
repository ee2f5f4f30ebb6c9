package worker

import (
	"context"
	"log/slog"
	"time"
)

// HistoryPruner deletes audit entries older than a retention window.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, retention time.Duration) (int64, error)
}

// Pruner deletes old retry history based on the retention policy.
type Pruner struct {
	retention time.Duration
	target    HistoryPruner
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker. A non-positive retention disables it.
func NewPruner(retention time.Duration, target HistoryPruner) *Pruner {
	return &Pruner{
		retention: retention,
		target:    target,
		log:       slog.Default().With("component", "pruner"),
	}
}

// Interval is how often Start prunes: a tenth of the retention, between one
// minute and one hour.
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, 1*time.Hour)
	return max(interval, 1*time.Minute)
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	// Initial prune
	_, _ = p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.Prune(ctx)
		}
	}
}

// Prune runs one pass and returns how many entries were removed.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	n, err := p.target.PruneHistory(ctx, p.retention)
	if err != nil {
		p.log.Error("Failed to prune retry history", "retention", p.retention, "error", err)
		return 0, err
	}
	if n > 0 {
		p.log.Info("Pruned retry history", "deleted", n, "retention", p.retention)
	}
	return n, nil
}
