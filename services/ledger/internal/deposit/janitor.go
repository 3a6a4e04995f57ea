package deposit

import (
	"context"
	"log/slog"
	"time"
)

const DefaultRetention = 30 * 24 * time.Hour

// Janitor deletes confirmed deposit detail rows once they are older than the
// retention window. Unconfirmed rows are never touched, and the dedup index
// of processed hashes is kept so purged deposits stay deduplicated.
type Janitor struct {
	store     Store
	retention time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

func NewJanitor(store Store, retention time.Duration, logger *slog.Logger, metrics *Metrics) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		retention: retention,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.store.PurgeConfirmed(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if j.metrics != nil {
		j.metrics.Purged.Add(float64(n))
	}
	if n > 0 {
		j.logger.Info("confirmed deposit records purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("deposit retention sweep failed", "error", err)
			}
		}
	}
}
