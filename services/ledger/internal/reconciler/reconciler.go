// Package reconciler copies ledger entries from the Redis stream into the
// persistent wallet store.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/AfshinJalili/gowallet/libs/trace"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/cache"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const (
	resultApplied   = "applied"
	resultStale     = "stale"
	resultMalformed = "malformed"
	resultFailed    = "failed"
)

type Stream interface {
	EnsureGroup(ctx context.Context) error
	ReadNew(ctx context.Context, count int64, block time.Duration) ([]redis.XMessage, error)
	ReadPending(ctx context.Context, after string, count int64) ([]redis.XMessage, error)
	Ack(ctx context.Context, ids ...string) error
	Backlog(ctx context.Context) (length int64, pending int64, err error)
}

type WalletStore interface {
	ApplyMutation(ctx context.Context, m balance.Mutation) (bool, error)
}

type Config struct {
	BatchSize     int64
	Block         time.Duration
	RetryInterval time.Duration
	ErrorBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	return c
}

type BatchResult struct {
	Applied   int
	Stale     int
	Malformed int
	Failed    int
}

type Reconciler struct {
	stream  Stream
	store   WalletStore
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
}

func New(stream Stream, store WalletStore, cfg Config, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		stream:  stream,
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: metrics,
	}
}

// Run loops until ctx is cancelled. Errors never stop the loop; failed
// entries stay pending and are retried on the next pass over the pending
// list. A batch already read is finished even if ctx is cancelled meanwhile.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.stream.EnsureGroup(ctx); err != nil {
		return err
	}
	r.logger.Info("reconciler started", "batch_size", r.cfg.BatchSize, "retry_interval", r.cfg.RetryInterval)

	work := context.WithoutCancel(ctx)
	var lastRetry time.Time
	for {
		if ctx.Err() != nil {
			r.logger.Info("reconciler stopped")
			return nil
		}

		if time.Since(lastRetry) >= r.cfg.RetryInterval {
			r.RetryPending(ctx)
			lastRetry = time.Now()
		}

		msgs, err := r.stream.ReadNew(ctx, r.cfg.BatchSize, r.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if r.metrics != nil {
				r.metrics.ReadErrors.Inc()
			}
			r.logger.Error("ledger read failed", "error", err)
			r.sleep(ctx, r.cfg.ErrorBackoff)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		r.ProcessBatch(work, msgs)
	}
}

// RetryPending walks this consumer's pending list once and re-applies
// every entry in it.
func (r *Reconciler) RetryPending(ctx context.Context) BatchResult {
	var total BatchResult
	var seen int
	after := ""
	for ctx.Err() == nil {
		msgs, err := r.stream.ReadPending(ctx, after, r.cfg.BatchSize)
		if err != nil {
			if r.metrics != nil {
				r.metrics.ReadErrors.Inc()
			}
			r.logger.Error("pending ledger read failed", "error", err)
			break
		}
		if len(msgs) == 0 {
			break
		}
		seen += len(msgs)
		res := r.ProcessBatch(context.WithoutCancel(ctx), msgs)
		total.Applied += res.Applied
		total.Stale += res.Stale
		total.Malformed += res.Malformed
		total.Failed += res.Failed
		after = msgs[len(msgs)-1].ID
		if int64(len(msgs)) < r.cfg.BatchSize {
			break
		}
	}
	if r.metrics != nil {
		r.metrics.Pending.Set(float64(total.Malformed + total.Failed))
	}
	if seen > 0 {
		r.logger.Info("pending ledger entries retried", "seen", seen, "applied", total.Applied, "stale", total.Stale, "still_pending", total.Malformed+total.Failed)
	}
	r.observeBacklog(ctx)
	return total
}

// observeBacklog records how far the wallet store lags the ledger.
func (r *Reconciler) observeBacklog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	length, pending, err := r.stream.Backlog(ctx)
	if err != nil {
		r.logger.Warn("ledger backlog read failed", "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.StreamLength.Set(float64(length))
		r.metrics.GroupPending.Set(float64(pending))
	}
	if pending > 0 {
		r.logger.Debug("ledger backlog", "length", length, "pending", pending)
	}
}

// ProcessBatch applies each entry and acknowledges it only once the store
// has it. Entries that fail to decode or persist are left pending.
func (r *Reconciler) ProcessBatch(ctx context.Context, msgs []redis.XMessage) BatchResult {
	ctx, span := trace.Start(ctx, "ledger.reconcile_batch", attribute.Int("entries", len(msgs)))
	defer span.End()

	start := time.Now()
	var res BatchResult
	for _, msg := range msgs {
		m, err := cache.DecodeEntry(msg)
		if err != nil {
			res.Malformed++
			r.count(resultMalformed)
			r.logger.Warn("malformed ledger entry", "id", msg.ID, "error", err)
			continue
		}

		applied, err := r.store.ApplyMutation(ctx, m)
		if err != nil {
			res.Failed++
			r.count(resultFailed)
			r.logger.Error("wallet store write failed", "id", msg.ID, "wallet", m.Key.Encode(), "user", m.UserCode, "error", err)
			continue
		}
		if applied {
			res.Applied++
			r.count(resultApplied)
		} else {
			res.Stale++
			r.count(resultStale)
			r.logger.Debug("stale ledger entry skipped", "id", msg.ID, "wallet", m.Key.Encode(), "user", m.UserCode)
		}

		if err := r.stream.Ack(ctx, msg.ID); err != nil {
			r.logger.Error("ledger ack failed", "id", msg.ID, "error", err)
		}
	}

	if r.metrics != nil {
		r.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}
	span.SetAttributes(
		attribute.Int("applied", res.Applied),
		attribute.Int("failed", res.Failed+res.Malformed),
	)
	return res
}

func (r *Reconciler) count(result string) {
	if r.metrics != nil {
		r.metrics.Entries.WithLabelValues(result).Inc()
	}
}

func (r *Reconciler) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
