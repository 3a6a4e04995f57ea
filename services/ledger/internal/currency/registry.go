// Package currency is the in-process view of the currency registry.
package currency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/storage"
)

var (
	ErrNotFound = errors.New("currency not found")
	ErrStale    = errors.New("currency registry stale")
)

type Store interface {
	ListCurrencies(ctx context.Context) ([]storage.Currency, error)
	GetCurrency(ctx context.Context, id string) (storage.Currency, error)
}

type Registry struct {
	store Store

	mu          sync.RWMutex
	currencies  map[string]storage.Currency
	lastRefresh time.Time
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		store:      store,
		currencies: make(map[string]storage.Currency),
	}
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Load replaces the cached set with the store's current rows.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.store.ListCurrencies(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]storage.Currency, len(rows))
	for _, cur := range rows {
		id := normalize(cur.ID)
		if id == "" {
			continue
		}
		next[id] = cur
	}

	r.mu.Lock()
	r.currencies = next
	r.lastRefresh = time.Now().UTC()
	r.mu.Unlock()
	return nil
}

func (r *Registry) Refresh(ctx context.Context) error {
	return r.Load(ctx)
}

// GetActiveCurrency returns the registry row for id. Callers check
// IsActive; an unknown id yields ErrNotFound. Misses fall through to the
// store so a currency added between refreshes is visible at once.
func (r *Registry) GetActiveCurrency(ctx context.Context, id string) (storage.Currency, error) {
	key := normalize(id)
	if key == "" {
		return storage.Currency{}, ErrNotFound
	}

	r.mu.RLock()
	cur, ok := r.currencies[key]
	r.mu.RUnlock()
	if ok {
		return cur, nil
	}

	cur, err := r.store.GetCurrency(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Currency{}, ErrNotFound
	}
	if err != nil {
		return storage.Currency{}, err
	}

	r.mu.Lock()
	r.currencies[key] = cur
	r.mu.Unlock()
	return cur, nil
}

// ActiveIDs lists the ids of active currencies in sorted order.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.currencies))
	for _, cur := range r.currencies {
		if cur.IsActive {
			out = append(out, cur.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.currencies)
}

func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}

// FreshnessCheck fails once the last successful load is older than maxAge,
// so a registry that keeps failing to refresh takes the instance out of
// rotation.
func (r *Registry) FreshnessCheck(maxAge time.Duration) func(context.Context) error {
	return func(context.Context) error {
		last := r.LastRefresh()
		if last.IsZero() {
			return fmt.Errorf("%w: never loaded", ErrStale)
		}
		if maxAge > 0 && time.Since(last) > maxAge {
			return fmt.Errorf("%w: last refresh %s ago", ErrStale, time.Since(last).Round(time.Second))
		}
		return nil
	}
}

// Run refreshes the registry every interval until ctx is done. observe, when
// set, receives each refresh's duration and error.
func (r *Registry) Run(ctx context.Context, interval time.Duration, logger *slog.Logger, observe func(time.Duration, error)) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := r.Refresh(ctx)
			if err != nil {
				logger.Error("currency registry refresh failed", "error", err)
			}
			if observe != nil {
				observe(time.Since(start), err)
			}
		}
	}
}
