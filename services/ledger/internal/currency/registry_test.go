package currency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/storage"
	"github.com/shopspring/decimal"
)

type fakeCurrencyStore struct {
	currencies []storage.Currency
	listErr    error
	gets       atomic.Int32
}

func (f *fakeCurrencyStore) ListCurrencies(ctx context.Context) ([]storage.Currency, error) {
	return f.currencies, f.listErr
}

func (f *fakeCurrencyStore) GetCurrency(ctx context.Context, id string) (storage.Currency, error) {
	f.gets.Add(1)
	for _, cur := range f.currencies {
		if cur.ID == id {
			return cur, nil
		}
	}
	return storage.Currency{}, storage.ErrNotFound
}

func TestRegistryLoadAndGet(t *testing.T) {
	store := &fakeCurrencyStore{currencies: []storage.Currency{
		{ID: "btc", IsActive: true, MinDeposit: decimal.RequireFromString("0.001")},
		{ID: "doge", IsActive: false},
	}}
	reg := NewRegistry(store)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	cur, err := reg.GetActiveCurrency(context.Background(), " BTC ")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !cur.IsActive || !cur.MinDeposit.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("unexpected currency %+v", cur)
	}
	if store.gets.Load() != 0 {
		t.Fatalf("expected cache hit without store read")
	}

	if ids := reg.ActiveIDs(); len(ids) != 1 || ids[0] != "btc" {
		t.Fatalf("expected only active ids, got %v", ids)
	}
}

func TestRegistryReadsThroughOnMiss(t *testing.T) {
	store := &fakeCurrencyStore{}
	reg := NewRegistry(store)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	store.currencies = []storage.Currency{{ID: "usdt", IsActive: true}}
	if _, err := reg.GetActiveCurrency(context.Background(), "usdt"); err != nil {
		t.Fatalf("expected read-through hit, got %v", err)
	}
	if _, err := reg.GetActiveCurrency(context.Background(), "usdt"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if store.gets.Load() != 1 {
		t.Fatalf("expected a single store read, got %d", store.gets.Load())
	}

	if _, err := reg.GetActiveCurrency(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryLoadKeepsPreviousOnError(t *testing.T) {
	store := &fakeCurrencyStore{currencies: []storage.Currency{{ID: "eth", IsActive: true}}}
	reg := NewRegistry(store)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	store.listErr = errors.New("db down")
	if err := reg.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if reg.Size() != 1 {
		t.Fatalf("expected previous set retained, got %d", reg.Size())
	}
}

func TestRegistryRunRefreshes(t *testing.T) {
	store := &fakeCurrencyStore{currencies: []storage.Currency{{ID: "eth", IsActive: true}}}
	reg := NewRegistry(store)

	ctx, cancel := context.WithCancel(context.Background())
	refreshed := make(chan struct{}, 1)
	go reg.Run(ctx, 5*time.Millisecond, nil, func(time.Duration, error) {
		select {
		case refreshed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatalf("expected a refresh")
	}
	if reg.Size() != 1 || reg.LastRefresh().IsZero() {
		t.Fatalf("expected registry loaded by refresh loop")
	}
}

func TestRegistryLookupNormalizesStoreRead(t *testing.T) {
	store := &fakeCurrencyStore{currencies: []storage.Currency{{ID: "eth", IsActive: true}}}
	reg := NewRegistry(store)

	cur, err := reg.GetActiveCurrency(context.Background(), " ETH ")
	if err != nil {
		t.Fatalf("expected mixed-case id to resolve before any load, got %v", err)
	}
	if cur.ID != "eth" {
		t.Fatalf("unexpected currency %+v", cur)
	}
	if _, err := reg.GetActiveCurrency(context.Background(), "eth"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if store.gets.Load() != 1 {
		t.Fatalf("expected the read-through result cached, got %d store reads", store.gets.Load())
	}
}

func TestFreshnessCheck(t *testing.T) {
	store := &fakeCurrencyStore{currencies: []storage.Currency{{ID: "eth", IsActive: true}}}
	reg := NewRegistry(store)
	check := reg.FreshnessCheck(time.Minute)

	if err := check(context.Background()); !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale before first load, got %v", err)
	}
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := check(context.Background()); err != nil {
		t.Fatalf("expected fresh after load, got %v", err)
	}

	reg.mu.Lock()
	reg.lastRefresh = time.Now().Add(-2 * time.Minute)
	reg.mu.Unlock()
	if err := check(context.Background()); !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale after missed refreshes, got %v", err)
	}
}
