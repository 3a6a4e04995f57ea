package deposit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/cache"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/currency"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// memStore mimics the Postgres store: Within is serialized per store and
// discards every change when fn or the commit fails.
type memStore struct {
	mu          sync.Mutex
	hashes      map[string]storage.DepositRecord
	seen        map[string]struct{}
	pending     map[string]storage.PendingDeposit
	credits     []storage.DepositCredit
	failCommits int
	purgeCutoff time.Time
}

func newMemStore() *memStore {
	return &memStore{
		hashes:  make(map[string]storage.DepositRecord),
		seen:    make(map[string]struct{}),
		pending: make(map[string]storage.PendingDeposit),
	}
}

func pendingKey(user, currency string) string { return user + ":" + currency }

func (s *memStore) Within(ctx context.Context, userCode, currencyID string, fn func(storage.DepositTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		hashes:  make(map[string]storage.DepositRecord, len(s.hashes)),
		seen:    make(map[string]struct{}, len(s.seen)),
		pending: make(map[string]storage.PendingDeposit, len(s.pending)),
		credits: append([]storage.DepositCredit(nil), s.credits...),
	}
	for k, v := range s.hashes {
		tx.hashes[k] = v
	}
	for k := range s.seen {
		tx.seen[k] = struct{}{}
	}
	for k, v := range s.pending {
		tx.pending[k] = v
	}

	if err := fn(tx); err != nil {
		return err
	}
	if s.failCommits > 0 {
		s.failCommits--
		return errors.New("commit failed: connection reset")
	}
	s.hashes, s.seen, s.pending, s.credits = tx.hashes, tx.seen, tx.pending, tx.credits
	return nil
}

func (s *memStore) PendingDeposit(ctx context.Context, userCode, currencyID string) (*storage.PendingDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{hashes: s.hashes, pending: s.pending}
	return tx.LoadPending(ctx, userCode, currencyID)
}

func (s *memStore) PurgeConfirmed(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeCutoff = cutoff
	var n int64
	for hash, rec := range s.hashes {
		if rec.Status == storage.DepositConfirmed && rec.ConfirmedAt != nil && rec.ConfirmedAt.Before(cutoff) {
			delete(s.hashes, hash)
			n++
		}
	}
	return n, nil
}

type memTx struct {
	hashes  map[string]storage.DepositRecord
	seen    map[string]struct{}
	pending map[string]storage.PendingDeposit
	credits []storage.DepositCredit
}

func (t *memTx) InsertDeposit(_ context.Context, rec storage.DepositRecord) (bool, error) {
	if _, ok := t.seen[rec.TxHash]; ok {
		return false, nil
	}
	t.seen[rec.TxHash] = struct{}{}
	rec.CreatedAt = time.Now()
	t.hashes[rec.TxHash] = rec
	return true, nil
}

func (t *memTx) LoadPending(_ context.Context, userCode, currencyID string) (*storage.PendingDeposit, error) {
	p, ok := t.pending[pendingKey(userCode, currencyID)]
	if !ok {
		return nil, nil
	}
	p.Deposits = nil
	for _, rec := range t.hashes {
		if rec.UserCode == userCode && rec.CurrencyID == currencyID && rec.Status == storage.DepositUnconfirmed {
			p.Deposits = append(p.Deposits, rec)
		}
	}
	return &p, nil
}

func (t *memTx) SavePending(_ context.Context, p storage.PendingDeposit) error {
	t.pending[pendingKey(p.UserCode, p.CurrencyID)] = p
	return nil
}

func (t *memTx) ConfirmDeposits(_ context.Context, txHashes []string) error {
	now := time.Now()
	for _, h := range txHashes {
		rec := t.hashes[h]
		rec.Status = storage.DepositConfirmed
		rec.ConfirmedAt = &now
		t.hashes[h] = rec
	}
	return nil
}

func (t *memTx) DeletePending(_ context.Context, userCode, currencyID string) error {
	delete(t.pending, pendingKey(userCode, currencyID))
	return nil
}

func (t *memTx) InsertCredit(_ context.Context, c storage.DepositCredit) error {
	t.credits = append(t.credits, c)
	return nil
}

type fakeRegistry struct {
	currencies map[string]storage.Currency
}

func (f *fakeRegistry) GetActiveCurrency(_ context.Context, id string) (storage.Currency, error) {
	cur, ok := f.currencies[id]
	if !ok {
		return storage.Currency{}, currency.ErrNotFound
	}
	return cur, nil
}

type harness struct {
	acc    *Accumulator
	store  *memStore
	cache  *cache.BalanceCache
	client *redis.Client
}

func newHarness(t *testing.T) harness {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemStore()
	registry := &fakeRegistry{currencies: map[string]storage.Currency{
		"eth":  {ID: "eth", IsActive: true, MinDeposit: decimal.NewFromInt(5)},
		"usdt": {ID: "usdt", IsActive: true, MinDeposit: decimal.Zero},
		"doge": {ID: "doge", IsActive: false, MinDeposit: decimal.NewFromInt(1)},
	}}
	metrics := NewMetrics(prometheus.NewRegistry())
	acc := NewAccumulator(store, registry, cache.NewMutator(client), slog.Default(), metrics)
	return harness{acc: acc, store: store, cache: cache.NewBalanceCache(client, 0), client: client}
}

func (h harness) spot(t *testing.T, user, currencyID string) decimal.Decimal {
	t.Helper()
	got, err := h.cache.Get(context.Background(), balance.WalletKey{Sub: balance.Spot, CurrencyID: currencyID}, user)
	if err != nil {
		t.Fatalf("spot balance: %v", err)
	}
	return got
}

func event(hash, amount string) Event {
	return Event{
		UserCode:   "U1",
		CurrencyID: "eth",
		ChainID:    "eth",
		TokenType:  "native",
		Address:    "0x52908400098527886E0F7030069857D2E4169EE7",
		TxHash:     hash,
		Amount:     decimal.RequireFromString(amount),
	}
}

func TestAccumulateThenCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.acc.Process(ctx, event("0xa", "3"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != OutcomeAccumulated || !res.Total.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected pending total 3, got %+v", res)
	}
	if !h.spot(t, "U1", "eth").IsZero() {
		t.Fatalf("expected no credit below threshold")
	}
	pending, err := h.acc.Pending(ctx, "U1", "eth")
	if err != nil || pending == nil || len(pending.Deposits) != 1 {
		t.Fatalf("expected one pending deposit, got %+v %v", pending, err)
	}

	res, err = h.acc.Process(ctx, event("0xb", "4"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != OutcomeCredited || !res.Total.Equal(decimal.NewFromInt(7)) || res.EntryID == "" {
		t.Fatalf("expected credit of 7, got %+v", res)
	}
	if got := h.spot(t, "U1", "eth"); !got.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected spot 7, got %s", got)
	}
	if pending, _ := h.acc.Pending(ctx, "U1", "eth"); pending != nil {
		t.Fatalf("expected pending deposit removed, got %+v", pending)
	}
	for _, hash := range []string{"0xa", "0xb"} {
		if h.store.hashes[hash].Status != storage.DepositConfirmed {
			t.Fatalf("expected %s confirmed", hash)
		}
	}
	if len(h.store.credits) != 1 || len(h.store.credits[0].TxHashes) != 2 {
		t.Fatalf("expected one credit covering both hashes, got %+v", h.store.credits)
	}
}

func TestSingleDepositAtThresholdCreditsImmediately(t *testing.T) {
	h := newHarness(t)

	res, err := h.acc.Process(context.Background(), event("0xc", "5"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != OutcomeCredited {
		t.Fatalf("expected credit, got %s", res.Outcome)
	}
	if got := h.spot(t, "U1", "eth"); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected spot 5, got %s", got)
	}
}

func TestReplayedHashCreditsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := h.acc.Process(ctx, event("0xd", "6"))
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if i > 0 && res.Outcome != OutcomeDuplicate {
			t.Fatalf("expected duplicate on replay %d, got %s", i, res.Outcome)
		}
	}
	if got := h.spot(t, "U1", "eth"); !got.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected one credit of 6, got %s", got)
	}
	if n := h.client.XLen(ctx, cache.DefaultStream).Val(); n != 1 {
		t.Fatalf("expected one ledger entry, got %d", n)
	}
}

func TestConcurrentReplaysCreditOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.acc.Process(ctx, event("0xe", "9")); err != nil {
				t.Errorf("process: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := h.spot(t, "U1", "eth"); !got.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected single credit of 9, got %s", got)
	}
}

func TestConcurrentThresholdCrossingCreditsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.acc.Process(ctx, event("0xf0", "3")); err != nil {
		t.Fatalf("process: %v", err)
	}

	var wg sync.WaitGroup
	for _, hash := range []string{"0xf1", "0xf2"} {
		wg.Add(1)
		go func(hash string) {
			defer wg.Done()
			if _, err := h.acc.Process(ctx, event(hash, "4")); err != nil {
				t.Errorf("process: %v", err)
			}
		}(hash)
	}
	wg.Wait()

	// One event crosses with 3+4, the other starts a fresh pending total of 4.
	if got := h.spot(t, "U1", "eth"); !got.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected exactly one credit of 7, got %s", got)
	}
	pending, _ := h.acc.Pending(ctx, "U1", "eth")
	if pending == nil || !pending.TotalAmount.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected 4 left pending, got %+v", pending)
	}
}

func TestCommitFailureAfterCreditIsReplayedNotDoubled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.failCommits = 1

	if _, err := h.acc.Process(ctx, event("0x10", "8")); err == nil {
		t.Fatalf("expected commit failure")
	}
	if _, ok := h.store.hashes["0x10"]; ok {
		t.Fatalf("expected dedup row rolled back")
	}

	res, err := h.acc.Process(ctx, event("0x10", "8"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Outcome != OutcomeCredited {
		t.Fatalf("expected credit on retry, got %s", res.Outcome)
	}
	if got := h.spot(t, "U1", "eth"); !got.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected spot credited once, got %s", got)
	}
}

func TestInactiveCurrencyIsRejected(t *testing.T) {
	h := newHarness(t)
	ev := event("0x11", "2")
	ev.CurrencyID = "doge"

	_, err := h.acc.Process(context.Background(), ev)
	if !errors.Is(err, ErrCurrencyInactive) || !IsPermanent(err) {
		t.Fatalf("expected permanent inactive error, got %v", err)
	}
	if _, ok := h.store.hashes["0x11"]; ok {
		t.Fatalf("expected no dedup row for rejected event")
	}
}

func TestUnknownCurrencyIsRejected(t *testing.T) {
	h := newHarness(t)
	ev := event("0x12", "2")
	ev.CurrencyID = "nope"

	_, err := h.acc.Process(context.Background(), ev)
	if !errors.Is(err, currency.ErrNotFound) || !IsPermanent(err) {
		t.Fatalf("expected permanent not found error, got %v", err)
	}
}

func TestInvalidEventsAreRejected(t *testing.T) {
	h := newHarness(t)
	cases := []Event{
		event("0x13", "0"),
		event("0x14", "0.000000001"),
		event("", "1"),
	}
	missingUser := event("0x15", "1")
	missingUser.UserCode = ""
	cases = append(cases, missingUser)

	for _, ev := range cases {
		if _, err := h.acc.Process(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("expected invalid event for %+v, got %v", ev, err)
		}
	}
}

func TestZeroMinimumCreditsEveryDeposit(t *testing.T) {
	h := newHarness(t)
	ev := event("0x16", "0.5")
	ev.CurrencyID = "usdt"

	res, err := h.acc.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != OutcomeCredited {
		t.Fatalf("expected immediate credit, got %s", res.Outcome)
	}
}
