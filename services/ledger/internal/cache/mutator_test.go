package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fundingKey(t *testing.T, currency string) balance.WalletKey {
	t.Helper()
	key, err := balance.NewWalletKey(balance.Funding, currency)
	if err != nil {
		t.Fatalf("wallet key: %v", err)
	}
	return key
}

func TestMutatorIncrementThenDecrement(t *testing.T) {
	_, client := newTestRedis(t)
	m := NewMutator(client)
	ctx := context.Background()
	key := fundingKey(t, "btc")

	got, err := m.Increment(ctx, key, "U1", dec("100"))
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if !got.Equal(dec("100")) {
		t.Fatalf("expected 100, got %s", got)
	}
	got, err = m.Decrement(ctx, key, "U1", dec("40"))
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if !got.Equal(dec("60")) {
		t.Fatalf("expected 60, got %s", got)
	}

	msgs, err := client.XRange(ctx, DefaultStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(msgs))
	}
	first, err := DecodeEntry(msgs[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	second, err := DecodeEntry(msgs[1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Action != balance.ActionIncrement || !first.NewBalance.Equal(dec("100")) || !first.Amount.Equal(dec("100")) {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if second.Action != balance.ActionDecrement || !second.NewBalance.Equal(dec("60")) {
		t.Fatalf("unexpected second entry %+v", second)
	}
	if second.Key != key || second.UserCode != "U1" {
		t.Fatalf("unexpected entry identity %+v", second)
	}
}

func TestMutatorRejectsOverdraw(t *testing.T) {
	_, client := newTestRedis(t)
	m := NewMutator(client)
	ctx := context.Background()
	key := fundingKey(t, "eth")

	if _, err := m.Increment(ctx, key, "U1", dec("60")); err != nil {
		t.Fatalf("increment: %v", err)
	}
	got, err := m.Decrement(ctx, key, "U1", dec("150"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if !got.Equal(dec("60")) {
		t.Fatalf("expected current balance 60 reported, got %s", got)
	}

	current, err := NewBalanceCache(client, 0).Get(ctx, key, "U1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !current.Equal(dec("60")) {
		t.Fatalf("expected balance unchanged at 60, got %s", current)
	}
	if n := client.XLen(ctx, DefaultStream).Val(); n != 1 {
		t.Fatalf("expected no entry for rejected decrement, got %d entries", n)
	}
}

func TestMutatorRejectsDecrementOfMissingCounter(t *testing.T) {
	_, client := newTestRedis(t)
	m := NewMutator(client)

	if _, err := m.Decrement(context.Background(), fundingKey(t, "usdt"), "ghost", dec("0.1")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestMutatorCompareIsNumericNotLexical(t *testing.T) {
	_, client := newTestRedis(t)
	m := NewMutator(client, WithScale(2))
	ctx := context.Background()
	key := fundingKey(t, "usdt")

	if _, err := m.Increment(ctx, key, "U1", dec("10")); err != nil {
		t.Fatalf("increment: %v", err)
	}
	// "1000" vs "900": shorter string is smaller even though "9" > "1".
	got, err := m.Decrement(ctx, key, "U1", dec("9"))
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if !got.Equal(dec("1")) {
		t.Fatalf("expected 1, got %s", got)
	}
}

func TestMutatorRejectsInvalidAmounts(t *testing.T) {
	_, client := newTestRedis(t)
	m := NewMutator(client)
	ctx := context.Background()
	key := fundingKey(t, "btc")

	for _, raw := range []string{"0", "-5", "0.000000001"} {
		if _, err := m.Increment(ctx, key, "U1", dec(raw)); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected invalid amount for %s, got %v", raw, err)
		}
	}
	if n := client.XLen(ctx, DefaultStream).Val(); n != 0 {
		t.Fatalf("expected no entries, got %d", n)
	}
}

func TestMutatorRefReplaysWithoutSecondEntry(t *testing.T) {
	_, client := newTestRedis(t)
	m := NewMutator(client)
	ctx := context.Background()
	key, _ := balance.NewWalletKey(balance.Spot, "btc")

	first, err := m.IncrementRef(ctx, key, "U1", dec("7"), "deposit:0xabc")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	second, err := m.IncrementRef(ctx, key, "U1", dec("7"), "deposit:0xabc")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.EntryID != first.EntryID || !second.NewBalance.Equal(dec("7")) {
		t.Fatalf("expected replay of %+v, got %+v", first, second)
	}

	current, _ := NewBalanceCache(client, 0).Get(ctx, key, "U1")
	if !current.Equal(dec("7")) {
		t.Fatalf("expected single credit, got %s", current)
	}
	msgs := client.XRange(ctx, DefaultStream, "-", "+").Val()
	if len(msgs) != 1 {
		t.Fatalf("expected one entry, got %d", len(msgs))
	}
	entry, err := DecodeEntry(msgs[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Reference != "deposit:0xabc" {
		t.Fatalf("expected reference on entry, got %q", entry.Reference)
	}
}

func TestMutatorRefExpires(t *testing.T) {
	s, client := newTestRedis(t)
	m := NewMutator(client, WithIdempotencyTTL(time.Minute))
	ctx := context.Background()
	key := fundingKey(t, "btc")

	if _, err := m.IncrementRef(ctx, key, "U1", dec("1"), "r1"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	s.FastForward(2 * time.Minute)
	res, err := m.IncrementRef(ctx, key, "U1", dec("1"), "r1")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if res.Replayed || !res.NewBalance.Equal(dec("2")) {
		t.Fatalf("expected fresh application after expiry, got %+v", res)
	}
}

func TestMutatorConcurrentMutationsConserveBalance(t *testing.T) {
	_, client := newTestRedis(t)
	m := NewMutator(client)
	ctx := context.Background()
	key := fundingKey(t, "btc")

	if _, err := m.Increment(ctx, key, "U1", dec("50")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		expected = dec("50")
		applied  = 1
	)
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := m.Increment(ctx, key, "U1", dec("1.5")); err == nil {
				mu.Lock()
				expected = expected.Add(dec("1.5"))
				applied++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			_, err := m.Decrement(ctx, key, "U1", dec("4"))
			switch {
			case err == nil:
				mu.Lock()
				expected = expected.Sub(dec("4"))
				applied++
				mu.Unlock()
			case !errors.Is(err, ErrInsufficientBalance):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	final, err := NewBalanceCache(client, 0).Get(ctx, key, "U1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !final.Equal(expected) {
		t.Fatalf("expected %s, got %s", expected, final)
	}
	if final.IsNegative() {
		t.Fatalf("balance went negative: %s", final)
	}

	msgs := client.XRange(ctx, DefaultStream, "-", "+").Val()
	if len(msgs) != applied {
		t.Fatalf("expected %d entries, got %d", applied, len(msgs))
	}
	last, err := DecodeEntry(msgs[len(msgs)-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !last.NewBalance.Equal(final) {
		t.Fatalf("expected last entry to carry final balance %s, got %s", final, last.NewBalance)
	}
	for _, msg := range msgs {
		entry, err := DecodeEntry(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if entry.NewBalance.IsNegative() {
			t.Fatalf("entry %s recorded negative balance", entry.ID)
		}
	}
}
