package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/redis/go-redis/v9"
)

func TestStreamDeliversThenAcks(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	stream := NewStream(client, StreamConfig{})
	if err := stream.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := stream.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group should be idempotent: %v", err)
	}

	m := NewMutator(client)
	key := fundingKey(t, "btc")
	for i := 0; i < 3; i++ {
		if _, err := m.Increment(ctx, key, "U1", dec("1")); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	msgs, err := stream.ReadNew(ctx, 10, 0)
	if err != nil {
		t.Fatalf("read new: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(msgs))
	}

	again, err := stream.ReadNew(ctx, 10, 0)
	if err != nil {
		t.Fatalf("read new: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing new, got %d", len(again))
	}

	pending, err := stream.ReadPending(ctx, "", 10)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending entries, got %d", len(pending))
	}

	if err := stream.Ack(ctx, msgs[0].ID, msgs[1].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err = stream.ReadPending(ctx, "", 10)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != msgs[2].ID {
		t.Fatalf("expected only the unacked entry pending, got %v", pending)
	}
	after, err := stream.ReadPending(ctx, msgs[2].ID, 10)
	if err != nil {
		t.Fatalf("read pending page: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected empty page after last pending id, got %d", len(after))
	}

	length, pendingCount, err := stream.Backlog(ctx)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if length != 1 || pendingCount != 1 {
		t.Fatalf("expected backlog 1/1, got %d/%d", length, pendingCount)
	}
}

func TestStreamGroupStartsFromBeginning(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	m := NewMutator(client)
	if _, err := m.Increment(ctx, fundingKey(t, "btc"), "U1", dec("1")); err != nil {
		t.Fatalf("increment: %v", err)
	}

	stream := NewStream(client, StreamConfig{})
	if err := stream.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	msgs, err := stream.ReadNew(ctx, 10, 0)
	if err != nil {
		t.Fatalf("read new: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected entry written before group creation, got %d", len(msgs))
	}
}

func TestDecodeEntryRejectsMalformed(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing wallet": {"user": "U1", "action": "increment", "amount": "1", "new_balance": "1"},
		"bad wallet":     {"wallet": "nope", "user": "U1", "action": "increment", "amount": "1", "new_balance": "1"},
		"bad action":     {"wallet": "funding_bal_btc", "user": "U1", "action": "burn", "amount": "1", "new_balance": "1"},
		"bad amount":     {"wallet": "funding_bal_btc", "user": "U1", "action": "increment", "amount": "x", "new_balance": "1"},
		"empty user":     {"wallet": "funding_bal_btc", "user": "", "action": "increment", "amount": "1", "new_balance": "1"},
	}
	for name, values := range cases {
		_, err := DecodeEntry(redis.XMessage{ID: "1-0", Values: values})
		if !errors.Is(err, ErrMalformedEntry) {
			t.Fatalf("%s: expected malformed entry error, got %v", name, err)
		}
	}
}

func TestDecodeEntryDefaultsScale(t *testing.T) {
	entry, err := DecodeEntry(redis.XMessage{ID: "1700000000000-1", Values: map[string]interface{}{
		"wallet": "p2p_bal_usdt", "user": "U9", "action": "decrement", "amount": "250000000", "new_balance": "0",
	}})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Key.Sub != balance.P2P || !entry.Amount.Equal(dec("2.5")) || !entry.NewBalance.IsZero() {
		t.Fatalf("unexpected entry %+v", entry)
	}
}
