package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BalanceCache serves the authoritative hot balances. Writes go through
// Mutator only.
type BalanceCache struct {
	client redis.UniversalClient
	scale  int32
}

func NewBalanceCache(client redis.UniversalClient, scale int32) *BalanceCache {
	if scale <= 0 {
		scale = balance.DefaultScale
	}
	return &BalanceCache{client: client, scale: scale}
}

// Get returns zero for a counter that was never written.
func (c *BalanceCache) Get(ctx context.Context, key balance.WalletKey, userCode string) (decimal.Decimal, error) {
	raw, err := c.client.HGet(ctx, key.Encode(), userCode).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance %s: %w", key, err)
	}
	return balance.FromUnits(raw, c.scale)
}

// GetAll reads every sub-account of one currency in a single round trip.
func (c *BalanceCache) GetAll(ctx context.Context, userCode, currencyID string) (map[balance.SubAccount]decimal.Decimal, error) {
	pipe := c.client.Pipeline()
	cmds := make(map[balance.SubAccount]*redis.StringCmd, len(balance.SubAccounts))
	for _, sub := range balance.SubAccounts {
		key := balance.WalletKey{Sub: sub, CurrencyID: currencyID}
		cmds[sub] = pipe.HGet(ctx, key.Encode(), userCode)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read balances %s/%s: %w", userCode, currencyID, err)
	}

	out := make(map[balance.SubAccount]decimal.Decimal, len(cmds))
	for sub, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			out[sub] = decimal.Zero
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read balance %s: %w", sub, err)
		}
		amount, err := balance.FromUnits(raw, c.scale)
		if err != nil {
			return nil, err
		}
		out[sub] = amount
	}
	return out, nil
}

func (c *BalanceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
