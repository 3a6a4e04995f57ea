package main

import (
	"context"
	"fmt"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/cache"
	"github.com/AfshinJalili/gowallet/services/testutil"
	"github.com/shopspring/decimal"
)

type seedBalance struct {
	user   string
	sub    balance.SubAccount
	cur    string
	amount string
}

var testBalances = []seedBalance{
	{testutil.DemoUserCode, balance.Funding, "eth", "2.5"},
	{testutil.DemoUserCode, balance.Spot, "usdt", "1500"},
	{testutil.TraderUserCode, balance.Funding, "usdt", "25000"},
	{testutil.TraderUserCode, balance.Spot, "bnb", "12"},
	{testutil.TraderUserCode, balance.Perpetual, "usdc", "5000"},
}

// seedTestData credits demo balances through the mutator so every amount has
// a ledger entry. Refs make a re-run a no-op until the idempotency TTL lapses.
func seedTestData(ctx context.Context, mutator *cache.Mutator) error {
	for _, b := range testBalances {
		key, err := balance.NewWalletKey(b.sub, b.cur)
		if err != nil {
			return err
		}
		ref := fmt.Sprintf("seed:%s:%s", b.user, key.Encode())
		if _, err := mutator.IncrementRef(ctx, key, b.user, decimal.RequireFromString(b.amount), ref); err != nil {
			return fmt.Errorf("credit %s %s: %w", b.user, key, err)
		}
	}
	return nil
}
