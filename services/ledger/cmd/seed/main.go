package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/gowallet/libs/mongoclient"
	"github.com/AfshinJalili/gowallet/libs/postgres"
	"github.com/AfshinJalili/gowallet/libs/redisclient"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/cache"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/config"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/currency"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/service"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/storage"
	"github.com/AfshinJalili/gowallet/services/testutil"
	"github.com/shopspring/decimal"
)

var seedCurrencies = []storage.Currency{
	{ID: "eth", Symbol: "ETH", IsActive: true, Decimals: 18, MinDeposit: decimal.RequireFromString("0.005"), WithdrawalFee: decimal.RequireFromString("0.0005"), MinWithdraw: decimal.RequireFromString("0.01")},
	{ID: "bnb", Symbol: "BNB", IsActive: true, Decimals: 18, MinDeposit: decimal.RequireFromString("0.01"), WithdrawalFee: decimal.RequireFromString("0.0005"), MinWithdraw: decimal.RequireFromString("0.02")},
	{ID: "usdt", Symbol: "USDT", IsActive: true, Decimals: 6, MinDeposit: decimal.RequireFromString("10"), WithdrawalFee: decimal.RequireFromString("1"), MinWithdraw: decimal.RequireFromString("20")},
	{ID: "usdc", Symbol: "USDC", IsActive: true, Decimals: 6, MinDeposit: decimal.RequireFromString("10"), WithdrawalFee: decimal.RequireFromString("1"), MinWithdraw: decimal.RequireFromString("20")},
	{ID: "doge", Symbol: "DOGE", IsActive: false, Decimals: 8, MinDeposit: decimal.RequireFromString("50"), WithdrawalFee: decimal.RequireFromString("5"), MinWithdraw: decimal.RequireFromString("100")},
}

var demoUsers = []string{testutil.DemoUserCode, testutil.TraderUserCode}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: WLT_ENV must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()
	if err := storage.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate postgres: %v", err)
	}

	mongoClient, mongoDB, err := mongoclient.Connect(ctx, cfg.Mongo)
	if err != nil {
		log.Fatalf("connect mongo: %v", err)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	wallets := storage.NewWalletStore(mongoDB)
	if err := wallets.Migrate(ctx); err != nil {
		log.Fatalf("migrate mongo: %v", err)
	}

	rdb, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()

	fmt.Println("Seeding wallet stores...")

	store := storage.New(pool, nil)
	for _, cur := range seedCurrencies {
		if err := store.UpsertCurrency(ctx, cur); err != nil {
			log.Fatalf("seed currency %s: %v", cur.ID, err)
		}
	}
	fmt.Println("✓ Currencies seeded")

	registry := currency.NewRegistry(store)
	if err := registry.Load(ctx); err != nil {
		log.Fatalf("load currencies: %v", err)
	}

	mutator := cache.NewMutator(rdb,
		cache.WithStream(cfg.Ledger.Stream),
		cache.WithScale(cfg.Ledger.Scale),
		cache.WithIdempotencyTTL(cfg.Ledger.IdempotencyTTL),
	)
	wallet := service.NewWalletService(service.Deps{
		Mutator:  mutator,
		Balances: cache.NewBalanceCache(rdb, cfg.Ledger.Scale),
		Registry: registry,
		Records:  store,
		Wallets:  wallets,
	}, nil, nil)

	for _, user := range demoUsers {
		created, err := wallet.ProvisionWallet(ctx, user)
		if err != nil {
			log.Fatalf("provision %s: %v", user, err)
		}
		fmt.Printf("✓ %s: %d wallets provisioned\n", user, created)
	}

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, mutator); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test balances seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo users:")
	for _, user := range demoUsers {
		fmt.Printf("  %s\n", user)
	}
}
