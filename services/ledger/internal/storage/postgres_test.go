package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/AfshinJalili/gowallet/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := Migrate(context.Background(), pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(pool, nil), pool
}

func TestCurrencyUpsertAndGet(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	id := "test-" + uuid.NewString()[:8]
	cur := Currency{
		ID:            id,
		Symbol:        "TST",
		IsActive:      true,
		MinDeposit:    decimal.RequireFromString("5"),
		WithdrawalFee: decimal.RequireFromString("0.1"),
		MinWithdraw:   decimal.RequireFromString("1"),
		Decimals:      8,
	}
	if err := store.UpsertCurrency(ctx, cur); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetCurrency(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.MinDeposit.Equal(cur.MinDeposit) || !got.WithdrawalFee.Equal(cur.WithdrawalFee) || !got.IsActive {
		t.Fatalf("unexpected currency %+v", got)
	}

	if _, err := store.GetCurrency(ctx, "missing-"+id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDepositTransitionCommitsAndDedups(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	user := testutil.UniqueUserCode("dep")
	defer testutil.CleanupTestData(ctx, pool, user)

	hash := testutil.NewTxHash()
	rec := DepositRecord{TxHash: hash, UserCode: user, CurrencyID: "eth", ChainID: "eth", TokenType: "native", Address: testutil.DemoAddress, Amount: decimal.RequireFromString("3")}

	err := store.Within(ctx, user, "eth", func(tx DepositTx) error {
		inserted, err := tx.InsertDeposit(ctx, rec)
		if err != nil || !inserted {
			t.Fatalf("expected insert, got %v %v", inserted, err)
		}
		return tx.SavePending(ctx, PendingDeposit{UserCode: user, CurrencyID: "eth", TotalAmount: rec.Amount})
	})
	if err != nil {
		t.Fatalf("within: %v", err)
	}

	pending, err := store.PendingDeposit(ctx, user, "eth")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending == nil || !pending.TotalAmount.Equal(rec.Amount) || len(pending.Deposits) != 1 {
		t.Fatalf("unexpected pending %+v", pending)
	}

	err = store.Within(ctx, user, "eth", func(tx DepositTx) error {
		inserted, err := tx.InsertDeposit(ctx, rec)
		if err != nil {
			return err
		}
		if inserted {
			t.Fatalf("expected duplicate hash to be ignored")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("within: %v", err)
	}
}

func TestDepositTransitionRollsBackOnError(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	user := testutil.UniqueUserCode("rb")
	defer testutil.CleanupTestData(ctx, pool, user)

	hash := testutil.NewTxHash()
	boom := errors.New("currency inactive")
	err := store.Within(ctx, user, "eth", func(tx DepositTx) error {
		if _, err := tx.InsertDeposit(ctx, DepositRecord{TxHash: hash, UserCode: user, CurrencyID: "eth", ChainID: "eth", TokenType: "native", Address: testutil.DemoAddress, Amount: decimal.NewFromInt(1)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected error to surface, got %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM deposit_transactions WHERE tx_hash = $1`, hash).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected dedup row rolled back, found %d", count)
	}
}

func TestPurgeConfirmed(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	user := testutil.UniqueUserCode("purge")
	defer testutil.CleanupTestData(ctx, pool, user)

	hash := testutil.NewTxHash()
	err := store.Within(ctx, user, "bnb", func(tx DepositTx) error {
		if _, err := tx.InsertDeposit(ctx, DepositRecord{TxHash: hash, UserCode: user, CurrencyID: "bnb", ChainID: "bnb", TokenType: "native", Address: testutil.DemoAddress, Amount: decimal.NewFromInt(1)}); err != nil {
			return err
		}
		return tx.ConfirmDeposits(ctx, []string{hash})
	})
	if err != nil {
		t.Fatalf("within: %v", err)
	}

	n, err := store.PurgeConfirmed(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected confirmed row purged, got %d", n)
	}

	err = store.Within(ctx, user, "bnb", func(tx DepositTx) error {
		inserted, err := tx.InsertDeposit(ctx, DepositRecord{TxHash: hash, UserCode: user, CurrencyID: "bnb", ChainID: "bnb", TokenType: "native", Address: testutil.DemoAddress, Amount: decimal.NewFromInt(1)})
		if err != nil {
			return err
		}
		if inserted {
			t.Fatalf("expected purged hash to stay deduplicated")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("within replay: %v", err)
	}
}

func TestWithdrawalTransition(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	user := testutil.UniqueUserCode("wd")
	defer testutil.CleanupTestData(ctx, pool, user)

	w := &Withdrawal{UserCode: user, CurrencyID: "eth", Amount: decimal.NewFromInt(2), Fee: decimal.RequireFromString("0.01"), Address: testutil.DemoAddress, Status: WithdrawalPending}
	if err := store.InsertWithdrawal(ctx, w); err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := store.TransitionWithdrawal(ctx, w.ID, WithdrawalPending, WithdrawalRejected, "sanctioned address")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Status != WithdrawalRejected || !updated.Fee.Equal(w.Fee) {
		t.Fatalf("unexpected withdrawal %+v", updated)
	}

	if _, err := store.TransitionWithdrawal(ctx, w.ID, WithdrawalPending, WithdrawalApproved, ""); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}
	if _, err := store.TransitionWithdrawal(ctx, uuid.New(), WithdrawalPending, WithdrawalApproved, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := store.MarkWithdrawalRefunded(ctx, w.ID, "1700000000000-0"); err != nil {
		t.Fatalf("mark refunded: %v", err)
	}
	if err := store.MarkWithdrawalRefunded(ctx, w.ID, "1700000000001-0"); err != nil {
		t.Fatalf("mark refunded again: %v", err)
	}
	got, err := store.GetWithdrawal(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RefundEntryID != "1700000000000-0" {
		t.Fatalf("expected first refund entry kept, got %q", got.RefundEntryID)
	}
}
