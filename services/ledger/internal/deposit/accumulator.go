// Package deposit turns observed on-chain deposits into spot credits once a
// user's accumulated total for a currency reaches the currency minimum.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/gowallet/libs/trace"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/cache"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/currency"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const creditRefPrefix = "deposit:"

var (
	ErrInvalidEvent     = errors.New("invalid deposit event")
	ErrCurrencyInactive = errors.New("currency inactive")
)

type Outcome string

const (
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeAccumulated Outcome = "accumulated"
	OutcomeCredited    Outcome = "credited"
)

type Event struct {
	UserCode   string
	CurrencyID string
	ChainID    string
	TokenType  string
	Address    string
	TxHash     string
	Amount     decimal.Decimal
}

type Result struct {
	Outcome Outcome
	// Total is the pending total after accumulation, or the credited amount.
	Total   decimal.Decimal
	EntryID string
}

type Store interface {
	Within(ctx context.Context, userCode, currencyID string, fn func(storage.DepositTx) error) error
	PendingDeposit(ctx context.Context, userCode, currencyID string) (*storage.PendingDeposit, error)
	PurgeConfirmed(ctx context.Context, cutoff time.Time) (int64, error)
}

type Registry interface {
	GetActiveCurrency(ctx context.Context, id string) (storage.Currency, error)
}

type Crediter interface {
	IncrementRef(ctx context.Context, key balance.WalletKey, userCode string, amount decimal.Decimal, ref string) (cache.Result, error)
	Scale() int32
}

type Accumulator struct {
	store    Store
	registry Registry
	crediter Crediter
	logger   *slog.Logger
	metrics  *Metrics
}

func NewAccumulator(store Store, registry Registry, crediter Crediter, logger *slog.Logger, metrics *Metrics) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		store:    store,
		registry: registry,
		crediter: crediter,
		logger:   logger,
		metrics:  metrics,
	}
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrCurrencyInactive) ||
		errors.Is(err, currency.ErrNotFound)
}

func (a *Accumulator) validate(ev Event) error {
	switch {
	case strings.TrimSpace(ev.UserCode) == "":
		return fmt.Errorf("%w: userCode required", ErrInvalidEvent)
	case strings.TrimSpace(ev.CurrencyID) == "":
		return fmt.Errorf("%w: currencyId required", ErrInvalidEvent)
	case strings.TrimSpace(ev.TxHash) == "":
		return fmt.Errorf("%w: txHash required", ErrInvalidEvent)
	}
	if _, err := balance.ToUnits(ev.Amount, a.crediter.Scale()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Process runs one deposit event through the per-(user, currency) state
// machine. Replays of a known txHash return OutcomeDuplicate with no effect.
func (a *Accumulator) Process(ctx context.Context, ev Event) (result Result, err error) {
	if err := a.validate(ev); err != nil {
		a.observe("rejected")
		return Result{}, err
	}

	ctx, span := trace.Start(ctx, "deposit.process",
		attribute.String("currency", ev.CurrencyID),
		attribute.String("chain", ev.ChainID),
	)
	defer func() { trace.Finish(span, err) }()

	err = a.store.Within(ctx, ev.UserCode, ev.CurrencyID, func(tx storage.DepositTx) error {
		var txErr error
		result, txErr = a.transition(ctx, tx, ev)
		return txErr
	})
	if err != nil {
		if IsPermanent(err) {
			a.observe("rejected")
		} else {
			a.observe("error")
		}
		return Result{}, err
	}

	a.observe(string(result.Outcome))
	switch result.Outcome {
	case OutcomeCredited:
		if a.metrics != nil {
			a.metrics.Credits.WithLabelValues(ev.CurrencyID).Inc()
		}
		a.logger.Info("deposit credited", "user", ev.UserCode, "currency", ev.CurrencyID, "amount", result.Total.String(), "tx_hash", ev.TxHash, "entry_id", result.EntryID)
	case OutcomeAccumulated:
		a.logger.Info("deposit accumulated", "user", ev.UserCode, "currency", ev.CurrencyID, "pending_total", result.Total.String(), "tx_hash", ev.TxHash)
	case OutcomeDuplicate:
		a.logger.Debug("duplicate deposit ignored", "tx_hash", ev.TxHash)
	}
	return result, nil
}

func (a *Accumulator) transition(ctx context.Context, tx storage.DepositTx, ev Event) (Result, error) {
	inserted, err := tx.InsertDeposit(ctx, storage.DepositRecord{
		TxHash:     ev.TxHash,
		UserCode:   ev.UserCode,
		CurrencyID: ev.CurrencyID,
		ChainID:    ev.ChainID,
		TokenType:  ev.TokenType,
		Address:    ev.Address,
		Amount:     ev.Amount,
		Status:     storage.DepositUnconfirmed,
	})
	if err != nil {
		return Result{}, fmt.Errorf("record deposit hash: %w", err)
	}
	if !inserted {
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	cur, err := a.registry.GetActiveCurrency(ctx, ev.CurrencyID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup currency %s: %w", ev.CurrencyID, err)
	}
	if !cur.IsActive {
		return Result{}, fmt.Errorf("%w: %s", ErrCurrencyInactive, ev.CurrencyID)
	}

	pending, err := tx.LoadPending(ctx, ev.UserCode, ev.CurrencyID)
	if err != nil {
		return Result{}, fmt.Errorf("load pending deposit: %w", err)
	}

	total := ev.Amount
	hashes := []string{}
	if pending != nil {
		total = pending.TotalAmount.Add(ev.Amount)
		for _, d := range pending.Deposits {
			if d.TxHash != ev.TxHash {
				hashes = append(hashes, d.TxHash)
			}
		}
	}
	hashes = append(hashes, ev.TxHash)

	if total.LessThan(cur.MinDeposit) {
		if err := tx.SavePending(ctx, storage.PendingDeposit{
			UserCode:    ev.UserCode,
			CurrencyID:  ev.CurrencyID,
			TotalAmount: total,
			Status:      storage.PendingStatusPending,
		}); err != nil {
			return Result{}, fmt.Errorf("save pending deposit: %w", err)
		}
		return Result{Outcome: OutcomeAccumulated, Total: total}, nil
	}

	// The credit is keyed by the hash that crossed the threshold, so a
	// rolled-back transaction that is retried replays the same credit.
	spot := balance.WalletKey{Sub: balance.Spot, CurrencyID: ev.CurrencyID}
	credit, err := a.crediter.IncrementRef(ctx, spot, ev.UserCode, total, creditRefPrefix+ev.TxHash)
	if err != nil {
		return Result{}, fmt.Errorf("credit spot: %w", err)
	}

	if err := tx.ConfirmDeposits(ctx, hashes); err != nil {
		return Result{}, fmt.Errorf("confirm deposits: %w", err)
	}
	if pending != nil {
		if err := tx.DeletePending(ctx, ev.UserCode, ev.CurrencyID); err != nil {
			return Result{}, fmt.Errorf("delete pending deposit: %w", err)
		}
	}
	if err := tx.InsertCredit(ctx, storage.DepositCredit{
		ID:         uuid.New(),
		UserCode:   ev.UserCode,
		CurrencyID: ev.CurrencyID,
		Amount:     total,
		TxHashes:   hashes,
		EntryID:    credit.EntryID,
	}); err != nil {
		return Result{}, fmt.Errorf("record deposit credit: %w", err)
	}

	return Result{Outcome: OutcomeCredited, Total: total, EntryID: credit.EntryID}, nil
}

// Pending returns the accumulated, not yet credited deposits, or nil.
func (a *Accumulator) Pending(ctx context.Context, userCode, currencyID string) (*storage.PendingDeposit, error) {
	return a.store.PendingDeposit(ctx, userCode, currencyID)
}

func (a *Accumulator) observe(outcome string) {
	if a.metrics != nil {
		a.metrics.Events.WithLabelValues(outcome).Inc()
	}
}
