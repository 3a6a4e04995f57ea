package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/gowallet/libs/kafka"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/cache"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/chain"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/currency"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrCurrencyInactive     = errors.New("currency inactive")
	ErrBelowMinimum         = errors.New("amount below minimum withdrawal")
	ErrWithdrawalNotFound   = errors.New("withdrawal not found")
	ErrWithdrawalNotPending = errors.New("withdrawal not pending")
	ErrTransferStranded     = errors.New("transfer stranded")
)

const (
	defaultCompensationAttempts = 5
	defaultCompensationBackoff  = 100 * time.Millisecond
)

type Mutator interface {
	Apply(ctx context.Context, key balance.WalletKey, userCode string, action balance.Action, amount decimal.Decimal, ref string) (cache.Result, error)
}

type BalanceReader interface {
	GetAll(ctx context.Context, userCode, currencyID string) (map[balance.SubAccount]decimal.Decimal, error)
}

type Registry interface {
	GetActiveCurrency(ctx context.Context, id string) (storage.Currency, error)
	ActiveIDs() []string
}

type RecordStore interface {
	InsertWithdrawal(ctx context.Context, w *storage.Withdrawal) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error)
	TransitionWithdrawal(ctx context.Context, id uuid.UUID, from, to, reason string) (*storage.Withdrawal, error)
	MarkWithdrawalRefunded(ctx context.Context, id uuid.UUID, entryID string) error
	InsertTransfer(ctx context.Context, t *storage.InternalTransfer) error
}

type WalletStore interface {
	Provision(ctx context.Context, userCode string, currencyIDs []string) (int, error)
	GetWallet(ctx context.Context, userCode string) ([]storage.WalletBalance, error)
	GetBalance(ctx context.Context, userCode, currencyID string) (*storage.WalletBalance, error)
}

type Deps struct {
	Mutator   Mutator
	Balances  BalanceReader
	Registry  Registry
	Records   RecordStore
	Wallets   WalletStore
	Publisher kafka.Publisher
}

type WalletService struct {
	mutator   Mutator
	balances  BalanceReader
	registry  Registry
	records   RecordStore
	wallets   WalletStore
	publisher kafka.Publisher
	logger    *slog.Logger
	metrics   *Metrics

	compensationAttempts int
	compensationBackoff  time.Duration
}

func NewWalletService(deps Deps, logger *slog.Logger, metrics *Metrics) *WalletService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletService{
		mutator:              deps.Mutator,
		balances:             deps.Balances,
		registry:             deps.Registry,
		records:              deps.Records,
		wallets:              deps.Wallets,
		publisher:            deps.Publisher,
		logger:               logger.With("component", "wallet_service"),
		metrics:              metrics,
		compensationAttempts: defaultCompensationAttempts,
		compensationBackoff:  defaultCompensationBackoff,
	}
}

// WithCompensation sets how often a compensating credit is retried.
func (s *WalletService) WithCompensation(attempts int, backoff time.Duration) *WalletService {
	if attempts > 0 {
		s.compensationAttempts = attempts
	}
	if backoff > 0 {
		s.compensationBackoff = backoff
	}
	return s
}

// Mutate applies one credit or debit to a sub-account and returns the new
// balance.
func (s *WalletService) Mutate(ctx context.Context, dir balance.Direction, sub balance.SubAccount, currencyID, userCode string, amount decimal.Decimal) (decimal.Decimal, error) {
	start := time.Now()
	defer s.metrics.observeDuration("Mutate", start)

	if dir != balance.ActionIncrement && dir != balance.ActionDecrement {
		return decimal.Zero, fmt.Errorf("%w: direction %q", ErrInvalidRequest, dir)
	}
	if strings.TrimSpace(userCode) == "" {
		return decimal.Zero, fmt.Errorf("%w: user code required", ErrInvalidRequest)
	}
	cur, err := s.registry.GetActiveCurrency(ctx, currencyID)
	if err != nil {
		return decimal.Zero, err
	}
	key, err := balance.NewWalletKey(sub, cur.ID)
	if err != nil {
		return decimal.Zero, err
	}

	res, err := s.mutator.Apply(ctx, key, userCode, dir, amount, "")
	if err != nil {
		s.metrics.observeMutation(string(dir), mutationStatus(err))
		return decimal.Zero, err
	}
	s.metrics.observeMutation(string(dir), "success")
	return res.NewBalance, nil
}

type WithdrawRequest struct {
	UserCode   string
	CurrencyID string
	Amount     decimal.Decimal
	Address    string
	ChainID    string
}

// Withdraw debits amount plus the currency's fee from funding and records a
// pending withdrawal for review. A debit that cannot be recorded is refunded.
func (s *WalletService) Withdraw(ctx context.Context, req WithdrawRequest) (*storage.Withdrawal, error) {
	start := time.Now()
	defer s.metrics.observeDuration("Withdraw", start)

	if strings.TrimSpace(req.UserCode) == "" {
		return nil, fmt.Errorf("%w: user code required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if err := chain.ValidateAddress(req.ChainID, req.Address); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	cur, err := s.activeCurrency(ctx, req.CurrencyID)
	if err != nil {
		return nil, err
	}
	if req.Amount.LessThan(cur.MinWithdraw) {
		s.metrics.observeWithdrawal("below_minimum")
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, req.Amount, cur.MinWithdraw)
	}

	key, err := balance.NewWalletKey(balance.Funding, cur.ID)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	total := req.Amount.Add(cur.WithdrawalFee)

	res, err := s.mutator.Apply(ctx, key, req.UserCode, balance.ActionDecrement, total, "withdrawal:"+id.String())
	if err != nil {
		s.metrics.observeMutation(string(balance.ActionDecrement), mutationStatus(err))
		if errors.Is(err, cache.ErrInsufficientBalance) {
			s.metrics.observeWithdrawal("insufficient")
		}
		return nil, err
	}
	s.metrics.observeMutation(string(balance.ActionDecrement), "success")

	w := &storage.Withdrawal{
		ID:         id,
		UserCode:   req.UserCode,
		CurrencyID: cur.ID,
		Amount:     req.Amount,
		Fee:        cur.WithdrawalFee,
		Address:    chain.ChecksumAddress(req.Address),
		ChainID:    chain.Normalize(req.ChainID),
		Status:     storage.WithdrawalPending,
		EntryID:    res.EntryID,
	}
	if err := s.records.InsertWithdrawal(ctx, w); err != nil {
		s.logger.Error("record withdrawal failed", "withdrawal_id", id.String(), "user_code", req.UserCode, "error", err)
		if _, refundErr := s.refundWithdrawal(ctx, w); refundErr != nil {
			return nil, fmt.Errorf("record withdrawal %s: %w (refund failed: %v)", id, err, refundErr)
		}
		s.metrics.observeWithdrawal("refunded")
		return nil, fmt.Errorf("record withdrawal %s: %w", id, err)
	}

	s.metrics.observeWithdrawal(storage.WithdrawalPending)
	s.logger.Info("withdrawal requested",
		"withdrawal_id", id.String(),
		"user_code", w.UserCode,
		"currency_id", w.CurrencyID,
		"amount", w.Amount.String(),
		"fee", w.Fee.String(),
	)
	s.publishRequested(ctx, w)
	return w, nil
}

// ReviewWithdrawal approves or rejects a pending withdrawal. Rejection
// refunds amount plus fee and stores the refund entry on the withdrawal.
// Rejecting again only retries a refund that was never recorded.
func (s *WalletService) ReviewWithdrawal(ctx context.Context, id uuid.UUID, approve bool, reason string) (*storage.Withdrawal, error) {
	to := storage.WithdrawalRejected
	if approve {
		to = storage.WithdrawalApproved
	}

	w, err := s.records.TransitionWithdrawal(ctx, id, storage.WithdrawalPending, to, strings.TrimSpace(reason))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrWithdrawalNotFound
	case errors.Is(err, storage.ErrStatusConflict):
		existing, getErr := s.records.GetWithdrawal(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if !approve && existing.Status == storage.WithdrawalRejected {
			if existing.RefundEntryID != "" {
				return existing, nil
			}
			if err := s.settleRefund(ctx, existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
		return nil, fmt.Errorf("%w: status %s", ErrWithdrawalNotPending, existing.Status)
	case err != nil:
		return nil, err
	}

	if !approve {
		if err := s.settleRefund(ctx, w); err != nil {
			return nil, err
		}
	}

	s.metrics.observeWithdrawal(w.Status)
	s.logger.Info("withdrawal reviewed", "withdrawal_id", id.String(), "status", w.Status)
	s.publishReviewed(ctx, w)
	return w, nil
}

// settleRefund credits a rejected withdrawal back and records the refund
// entry so later reviews do not depend on the idempotency window.
func (s *WalletService) settleRefund(ctx context.Context, w *storage.Withdrawal) error {
	entryID, err := s.refundWithdrawal(ctx, w)
	if err != nil {
		return err
	}
	if err := s.records.MarkWithdrawalRefunded(context.WithoutCancel(ctx), w.ID, entryID); err != nil {
		return fmt.Errorf("record refund of withdrawal %s: %w", w.ID, err)
	}
	w.RefundEntryID = entryID
	return nil
}

func (s *WalletService) refundWithdrawal(ctx context.Context, w *storage.Withdrawal) (string, error) {
	key, err := balance.NewWalletKey(balance.Funding, w.CurrencyID)
	if err != nil {
		return "", err
	}
	return s.compensate(ctx, "withdrawal_refund", key, w.UserCode, w.Amount.Add(w.Fee), "withdrawal-refund:"+w.ID.String())
}

type TransferRequest struct {
	UserCode   string
	CurrencyID string
	From       balance.SubAccount
	To         balance.SubAccount
	Amount     decimal.Decimal
}

// Transfer moves amount between two sub-accounts of one wallet. The debit
// and credit are separate atomic steps; a failed credit is undone with a
// compensating credit of the source. When that also fails the transfer is
// recorded as stranded and ErrTransferStranded is returned.
func (s *WalletService) Transfer(ctx context.Context, req TransferRequest) (*storage.InternalTransfer, error) {
	start := time.Now()
	defer s.metrics.observeDuration("Transfer", start)

	if strings.TrimSpace(req.UserCode) == "" {
		return nil, fmt.Errorf("%w: user code required", ErrInvalidRequest)
	}
	if req.From == req.To {
		return nil, fmt.Errorf("%w: source and destination must differ", ErrInvalidRequest)
	}
	cur, err := s.activeCurrency(ctx, req.CurrencyID)
	if err != nil {
		return nil, err
	}
	src, err := balance.NewWalletKey(req.From, cur.ID)
	if err != nil {
		return nil, err
	}
	dst, err := balance.NewWalletKey(req.To, cur.ID)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	if _, err := s.mutator.Apply(ctx, src, req.UserCode, balance.ActionDecrement, req.Amount, "transfer-debit:"+id.String()); err != nil {
		s.metrics.observeMutation(string(balance.ActionDecrement), mutationStatus(err))
		s.metrics.observeTransfer("rejected")
		return nil, err
	}
	s.metrics.observeMutation(string(balance.ActionDecrement), "success")

	t := &storage.InternalTransfer{
		ID:         id,
		UserCode:   req.UserCode,
		CurrencyID: cur.ID,
		From:       req.From,
		To:         req.To,
		Amount:     req.Amount,
		Status:     storage.TransferCompleted,
	}

	if _, creditErr := s.mutator.Apply(ctx, dst, req.UserCode, balance.ActionIncrement, req.Amount, "transfer-credit:"+id.String()); creditErr != nil {
		s.metrics.observeMutation(string(balance.ActionIncrement), mutationStatus(creditErr))
		s.logger.Warn("transfer credit failed, compensating", "transfer_id", id.String(), "to", string(req.To), "error", creditErr)

		if _, compErr := s.compensate(ctx, "transfer", src, req.UserCode, req.Amount, "transfer-comp:"+id.String()); compErr != nil {
			t.Status = storage.TransferStranded
			t.Error = fmt.Sprintf("credit: %v; compensation: %v", creditErr, compErr)
			s.logger.Error("transfer stranded",
				"transfer_id", id.String(),
				"user_code", req.UserCode,
				"currency_id", cur.ID,
				"from", string(req.From),
				"amount", req.Amount.String(),
				"error", compErr,
			)
			s.recordTransfer(ctx, t)
			return t, fmt.Errorf("%w: %s: %s", ErrTransferStranded, id, t.Error)
		}

		t.Status = storage.TransferCompensated
		t.Error = creditErr.Error()
		s.recordTransfer(ctx, t)
		return t, fmt.Errorf("transfer %s credit failed, source restored: %w", id, creditErr)
	}
	s.metrics.observeMutation(string(balance.ActionIncrement), "success")

	s.recordTransfer(ctx, t)
	return t, nil
}

// recordTransfer persists the outcome. Balances have already moved, so a
// write failure is logged rather than returned.
func (s *WalletService) recordTransfer(ctx context.Context, t *storage.InternalTransfer) {
	s.metrics.observeTransfer(t.Status)
	if err := s.records.InsertTransfer(context.WithoutCancel(ctx), t); err != nil {
		s.logger.Error("record transfer failed", "transfer_id", t.ID.String(), "status", t.Status, "error", err)
	}
}

// compensate issues an idempotent credit, retrying with exponential backoff.
// It ignores caller cancellation: a half-finished operation must be undone.
func (s *WalletService) compensate(ctx context.Context, kind string, key balance.WalletKey, userCode string, amount decimal.Decimal, ref string) (string, error) {
	ctx = context.WithoutCancel(ctx)
	backoff := s.compensationBackoff

	var err error
	for attempt := 1; attempt <= s.compensationAttempts; attempt++ {
		var res cache.Result
		res, err = s.mutator.Apply(ctx, key, userCode, balance.ActionIncrement, amount, ref)
		if err == nil {
			s.metrics.observeCompensation(kind, "success")
			return res.EntryID, nil
		}
		s.logger.Warn("compensating credit failed", "kind", kind, "ref", ref, "attempt", attempt, "error", err)
		if attempt < s.compensationAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	s.metrics.observeCompensation(kind, "failure")
	return "", fmt.Errorf("compensate %s: %w", ref, err)
}

// ProvisionWallet creates a stored wallet for every active currency the user
// does not hold yet and returns how many were created.
func (s *WalletService) ProvisionWallet(ctx context.Context, userCode string) (int, error) {
	if strings.TrimSpace(userCode) == "" {
		return 0, fmt.Errorf("%w: user code required", ErrInvalidRequest)
	}
	ids := s.registry.ActiveIDs()
	if len(ids) == 0 {
		return 0, nil
	}
	created, err := s.wallets.Provision(ctx, userCode, ids)
	if err != nil {
		return 0, fmt.Errorf("provision wallets for %s: %w", userCode, err)
	}
	if created > 0 {
		s.logger.Info("wallets provisioned", "user_code", userCode, "created", created)
	}
	return created, nil
}

// Balances reads the live sub-account balances from the cache.
func (s *WalletService) Balances(ctx context.Context, userCode, currencyID string) (map[balance.SubAccount]decimal.Decimal, error) {
	cur, err := s.registry.GetActiveCurrency(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	return s.balances.GetAll(ctx, userCode, cur.ID)
}

// StoredBalances reads the reconciled copy, which may trail the cache.
func (s *WalletService) StoredBalances(ctx context.Context, userCode string) ([]storage.WalletBalance, error) {
	return s.wallets.GetWallet(ctx, userCode)
}

func (s *WalletService) StoredBalance(ctx context.Context, userCode, currencyID string) (*storage.WalletBalance, error) {
	return s.wallets.GetBalance(ctx, userCode, strings.ToLower(strings.TrimSpace(currencyID)))
}

func (s *WalletService) activeCurrency(ctx context.Context, id string) (storage.Currency, error) {
	cur, err := s.registry.GetActiveCurrency(ctx, id)
	if err != nil {
		return storage.Currency{}, err
	}
	if !cur.IsActive {
		return storage.Currency{}, fmt.Errorf("%w: %s", ErrCurrencyInactive, cur.ID)
	}
	return cur, nil
}

func (s *WalletService) publishRequested(ctx context.Context, w *storage.Withdrawal) {
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(kafka.EventTypeWithdrawalRequested, w.ID.String()),
		kafka.EventTypeWithdrawalRequested, 1, w.ID.String(),
	)
	if err != nil {
		s.logger.Error("build withdrawal event failed", "withdrawal_id", w.ID.String(), "error", err)
		return
	}
	s.publish(ctx, kafka.TopicWithdrawalRequested, w.ID.String(), kafka.WithdrawalRequestedEvent{
		Envelope:     env,
		WithdrawalID: w.ID.String(),
		UserCode:     w.UserCode,
		CurrencyID:   w.CurrencyID,
		Amount:       w.Amount.String(),
		Fee:          w.Fee.String(),
		Address:      w.Address,
		ChainID:      w.ChainID,
	})
}

func (s *WalletService) publishReviewed(ctx context.Context, w *storage.Withdrawal) {
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(kafka.EventTypeWithdrawalReviewed, w.ID.String(), w.Status),
		kafka.EventTypeWithdrawalReviewed, 1, w.ID.String(),
	)
	if err != nil {
		s.logger.Error("build review event failed", "withdrawal_id", w.ID.String(), "error", err)
		return
	}
	s.publish(ctx, kafka.TopicWithdrawalReviewed, w.ID.String(), kafka.WithdrawalReviewedEvent{
		Envelope:     env,
		WithdrawalID: w.ID.String(),
		UserCode:     w.UserCode,
		Status:       w.Status,
	})
}

// publish is best effort; the withdrawal row is the source of truth.
func (s *WalletService) publish(ctx context.Context, topic, key string, value any) {
	if s.publisher == nil {
		return
	}
	if _, _, err := s.publisher.PublishJSON(ctx, topic, key, value); err != nil {
		s.metrics.observePublish(topic, "error")
		s.logger.Error("publish event failed", "topic", topic, "key", key, "error", err)
		return
	}
	s.metrics.observePublish(topic, "success")
}

func mutationStatus(err error) string {
	switch {
	case errors.Is(err, cache.ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, cache.ErrInvalidAmount):
		return "invalid"
	case errors.Is(err, currency.ErrNotFound):
		return "unknown_currency"
	default:
		return "error"
	}
}
