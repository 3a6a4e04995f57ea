package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const depositLockPrefix = "deposit:"

var (
	ErrNotFound          = errors.New("not found")
	ErrStatusConflict    = errors.New("status conflict")
	ErrDuplicateTransfer = errors.New("duplicate transfer")
)

// Store holds the relational state: the currency registry, deposit
// bookkeeping, withdrawals and internal transfers.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ListCurrencies(ctx context.Context) ([]Currency, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, is_active, min_deposit::text, withdrawal_fee::text, min_withdraw::text, decimals, updated_at
		FROM currencies
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Currency
	for rows.Next() {
		cur, err := scanCurrency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cur)
	}
	return out, rows.Err()
}

func (s *Store) GetCurrency(ctx context.Context, id string) (Currency, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, symbol, is_active, min_deposit::text, withdrawal_fee::text, min_withdraw::text, decimals, updated_at
		FROM currencies
		WHERE id = $1
	`, id)
	cur, err := scanCurrency(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Currency{}, ErrNotFound
	}
	return cur, err
}

func (s *Store) UpsertCurrency(ctx context.Context, cur Currency) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO currencies (id, symbol, is_active, min_deposit, withdrawal_fee, min_withdraw, decimals, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			is_active = EXCLUDED.is_active,
			min_deposit = EXCLUDED.min_deposit,
			withdrawal_fee = EXCLUDED.withdrawal_fee,
			min_withdraw = EXCLUDED.min_withdraw,
			decimals = EXCLUDED.decimals,
			updated_at = now()
	`, cur.ID, cur.Symbol, cur.IsActive, cur.MinDeposit.String(), cur.WithdrawalFee.String(), cur.MinWithdraw.String(), cur.Decimals)
	return err
}

func scanCurrency(row pgx.Row) (Currency, error) {
	var cur Currency
	var minDeposit, fee, minWithdraw string
	if err := row.Scan(&cur.ID, &cur.Symbol, &cur.IsActive, &minDeposit, &fee, &minWithdraw, &cur.Decimals, &cur.UpdatedAt); err != nil {
		return Currency{}, err
	}
	var err error
	if cur.MinDeposit, err = parseDecimal("min_deposit", minDeposit); err != nil {
		return Currency{}, err
	}
	if cur.WithdrawalFee, err = parseDecimal("withdrawal_fee", fee); err != nil {
		return Currency{}, err
	}
	if cur.MinWithdraw, err = parseDecimal("min_withdraw", minWithdraw); err != nil {
		return Currency{}, err
	}
	return cur, nil
}

// DepositTx is the view of one serialized deposit transition. All calls run
// inside the same transaction.
type DepositTx interface {
	InsertDeposit(ctx context.Context, rec DepositRecord) (bool, error)
	LoadPending(ctx context.Context, userCode, currencyID string) (*PendingDeposit, error)
	SavePending(ctx context.Context, pending PendingDeposit) error
	ConfirmDeposits(ctx context.Context, txHashes []string) error
	DeletePending(ctx context.Context, userCode, currencyID string) error
	InsertCredit(ctx context.Context, credit DepositCredit) error
}

// Within runs fn in a transaction that holds the advisory lock for
// (userCode, currencyID). fn's error rolls everything back.
func (s *Store) Within(ctx context.Context, userCode, currencyID string, fn func(DepositTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, depositLockPrefix+userCode+":"+currencyID); err != nil {
		return err
	}

	if err := fn(&pgDepositTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// PendingDeposit reads the accumulated aggregate outside any lock. It
// returns nil when nothing is pending.
func (s *Store) PendingDeposit(ctx context.Context, userCode, currencyID string) (*PendingDeposit, error) {
	return loadPending(ctx, s.pool, userCode, currencyID, false)
}

// PurgeConfirmed deletes the detail rows of deposits confirmed before cutoff.
// The hash itself stays in processed_deposit_hashes forever, so a purged
// deposit is still rejected as a duplicate.
func (s *Store) PurgeConfirmed(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM deposit_transactions
		WHERE status = $1 AND confirmed_at < $2
	`, DepositConfirmed, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type pgDepositTx struct {
	tx pgx.Tx
}

// InsertDeposit claims rec.TxHash in the permanent hash index and stores the
// detail row. It returns false when the hash was ever seen before.
func (t *pgDepositTx) InsertDeposit(ctx context.Context, rec DepositRecord) (bool, error) {
	claim, err := t.tx.Exec(ctx, `
		INSERT INTO processed_deposit_hashes (tx_hash, user_code, currency_id, first_seen_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tx_hash) DO NOTHING
	`, rec.TxHash, rec.UserCode, rec.CurrencyID)
	if err != nil {
		return false, err
	}
	if claim.RowsAffected() == 0 {
		return false, nil
	}

	tag, err := t.tx.Exec(ctx, `
		INSERT INTO deposit_transactions (tx_hash, user_code, currency_id, chain_id, token_type, address, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (tx_hash) DO NOTHING
	`, rec.TxHash, rec.UserCode, rec.CurrencyID, rec.ChainID, rec.TokenType, rec.Address, rec.Amount.String(), DepositUnconfirmed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgDepositTx) LoadPending(ctx context.Context, userCode, currencyID string) (*PendingDeposit, error) {
	return loadPending(ctx, t.tx, userCode, currencyID, true)
}

func (t *pgDepositTx) SavePending(ctx context.Context, pending PendingDeposit) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO pending_deposits (user_code, currency_id, total_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (user_code, currency_id) DO UPDATE SET
			total_amount = EXCLUDED.total_amount,
			status = EXCLUDED.status,
			updated_at = now()
	`, pending.UserCode, pending.CurrencyID, pending.TotalAmount.String(), PendingStatusPending)
	return err
}

func (t *pgDepositTx) ConfirmDeposits(ctx context.Context, txHashes []string) error {
	if len(txHashes) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE deposit_transactions
		SET status = $1, confirmed_at = now()
		WHERE tx_hash = ANY($2)
	`, DepositConfirmed, txHashes)
	return err
}

func (t *pgDepositTx) DeletePending(ctx context.Context, userCode, currencyID string) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM pending_deposits WHERE user_code = $1 AND currency_id = $2
	`, userCode, currencyID)
	return err
}

func (t *pgDepositTx) InsertCredit(ctx context.Context, credit DepositCredit) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO deposit_credits (id, user_code, currency_id, amount, tx_hashes, entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, credit.ID, credit.UserCode, credit.CurrencyID, credit.Amount.String(), credit.TxHashes, credit.EntryID)
	return err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadPending(ctx context.Context, q querier, userCode, currencyID string, forUpdate bool) (*PendingDeposit, error) {
	query := `
		SELECT total_amount::text, status, created_at, updated_at
		FROM pending_deposits
		WHERE user_code = $1 AND currency_id = $2
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	pending := PendingDeposit{UserCode: userCode, CurrencyID: currencyID}
	var total string
	err := q.QueryRow(ctx, query, userCode, currencyID).Scan(&total, &pending.Status, &pending.CreatedAt, &pending.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if pending.TotalAmount, err = parseDecimal("total_amount", total); err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT tx_hash, chain_id, token_type, address, amount::text, status, created_at
		FROM deposit_transactions
		WHERE user_code = $1 AND currency_id = $2 AND status = $3
		ORDER BY created_at, tx_hash
	`, userCode, currencyID, DepositUnconfirmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		rec := DepositRecord{UserCode: userCode, CurrencyID: currencyID}
		var amount string
		if err := rows.Scan(&rec.TxHash, &rec.ChainID, &rec.TokenType, &rec.Address, &amount, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if rec.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, err
		}
		pending.Deposits = append(pending.Deposits, rec)
	}
	return &pending, rows.Err()
}

func (s *Store) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawals (id, user_code, currency_id, amount, fee, address, chain_id, status, reason, entry_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, w.ID, w.UserCode, w.CurrencyID, w.Amount.String(), w.Fee.String(), w.Address, w.ChainID, w.Status, w.Reason, w.EntryID, now)
	return err
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_code, currency_id, amount::text, fee::text, address, chain_id, status, reason, entry_id, refund_entry_id, created_at, updated_at
		FROM withdrawals
		WHERE id = $1
	`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// TransitionWithdrawal moves a withdrawal from one status to another. It
// fails with ErrStatusConflict when the row is no longer in from.
func (s *Store) TransitionWithdrawal(ctx context.Context, id uuid.UUID, from, to, reason string) (*Withdrawal, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE withdrawals
		SET status = $3, reason = $4, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING id, user_code, currency_id, amount::text, fee::text, address, chain_id, status, reason, entry_id, refund_entry_id, created_at, updated_at
	`, id, from, to, reason)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetWithdrawal(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	return w, err
}

// MarkWithdrawalRefunded stores the refund entry of a rejected withdrawal.
// The first recorded entry wins.
func (s *Store) MarkWithdrawalRefunded(ctx context.Context, id uuid.UUID, entryID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawals
		SET refund_entry_id = $2, updated_at = now()
		WHERE id = $1 AND status = $3 AND refund_entry_id = ''
	`, id, entryID, WithdrawalRejected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		w, err := s.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != WithdrawalRejected {
			return ErrStatusConflict
		}
	}
	return nil
}

func scanWithdrawal(row pgx.Row) (*Withdrawal, error) {
	var w Withdrawal
	var amount, fee string
	if err := row.Scan(&w.ID, &w.UserCode, &w.CurrencyID, &amount, &fee, &w.Address, &w.ChainID, &w.Status, &w.Reason, &w.EntryID, &w.RefundEntryID, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if w.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	if w.Fee, err = parseDecimal("fee", fee); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) InsertTransfer(ctx context.Context, t *InternalTransfer) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO internal_transfers (id, user_code, currency_id, from_sub, to_sub, amount, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.UserCode, t.CurrencyID, string(t.From), string(t.To), t.Amount.String(), t.Status, t.Error, t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateTransfer
	}
	return err
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
