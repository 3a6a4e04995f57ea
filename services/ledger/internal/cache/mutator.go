package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/gowallet/libs/trace"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultStream         = "balance_logs"
	DefaultIdempotencyTTL = 7 * 24 * time.Hour
	idempotencyPrefix     = "ledger:idem:"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = balance.ErrInvalidAmount
)

// mutateScript is the unit of atomicity for every balance change. The
// counter update and its ledger entry are written together or not at all.
//
// KEYS[1] wallet hash, KEYS[2] ledger stream, KEYS[3] idempotency key
// ARGV: user, action, units, scale, ref, ttl seconds
var mutateScript = redis.NewScript(`
local hash = KEYS[1]
local stream = KEYS[2]
local idem = KEYS[3]
local user = ARGV[1]
local action = ARGV[2]
local units = ARGV[3]
local scale = ARGV[4]
local ref = ARGV[5]
local ttl = tonumber(ARGV[6])

if ref ~= '' then
  local prior = redis.call('GET', idem)
  if prior then
    return {'replay', prior}
  end
end

local current = redis.call('HGET', hash, user)
if not current then
  current = '0'
end

local delta = units
if action == 'decrement' then
  local short
  if #current ~= #units then
    short = #current < #units
  else
    short = current < units
  end
  if string.sub(current, 1, 1) == '-' then
    short = true
  end
  if short then
    return {'insufficient', current}
  end
  delta = '-' .. units
end

redis.call('HINCRBY', hash, user, delta)
local newbal = redis.call('HGET', hash, user)

local id
if ref ~= '' then
  id = redis.call('XADD', stream, '*', 'wallet', hash, 'user', user, 'action', action, 'amount', units, 'new_balance', newbal, 'scale', scale, 'ref', ref)
  redis.call('SET', idem, newbal .. '|' .. id, 'EX', ttl)
else
  id = redis.call('XADD', stream, '*', 'wallet', hash, 'user', user, 'action', action, 'amount', units, 'new_balance', newbal, 'scale', scale)
end

return {'ok', newbal, id}
`)

// Result describes an applied (or replayed) mutation.
type Result struct {
	NewBalance decimal.Decimal
	EntryID    string
	Replayed   bool
}

type Mutator struct {
	client         redis.UniversalClient
	stream         string
	scale          int32
	idempotencyTTL time.Duration
}

type MutatorOption func(*Mutator)

func WithStream(name string) MutatorOption {
	return func(m *Mutator) {
		if name != "" {
			m.stream = name
		}
	}
}

func WithScale(scale int32) MutatorOption {
	return func(m *Mutator) {
		if scale > 0 {
			m.scale = scale
		}
	}
}

func WithIdempotencyTTL(ttl time.Duration) MutatorOption {
	return func(m *Mutator) {
		if ttl > 0 {
			m.idempotencyTTL = ttl
		}
	}
}

func NewMutator(client redis.UniversalClient, opts ...MutatorOption) *Mutator {
	m := &Mutator{
		client:         client,
		stream:         DefaultStream,
		scale:          balance.DefaultScale,
		idempotencyTTL: DefaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mutator) Scale() int32 { return m.scale }

func (m *Mutator) Increment(ctx context.Context, key balance.WalletKey, userCode string, amount decimal.Decimal) (decimal.Decimal, error) {
	res, err := m.Apply(ctx, key, userCode, balance.ActionIncrement, amount, "")
	return res.NewBalance, err
}

func (m *Mutator) Decrement(ctx context.Context, key balance.WalletKey, userCode string, amount decimal.Decimal) (decimal.Decimal, error) {
	res, err := m.Apply(ctx, key, userCode, balance.ActionDecrement, amount, "")
	return res.NewBalance, err
}

// IncrementRef applies the increment at most once per ref for the
// idempotency window.
func (m *Mutator) IncrementRef(ctx context.Context, key balance.WalletKey, userCode string, amount decimal.Decimal, ref string) (Result, error) {
	if ref == "" {
		return Result{}, fmt.Errorf("idempotency reference required")
	}
	return m.Apply(ctx, key, userCode, balance.ActionIncrement, amount, ref)
}

func (m *Mutator) DecrementRef(ctx context.Context, key balance.WalletKey, userCode string, amount decimal.Decimal, ref string) (Result, error) {
	if ref == "" {
		return Result{}, fmt.Errorf("idempotency reference required")
	}
	return m.Apply(ctx, key, userCode, balance.ActionDecrement, amount, ref)
}

func (m *Mutator) Apply(ctx context.Context, key balance.WalletKey, userCode string, action balance.Action, amount decimal.Decimal, ref string) (result Result, err error) {
	if userCode == "" {
		return Result{}, fmt.Errorf("user code required")
	}
	if !key.Sub.Valid() || key.CurrencyID == "" {
		return Result{}, fmt.Errorf("%w: %v", balance.ErrInvalidWalletKey, key)
	}
	units, err := balance.ToUnits(amount, m.scale)
	if err != nil {
		return Result{}, err
	}

	ctx, span := trace.Start(ctx, "ledger.mutate",
		attribute.String("wallet", key.Encode()),
		attribute.String("action", string(action)),
	)
	defer func() {
		if errors.Is(err, ErrInsufficientBalance) {
			trace.Finish(span, nil)
			return
		}
		trace.Finish(span, err)
	}()

	idemKey := ""
	if ref != "" {
		idemKey = idempotencyPrefix + ref
	}
	keys := []string{key.Encode(), m.stream, idemKey}
	ttl := int64(m.idempotencyTTL / time.Second)
	if ttl <= 0 {
		ttl = 1
	}

	raw, err := mutateScript.Run(ctx, m.client, keys,
		userCode,
		string(action),
		strconv.FormatInt(units, 10),
		strconv.FormatInt(int64(m.scale), 10),
		ref,
		ttl,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("mutate %s: %w", key, err)
	}

	return m.parseResult(raw)
}

func (m *Mutator) parseResult(raw any) (Result, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) < 2 {
		return Result{}, fmt.Errorf("unexpected redis response")
	}
	status, _ := vals[0].(string)
	switch status {
	case "ok":
		if len(vals) != 3 {
			return Result{}, fmt.Errorf("unexpected redis response")
		}
		newBal, err := m.units(vals[1])
		if err != nil {
			return Result{}, err
		}
		id, _ := vals[2].(string)
		return Result{NewBalance: newBal, EntryID: id}, nil
	case "replay":
		stored, _ := vals[1].(string)
		units, id, found := strings.Cut(stored, "|")
		if !found {
			return Result{}, fmt.Errorf("corrupt idempotency record %q", stored)
		}
		newBal, err := m.units(units)
		if err != nil {
			return Result{}, err
		}
		return Result{NewBalance: newBal, EntryID: id, Replayed: true}, nil
	case "insufficient":
		current, err := m.units(vals[1])
		if err != nil {
			return Result{}, err
		}
		return Result{NewBalance: current}, fmt.Errorf("%w: available %s", ErrInsufficientBalance, current)
	}
	return Result{}, fmt.Errorf("unexpected redis status %q", status)
}

func (m *Mutator) units(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return balance.FromUnits(t, m.scale)
	case int64:
		return decimal.New(t, -m.scale), nil
	}
	return decimal.Zero, fmt.Errorf("unexpected balance value %T", v)
}
