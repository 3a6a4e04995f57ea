// Package balance holds the ledger vocabulary shared by the cache, the
// reconciler and the persistent store.
package balance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type SubAccount string

const (
	Funding       SubAccount = "funding"
	Spot          SubAccount = "spot"
	SpotLock      SubAccount = "spotLock"
	P2P           SubAccount = "p2p"
	P2PLock       SubAccount = "p2pLock"
	Perpetual     SubAccount = "perpetual"
	PerpetualLock SubAccount = "perpetualLock"
)

var SubAccounts = []SubAccount{Funding, Spot, SpotLock, P2P, P2PLock, Perpetual, PerpetualLock}

var (
	ErrUnknownSubAccount = errors.New("unknown sub-account")
	ErrInvalidWalletKey  = errors.New("invalid wallet key")
	ErrInvalidEntryID    = errors.New("invalid ledger entry id")
)

func ParseSubAccount(s string) (SubAccount, error) {
	for _, sub := range SubAccounts {
		if string(sub) == s {
			return sub, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSubAccount, s)
}

func (s SubAccount) Valid() bool {
	_, err := ParseSubAccount(string(s))
	return err == nil
}

const keySeparator = "_bal_"

// WalletKey identifies one sub-account counter of one currency. Its wire
// form is "<subaccount>_bal_<currencyId>".
type WalletKey struct {
	Sub        SubAccount
	CurrencyID string
}

func NewWalletKey(sub SubAccount, currencyID string) (WalletKey, error) {
	if !sub.Valid() {
		return WalletKey{}, fmt.Errorf("%w: %q", ErrUnknownSubAccount, sub)
	}
	if currencyID == "" {
		return WalletKey{}, fmt.Errorf("%w: empty currency", ErrInvalidWalletKey)
	}
	return WalletKey{Sub: sub, CurrencyID: currencyID}, nil
}

func (k WalletKey) Encode() string {
	return string(k.Sub) + keySeparator + k.CurrencyID
}

func (k WalletKey) String() string { return k.Encode() }

func ParseWalletKey(s string) (WalletKey, error) {
	sub, currencyID, ok := strings.Cut(s, keySeparator)
	if !ok {
		return WalletKey{}, fmt.Errorf("%w: %q", ErrInvalidWalletKey, s)
	}
	parsed, err := ParseSubAccount(sub)
	if err != nil {
		return WalletKey{}, fmt.Errorf("%w: %q", ErrInvalidWalletKey, s)
	}
	return NewWalletKey(parsed, currencyID)
}

type Action string

const (
	ActionIncrement Action = "increment"
	ActionDecrement Action = "decrement"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionIncrement, ActionDecrement:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Direction is the caller-facing name of an action.
type Direction = Action

// Mutation is one decoded ledger entry.
type Mutation struct {
	ID         string
	Key        WalletKey
	UserCode   string
	Action     Action
	Amount     decimal.Decimal
	NewBalance decimal.Decimal
	Reference  string
	Timestamp  time.Time
}

// Sequence is the sortable form of the entry id used to order writes in the
// persistent store.
func (m Mutation) Sequence() (string, error) {
	return SequenceFromID(m.ID)
}

// SequenceFromID converts a stream id "<ms>-<seq>" into a fixed-width string
// whose lexical order matches the stream order.
func SequenceFromID(id string) (string, error) {
	ms, seq, err := splitID(id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%020d-%020d", ms, seq), nil
}

// TimestampFromID returns the wall-clock time encoded in a stream id.
func TimestampFromID(id string) (time.Time, error) {
	ms, _, err := splitID(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func splitID(id string) (uint64, uint64, error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidEntryID, id)
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidEntryID, id)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidEntryID, id)
	}
	return ms, seq, nil
}
