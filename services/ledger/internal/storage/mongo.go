package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const colWalletBalances = "wallet_balances"

type walletDoc struct {
	ID         string                     `bson:"_id"`
	UserCode   string                     `bson:"user_code"`
	CurrencyID string                     `bson:"currency_id"`
	Balances   map[string]bson.Decimal128 `bson:"balances"`
	Applied    map[string]string          `bson:"applied,omitempty"`
	CreatedAt  time.Time                  `bson:"created_at"`
	UpdatedAt  time.Time                  `bson:"updated_at"`
}

// WalletStore is the persistent copy of wallet balances, fed by the
// reconciler from the ledger stream.
type WalletStore struct {
	col *mongo.Collection
}

func NewWalletStore(db *mongo.Database) *WalletStore {
	return &WalletStore{col: db.Collection(colWalletBalances)}
}

func walletID(userCode, currencyID string) string {
	return userCode + ":" + currencyID
}

func (s *WalletStore) Migrate(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_code", Value: 1}, {Key: "currency_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("wallet store: migrate indexes: %w", err)
	}
	return nil
}

func (s *WalletStore) Ping(ctx context.Context) error {
	return s.col.Database().Client().Ping(ctx, nil)
}

// ApplyMutation writes the entry's absolute balance when it is newer than
// the last entry applied to the same sub-account. It reports false for a
// stale or redelivered entry, which is not an error.
func (s *WalletStore) ApplyMutation(ctx context.Context, m balance.Mutation) (bool, error) {
	seq, err := m.Sequence()
	if err != nil {
		return false, err
	}
	value, err := toDecimal128(m.NewBalance)
	if err != nil {
		return false, err
	}

	sub := string(m.Key.Sub)
	appliedField := "applied." + sub
	now := time.Now().UTC()

	filter := bson.M{
		"_id": walletID(m.UserCode, m.Key.CurrencyID),
		"$or": bson.A{
			bson.M{appliedField: bson.M{"$exists": false}},
			bson.M{appliedField: bson.M{"$lt": seq}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"balances." + sub: value,
			appliedField:      seq,
			"updated_at":      now,
		},
		"$setOnInsert": bson.M{
			"user_code":   m.UserCode,
			"currency_id": m.Key.CurrencyID,
			"created_at":  now,
		},
	}

	res, err := s.col.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		// The document exists but already holds a newer entry, so the
		// upsert collided with it.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("wallet store: apply %s: %w", m.ID, err)
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}

// IncrementField adds a signed delta to one persisted sub-account balance.
// It bypasses the ledger: the Balance Cache is not changed, and the next
// ApplyMutation for the same sub-account writes its absolute new_balance
// over the adjusted value. Corrections meant to last go through
// WalletService.Mutate so they enter the ledger; this is only for aligning
// the store with the cache by hand, for example after restoring a backup.
func (s *WalletStore) IncrementField(ctx context.Context, userCode string, key balance.WalletKey, delta decimal.Decimal) error {
	value, err := toDecimal128(delta)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.col.UpdateOne(ctx,
		bson.M{"_id": walletID(userCode, key.CurrencyID)},
		bson.M{
			"$inc": bson.M{"balances." + string(key.Sub): value},
			"$set": bson.M{"updated_at": now},
			"$setOnInsert": bson.M{
				"user_code":   userCode,
				"currency_id": key.CurrencyID,
				"created_at":  now,
			},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("wallet store: increment %s: %w", key, err)
	}
	return nil
}

// Provision creates zeroed wallets for the currencies the user does not
// have yet and returns how many were created.
func (s *WalletStore) Provision(ctx context.Context, userCode string, currencyIDs []string) (int, error) {
	zero, _ := bson.ParseDecimal128("0")
	created := 0
	for _, currencyID := range currencyIDs {
		balances := make(bson.M, len(balance.SubAccounts))
		for _, sub := range balance.SubAccounts {
			balances[string(sub)] = zero
		}
		now := time.Now().UTC()
		res, err := s.col.UpdateOne(ctx,
			bson.M{"_id": walletID(userCode, currencyID)},
			bson.M{"$setOnInsert": bson.M{
				"user_code":   userCode,
				"currency_id": currencyID,
				"balances":    balances,
				"created_at":  now,
				"updated_at":  now,
			}},
			options.UpdateOne().SetUpsert(true),
		)
		if err != nil {
			return created, fmt.Errorf("wallet store: provision %s/%s: %w", userCode, currencyID, err)
		}
		if res.UpsertedCount > 0 {
			created++
		}
	}
	return created, nil
}

func (s *WalletStore) GetBalance(ctx context.Context, userCode, currencyID string) (*WalletBalance, error) {
	var doc walletDoc
	err := s.col.FindOne(ctx, bson.M{"_id": walletID(userCode, currencyID)}).Decode(&doc)
	if isNoDocuments(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallet store: get %s/%s: %w", userCode, currencyID, err)
	}
	return fromDoc(doc)
}

func (s *WalletStore) GetWallet(ctx context.Context, userCode string) ([]WalletBalance, error) {
	cursor, err := s.col.Find(ctx, bson.M{"user_code": userCode}, options.Find().SetSort(bson.D{{Key: "currency_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("wallet store: list %s: %w", userCode, err)
	}
	var docs []walletDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("wallet store: decode %s: %w", userCode, err)
	}

	out := make([]WalletBalance, 0, len(docs))
	for _, doc := range docs {
		wb, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *wb)
	}
	return out, nil
}

func fromDoc(doc walletDoc) (*WalletBalance, error) {
	wb := &WalletBalance{
		UserCode:   doc.UserCode,
		CurrencyID: doc.CurrencyID,
		Balances:   make(map[balance.SubAccount]decimal.Decimal, len(balance.SubAccounts)),
		Applied:    make(map[balance.SubAccount]string, len(doc.Applied)),
		UpdatedAt:  doc.UpdatedAt,
	}
	for _, sub := range balance.SubAccounts {
		raw, ok := doc.Balances[string(sub)]
		if !ok {
			wb.Balances[sub] = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(raw.String())
		if err != nil {
			return nil, fmt.Errorf("wallet store: parse %s balance: %w", sub, err)
		}
		wb.Balances[sub] = d
	}
	for sub, seq := range doc.Applied {
		wb.Applied[balance.SubAccount(sub)] = seq
	}
	return wb, nil
}

func toDecimal128(d decimal.Decimal) (bson.Decimal128, error) {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil {
		return bson.Decimal128{}, fmt.Errorf("wallet store: convert %s: %w", d, err)
	}
	return v, nil
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
