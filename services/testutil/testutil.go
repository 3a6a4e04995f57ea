package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/AfshinJalili/gowallet/libs/mongoclient"
	"github.com/AfshinJalili/gowallet/libs/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	port, err := strconv.Atoi(getEnv("POSTGRES_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("POSTGRES_PORT: %w", err)
	}
	cfg := postgres.Config{
		Host:     getEnv("POSTGRES_HOST", "localhost"),
		Port:     port,
		Name:     getEnv("POSTGRES_DB", "wallet"),
		User:     getEnv("POSTGRES_USER", "wallet"),
		Password: getEnv("POSTGRES_PASSWORD", "wallet"),
		SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
	}
	return postgres.Connect(context.Background(), cfg)
}

// SetupTestMongo connects to MONGO_URI and returns a throwaway database that
// the returned cleanup drops.
func SetupTestMongo() (*mongo.Database, func(), error) {
	cfg := mongoclient.Config{
		URI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		Database: "wallet_test_" + uuid.NewString()[:8],
	}
	client, db, err := mongoclient.Connect(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	}
	return db, cleanup, nil
}

func CleanupTestData(ctx context.Context, pool *pgxpool.Pool, userCodes ...string) error {
	queries := []string{
		"DELETE FROM deposit_transactions WHERE user_code = ANY($1)",
		"DELETE FROM processed_deposit_hashes WHERE user_code = ANY($1)",
		"DELETE FROM pending_deposits WHERE user_code = ANY($1)",
		"DELETE FROM deposit_credits WHERE user_code = ANY($1)",
		"DELETE FROM withdrawals WHERE user_code = ANY($1)",
		"DELETE FROM internal_transfers WHERE user_code = ANY($1)",
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q, userCodes); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
