package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AfshinJalili/gowallet/libs/kafka"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/chain"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/deposit"
	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
)

type DepositProcessor interface {
	Process(ctx context.Context, ev deposit.Event) (deposit.Result, error)
}

// DepositConsumer turns deposit-events messages into accumulator calls.
// Malformed events and permanent rejections are dead-lettered; anything
// else is returned as-is so the consumer retries it.
type DepositConsumer struct {
	processor DepositProcessor
	logger    *slog.Logger
}

func NewDepositConsumer(processor DepositProcessor, logger *slog.Logger) *DepositConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepositConsumer{
		processor: processor,
		logger:    logger.With("component", "deposit_consumer"),
	}
}

func (c *DepositConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}

	var event kafka.DepositEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", kafka.TopicDepositEvents, err), "decode_error")
	}

	ev, err := toDepositEvent(event)
	if err != nil {
		return kafka.DLQ(err, "invalid_event")
	}

	result, err := c.processor.Process(ctx, ev)
	if err != nil {
		if deposit.IsPermanent(err) {
			return kafka.DLQ(err, "rejected")
		}
		return err
	}

	c.logger.Info("deposit event handled",
		"tx_hash", ev.TxHash,
		"user_code", ev.UserCode,
		"currency_id", ev.CurrencyID,
		"chain_id", ev.ChainID,
		"outcome", string(result.Outcome),
		"total", result.Total.String(),
	)
	return nil
}

func toDepositEvent(e kafka.DepositEvent) (deposit.Event, error) {
	if strings.TrimSpace(e.UserCode) == "" {
		return deposit.Event{}, fmt.Errorf("userCode is required")
	}
	if strings.TrimSpace(e.CurrencyID) == "" {
		return deposit.Event{}, fmt.Errorf("currencyId is required")
	}
	if err := chain.ValidatePair(e.ChainID, e.TokenType); err != nil {
		return deposit.Event{}, err
	}
	if err := chain.ValidateAddress(e.ChainID, e.Address); err != nil {
		return deposit.Event{}, err
	}
	if err := chain.ValidateTxHash(e.TxHash); err != nil {
		return deposit.Event{}, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(e.Amount))
	if err != nil {
		return deposit.Event{}, fmt.Errorf("amount must be a decimal: %w", err)
	}
	if !amount.IsPositive() {
		return deposit.Event{}, fmt.Errorf("amount must be positive")
	}

	return deposit.Event{
		UserCode:   strings.TrimSpace(e.UserCode),
		CurrencyID: strings.ToLower(strings.TrimSpace(e.CurrencyID)),
		ChainID:    chain.Normalize(e.ChainID),
		TokenType:  chain.Normalize(e.TokenType),
		Address:    chain.ChecksumAddress(e.Address),
		TxHash:     chain.NormalizeTxHash(e.TxHash),
		Amount:     amount,
	}, nil
}
