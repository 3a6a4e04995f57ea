package kafka

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const (
	TopicDepositEvents       = "deposit-events"
	TopicWithdrawalRequested = "withdrawals.requested"
	TopicWithdrawalReviewed  = "withdrawals.reviewed"
	TopicDeadLetter          = "wallet.dead-letter"

	EventTypeWithdrawalRequested = "withdrawal.requested"
	EventTypeWithdrawalReviewed  = "withdrawal.reviewed"
)

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	if eventID == "" {
		return Envelope{}, fmt.Errorf("event_id is required")
	}
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Headers exposes the envelope as record headers so consumers can route
// withdrawal events without decoding the body.
func (e Envelope) Headers() []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte("event_id"), Value: []byte(e.EventID)},
		{Key: []byte("event_type"), Value: []byte(e.EventType)},
		{Key: []byte("event_version"), Value: []byte(strconv.Itoa(e.EventVersion))},
	}
	if e.CorrelationID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte("correlation_id"), Value: []byte(e.CorrelationID)})
	}
	return headers
}

func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EventVersion <= 0 {
		return fmt.Errorf("event_version must be positive")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// DepositEvent is published by the chain watchers once a transfer to a
// custodial address is observed. Amount is a decimal string in whole units.
type DepositEvent struct {
	UserCode   string `json:"userCode"`
	CurrencyID string `json:"currencyId"`
	ChainID    string `json:"chainId"`
	TokenType  string `json:"tokenType"`
	Address    string `json:"address"`
	TxHash     string `json:"txHash"`
	Amount     string `json:"amount"`
}

type WithdrawalRequestedEvent struct {
	Envelope
	WithdrawalID string `json:"withdrawal_id"`
	UserCode     string `json:"user_code"`
	CurrencyID   string `json:"currency_id"`
	Amount       string `json:"amount"`
	Fee          string `json:"fee"`
	Address      string `json:"address"`
	ChainID      string `json:"chain_id,omitempty"`
}

type WithdrawalReviewedEvent struct {
	Envelope
	WithdrawalID string `json:"withdrawal_id"`
	UserCode     string `json:"user_code"`
	Status       string `json:"status"`
}
