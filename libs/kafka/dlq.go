package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// DLQError marks a handler failure as permanent: the message is parked on
// the dead-letter topic instead of being retried.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// Subject identifies the wallet object a dead letter is about, so operators
// can find and replay parked events by tx hash or withdrawal id.
type Subject struct {
	TxHash       string `json:"tx_hash,omitempty"`
	WithdrawalID string `json:"withdrawal_id,omitempty"`
	UserCode     string `json:"user_code,omitempty"`
	CurrencyID   string `json:"currency_id,omitempty"`
}

// DeadLetter is the record written to the dead-letter topic, both for
// consumed messages that could not be applied and for events that could not
// be published. Payload holds the original bytes verbatim.
type DeadLetter struct {
	Stage         string          `json:"stage"`
	OriginalTopic string          `json:"original_topic"`
	Partition     int32           `json:"partition,omitempty"`
	Offset        int64           `json:"offset,omitempty"`
	Key           string          `json:"key,omitempty"`
	Subject       Subject         `json:"subject"`
	Error         string          `json:"error"`
	Reason        string          `json:"reason,omitempty"`
	Attempts      int             `json:"attempts,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RawPayload    []byte          `json:"raw_payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Original returns the bytes to republish on OriginalTopic.
func (d DeadLetter) Original() []byte {
	if len(d.Payload) > 0 {
		return d.Payload
	}
	return d.RawPayload
}

func NewConsumeDeadLetter(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DeadLetter {
	dl := DeadLetter{
		Stage:     StageConsume,
		Error:     errorText(err),
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		dl.Reason = err.Reason
	}
	if msg == nil {
		return dl
	}
	dl.OriginalTopic = msg.Topic
	dl.Partition = msg.Partition
	dl.Offset = msg.Offset
	if len(msg.Key) > 0 {
		dl.Key = string(msg.Key)
	}
	dl.attachPayload(msg.Value)
	return dl
}

func NewPublishDeadLetter(topic, key string, value any, err error, reason string, attempts int) DeadLetter {
	dl := DeadLetter{
		Stage:         StagePublish,
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      attempts,
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	if value != nil {
		if raw, marshalErr := json.Marshal(value); marshalErr == nil {
			dl.attachPayload(raw)
		} else {
			dl.RawPayload = []byte(fmt.Sprintf("%v", value))
		}
	}
	return dl
}

func (d *DeadLetter) attachPayload(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if !json.Valid(raw) {
		d.RawPayload = append([]byte(nil), raw...)
		return
	}
	d.Payload = append(json.RawMessage(nil), raw...)
	d.Subject = subjectOf(raw)
}

// subjectOf reads the identifying fields of deposit and withdrawal events.
// Deposit events use camelCase keys, the ledger's own events snake_case.
func subjectOf(raw []byte) Subject {
	var fields struct {
		TxHash       string `json:"txHash"`
		UserCode     string `json:"userCode"`
		CurrencyID   string `json:"currencyId"`
		WithdrawalID string `json:"withdrawal_id"`
		UserCodeAlt  string `json:"user_code"`
		CurrencyAlt  string `json:"currency_id"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Subject{}
	}
	s := Subject{
		TxHash:       fields.TxHash,
		WithdrawalID: fields.WithdrawalID,
		UserCode:     fields.UserCode,
		CurrencyID:   fields.CurrencyID,
	}
	if s.UserCode == "" {
		s.UserCode = fields.UserCodeAlt
	}
	if s.CurrencyID == "" {
		s.CurrencyID = fields.CurrencyAlt
	}
	return s
}

func errorText(err *DLQError) string {
	if err == nil {
		return ""
	}
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Error()
}
