package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

const (
	defaultMaxAttempts = 5
	defaultRetryTTL    = 10 * time.Minute
	defaultBackoff     = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	backoff      time.Duration
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}, nil
}

// WithDLQ routes permanently failing messages to topic instead of dropping them.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) WithRetry(maxAttempts int, backoff time.Duration) *Consumer {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if backoff > 0 {
		c.backoff = backoff
	}
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, defaultRetryTTL),
		backoff:      c.backoff,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
	backoff      time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.process(ctx, session, msg)
		case <-ctx.Done():
			return nil
		}
	}
}

// process retries transient failures in place so partition order is kept. A
// message is marked only once it succeeded or was handed to the DLQ; if the
// session ends first it stays unmarked and is redelivered.
func (h *consumerGroupHandler) process(ctx context.Context, session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	key := messageKey(msg)
	for {
		err := h.handler.HandleMessage(ctx, msg)
		if err == nil {
			h.retryTracker.reset(key)
			session.MarkMessage(msg, "")
			return
		}

		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			attempts := h.retryTracker.reset(key) + 1
			h.logger.Warn("kafka message rejected", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "reason", dlqErr.Reason, "error", dlqErr.Err)
			if h.deadLetter(ctx, msg, dlqErr, attempts) {
				session.MarkMessage(msg, "")
				return
			}
		} else {
			attempts := h.retryTracker.attempt(key)
			h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempts, "error", err)
			if h.retryTracker.exhausted(attempts) && h.dlqPublisher != nil {
				if h.deadLetter(ctx, msg, &DLQError{Err: err, Reason: "max_retries"}, attempts) {
					h.retryTracker.reset(key)
					session.MarkMessage(msg, "")
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.backoffFor(h.retryTracker.count(key))):
		}
	}
}

// deadLetter reports whether the message may be considered handled.
func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err *DLQError, attempts int) bool {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		return true
	}
	dl := NewConsumeDeadLetter(msg, err, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), dl); pubErr != nil {
		h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "tx_hash", dl.Subject.TxHash, "error", pubErr)
		return false
	}
	h.logger.Warn("message dead-lettered", "topic", msg.Topic, "offset", msg.Offset, "tx_hash", dl.Subject.TxHash, "user_code", dl.Subject.UserCode, "reason", dl.Reason)
	return true
}

func (h *consumerGroupHandler) backoffFor(attempts int) time.Duration {
	base := h.backoff
	if base <= 0 {
		base = defaultBackoff
	}
	d := base
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func messageKey(msg *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

type retryEntry struct {
	attempts int
	seen     time.Time
}

type retryTracker struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]retryEntry
}

func newRetryTracker(max int, ttl time.Duration) *retryTracker {
	if max <= 0 {
		max = defaultMaxAttempts
	}
	return &retryTracker{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]retryEntry),
	}
}

func (t *retryTracker) attempt(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.pruneLocked(now)
	e := t.entries[key]
	e.attempts++
	e.seen = now
	t.entries[key] = e
	return e.attempts
}

func (t *retryTracker) count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key].attempts
}

// reset forgets key and returns the attempts recorded so far.
func (t *retryTracker) reset(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.entries[key].attempts
	delete(t.entries, key)
	return n
}

func (t *retryTracker) exhausted(attempts int) bool {
	return attempts >= t.max
}

func (t *retryTracker) pruneLocked(now time.Time) {
	if t.ttl <= 0 {
		return
	}
	for key, e := range t.entries {
		if now.Sub(e.seen) > t.ttl {
			delete(t.entries, key)
		}
	}
}
