package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultGroup    = "balance_group"
	DefaultConsumer = "balance_sync_worker"
)

var ErrMalformedEntry = errors.New("malformed ledger entry")

type StreamConfig struct {
	Name     string
	Group    string
	Consumer string
}

// Stream is the durable ledger: an append-only Redis stream read through a
// single consumer group.
type Stream struct {
	client   redis.UniversalClient
	name     string
	group    string
	consumer string
}

func NewStream(client redis.UniversalClient, cfg StreamConfig) *Stream {
	s := &Stream{
		client:   client,
		name:     cfg.Name,
		group:    cfg.Group,
		consumer: cfg.Consumer,
	}
	if s.name == "" {
		s.name = DefaultStream
	}
	if s.group == "" {
		s.group = DefaultGroup
	}
	if s.consumer == "" {
		s.consumer = DefaultConsumer
	}
	return s
}

func (s *Stream) Name() string { return s.name }

// EnsureGroup creates the consumer group (and the stream) from the start of
// the stream. An existing group is left as is.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.name, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", s.group, err)
	}
	return nil
}

// ReadNew returns entries never delivered to the group. A block of zero or
// less returns immediately.
func (s *Stream) ReadNew(ctx context.Context, count int64, block time.Duration) ([]redis.XMessage, error) {
	if block <= 0 {
		block = -1
	}
	return s.read(ctx, ">", count, block)
}

// ReadPending returns entries delivered to this consumer but never acked,
// starting after the given id. An empty after starts from the beginning.
func (s *Stream) ReadPending(ctx context.Context, after string, count int64) ([]redis.XMessage, error) {
	if after == "" {
		after = "0"
	}
	return s.read(ctx, after, count, -1)
}

func (s *Stream) read(ctx context.Context, id string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.name, id},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger stream: %w", err)
	}

	var out []redis.XMessage
	for _, stream := range res {
		out = append(out, stream.Messages...)
	}
	return out, nil
}

// Ack acknowledges and removes entries that reached the persistent store.
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.name, s.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack ledger entries: %w", err)
	}
	if err := s.client.XDel(ctx, s.name, ids...).Err(); err != nil {
		return fmt.Errorf("trim ledger entries: %w", err)
	}
	return nil
}

// Backlog reports the stream length and the group's pending count.
func (s *Stream) Backlog(ctx context.Context) (length int64, pending int64, err error) {
	length, err = s.client.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("stream length: %w", err)
	}
	summary, err := s.client.XPending(ctx, s.name, s.group).Result()
	if err != nil {
		return length, 0, fmt.Errorf("stream pending: %w", err)
	}
	return length, summary.Count, nil
}

// DecodeEntry turns a stream message into a Mutation.
func DecodeEntry(msg redis.XMessage) (balance.Mutation, error) {
	field := func(name string) (string, error) {
		v, ok := msg.Values[name]
		if !ok {
			return "", fmt.Errorf("%w: %s missing field %s", ErrMalformedEntry, msg.ID, name)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%w: %s field %s has type %T", ErrMalformedEntry, msg.ID, name, v)
		}
		return s, nil
	}

	walletRaw, err := field("wallet")
	if err != nil {
		return balance.Mutation{}, err
	}
	key, err := balance.ParseWalletKey(walletRaw)
	if err != nil {
		return balance.Mutation{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	user, err := field("user")
	if err != nil {
		return balance.Mutation{}, err
	}
	if user == "" {
		return balance.Mutation{}, fmt.Errorf("%w: %s empty user", ErrMalformedEntry, msg.ID)
	}
	actionRaw, err := field("action")
	if err != nil {
		return balance.Mutation{}, err
	}
	action, err := balance.ParseAction(actionRaw)
	if err != nil {
		return balance.Mutation{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}

	scale := balance.DefaultScale
	if raw, ok := msg.Values["scale"].(string); ok && raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed <= 0 {
			return balance.Mutation{}, fmt.Errorf("%w: %s bad scale %q", ErrMalformedEntry, msg.ID, raw)
		}
		scale = int32(parsed)
	}

	amountRaw, err := field("amount")
	if err != nil {
		return balance.Mutation{}, err
	}
	amount, err := balance.FromUnits(amountRaw, scale)
	if err != nil {
		return balance.Mutation{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	newRaw, err := field("new_balance")
	if err != nil {
		return balance.Mutation{}, err
	}
	newBalance, err := balance.FromUnits(newRaw, scale)
	if err != nil {
		return balance.Mutation{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}

	ts, err := balance.TimestampFromID(msg.ID)
	if err != nil {
		return balance.Mutation{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	ref, _ := msg.Values["ref"].(string)

	return balance.Mutation{
		ID:         msg.ID,
		Key:        key,
		UserCode:   user,
		Action:     action,
		Amount:     amount,
		NewBalance: newBalance,
		Reference:  ref,
		Timestamp:  ts,
	}, nil
}
