package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/motorfleet/diagcluster/pkg/clusterrors"
)

// DefaultMaxStreamLen is the retention cap applied to every stream when the
// operator doesn't configure one: deep enough to absorb a burst across
// thousands of vehicles, shallow enough that the broker never becomes a
// long-term telemetry archive.
const DefaultMaxStreamLen = 100_000

// RedisConfig configures the Redis Streams adapter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// MaxStreamLen is the soft cap enforced by the adapter; Redis streams
	// are unbounded by default, so StreamFull is raised here rather than by
	// the server. Zero disables the cap.
	MaxStreamLen int64
}

// RedisBroker implements Broker over Redis Streams (XADD/XREADGROUP/XACK/
// XPENDING/XCLAIM/XTRIM), the concrete broker this specification's
// vocabulary is modeled on.
type RedisBroker struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisBroker connects to Redis and pings it once to fail fast on a
// misconfigured BROKER_URL.
func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping %s: %v", clusterrors.ErrBrokerUnavailable, cfg.Addr, err)
	}
	return &RedisBroker{client: client, cfg: cfg}, nil
}

func (b *RedisBroker) Close() error { return b.client.Close() }

func (b *RedisBroker) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if b.cfg.MaxStreamLen > 0 {
		// XADD's approximate MAXLEN keeps the stream hovering near the cap,
		// so the hard reject only fires well past it — i.e. when trimming
		// has stopped keeping up, not on every publish at steady state.
		length, err := b.client.XLen(ctx, stream).Result()
		if err == nil && length >= b.cfg.MaxStreamLen*2 {
			return "", fmt.Errorf("%w: stream %s at %d, cap %d", clusterrors.ErrStreamFull, stream, length, b.cfg.MaxStreamLen)
		}
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if b.cfg.MaxStreamLen > 0 {
		args.MaxLen = b.cfg.MaxStreamLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %v", clusterrors.ErrBrokerUnavailable, stream, err)
	}
	return id, nil
}

func (b *RedisBroker) CreateGroup(ctx context.Context, stream, group string, fromLatest bool) error {
	start := "0"
	if fromLatest {
		start = "$"
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("%w: xgroup create %s/%s: %v", clusterrors.ErrBrokerUnavailable, stream, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (b *RedisBroker) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: xreadgroup %s/%s: %v", clusterrors.ErrBrokerUnavailable, stream, group, err)
	}
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, toMessage(m))
		}
	}
	return out, nil
}

func toMessage(m redis.XMessage) Message {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprintf("%v", v)
		}
	}
	return Message{ID: m.ID, Fields: fields}
}

func (b *RedisBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("%w: xack %s/%s: %v", clusterrors.ErrBrokerUnavailable, stream, group, err)
	}
	return nil
}

func (b *RedisBroker) Pending(ctx context.Context, stream, group string) (map[string]int64, error) {
	summary, err := b.client.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("%w: xpending %s/%s: %v", clusterrors.ErrBrokerUnavailable, stream, group, err)
	}
	out := make(map[string]int64, len(summary.Consumers))
	for consumer, count := range summary.Consumers {
		out[consumer] = count
	}
	return out, nil
}

func (b *RedisBroker) Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids ...string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: xclaim %s/%s: %v", clusterrors.ErrBrokerUnavailable, stream, group, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	return out, nil
}

func (b *RedisBroker) PendingDetail(ctx context.Context, stream, group, consumer string, count int64) ([]PendingEntry, error) {
	if count <= 0 {
		count = 100
	}
	args := &redis.XPendingExtArgs{Stream: stream, Group: group, Start: "-", End: "+", Count: int64(count)}
	if consumer != "" {
		args.Consumer = consumer
	}
	res, err := b.client.XPendingExt(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: xpending-ext %s/%s: %v", clusterrors.ErrBrokerUnavailable, stream, group, err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, e := range res {
		out = append(out, PendingEntry{ID: e.ID, Consumer: e.Consumer, IdleTime: e.Idle})
	}
	return out, nil
}

func (b *RedisBroker) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := b.client.XTrimMaxLen(ctx, stream, maxLen).Err(); err != nil {
		return fmt.Errorf("%w: xtrim %s: %v", clusterrors.ErrBrokerUnavailable, stream, err)
	}
	return nil
}
