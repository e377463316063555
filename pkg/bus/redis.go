package bus

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultDialTimeout = 5 * time.Second

// RedisBus is a Bus on top of Redis pub/sub. Topics map to Redis channels
// one to one; pattern subscriptions use PSUBSCRIBE.
type RedisBus struct {
	client goredis.UniversalClient
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addrs      []string
	MasterName string // sentinel only
	Username   string
	Password   string
	DB         int
}

// NewRedisBus connects and pings the Redis deployment described by cfg.
// go-redis routes internally: MasterName set means Sentinel, multiple
// Addrs means Cluster, a single Addr means standalone.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       cfg.Addrs,
		MasterName:  cfg.MasterName,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: defaultDialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBus{client: client}, nil
}

// NewRedisBusWithClient wraps an existing client, used by tests.
func NewRedisBusWithClient(client goredis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

func (b *RedisBus) SubscribePattern(ctx context.Context, pattern string) (Subscription, error) {
	pubsub := b.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("psubscribe to redis: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	go sub.pump(pubsub.Channel())
	return sub, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *goredis.PubSub
	events chan Event
	done   chan struct{}
	err    error
}

func (s *redisSubscription) pump(ch <-chan *goredis.Message) {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				// go-redis closes the channel only when the PubSub is
				// unusable; surface it as a disconnect.
				select {
				case <-s.done:
				default:
					s.err = ErrDisconnected
				}
				return
			}
			select {
			case s.events <- Event{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Err() error {
	return s.err
}

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}
