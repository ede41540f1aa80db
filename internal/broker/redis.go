package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a Broker backed by Redis pub/sub.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedis connects to the Redis server at rawURL and verifies it with a PING.
func NewRedis(ctx context.Context, rawURL string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisFromClient(client, log), nil
}

// NewRedisFromClient wraps an existing client. The broker owns the client
// from then on and closes it in Close.
func NewRedisFromClient(client *redis.Client, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, log: log.Named("redis")}
}

// Publish implements Broker.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker. It waits for the subscription to be confirmed
// so that messages published after it returns are not missed.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte),
		done:   make(chan struct{}),
	}
	go sub.forward(ctx, r.log.With(zap.String("channel", channel)))
	return sub, nil
}

// Close implements Broker.
func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		r.log.Error("failed to close Redis client", zap.Error(err))
		return err
	}
	return nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) forward(ctx context.Context, log *zap.Logger) {
	defer close(s.out)

	// go-redis re-establishes the subscription on reconnect; the channel only
	// closes when the PubSub itself is closed.
	for {
		select {
		case msg, ok := <-s.pubsub.Channel():
			if !ok {
				log.Warn("redis subscription channel closed")
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
