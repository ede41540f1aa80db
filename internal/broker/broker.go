// Package broker abstracts the external publish/subscribe channel that links
// server processes. Redis is the default backend; NATS and an in-process
// memory broker are selected by URL scheme.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Broker publishes raw payloads to named channels and subscribes to them.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription delivers the payloads of one channel. Messages is closed when
// the subscription ends, either through Close or because the underlying
// connection was lost.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Open connects to the broker named by rawURL. An empty URL returns a nil
// broker, which the caller treats as local mode.
func Open(ctx context.Context, rawURL string, log *zap.Logger) (Broker, error) {
	if rawURL == "" {
		return nil, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss", "unix":
		r, err := NewRedis(ctx, rawURL, log)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "nats", "tls":
		n, err := NewNATS(rawURL, log)
		if err != nil {
			return nil, err
		}
		return n, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}
