package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const natsBufferSize = 256

// NATS is a Broker backed by core NATS subjects.
type NATS struct {
	conn   *nats.Conn
	log    *zap.Logger
	closed chan struct{}
}

// NewNATS connects to the NATS server at rawURL. The client reconnects
// forever once connected.
func NewNATS(rawURL string, log *zap.Logger) (*NATS, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")
	closed := make(chan struct{})
	var closeOnce sync.Once

	conn, err := nats.Connect(rawURL,
		nats.Name("presencehub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			closeOnce.Do(func() { close(closed) })
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: conn, log: log, closed: closed}, nil
}

// Publish implements Broker.
func (n *NATS) Publish(_ context.Context, channel string, payload []byte) error {
	if err := n.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("nats publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker.
func (n *NATS) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	msgs := make(chan *nats.Msg, natsBufferSize)
	natsSub, err := n.conn.ChanSubscribe(channel, msgs)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe to %s: %w", channel, err)
	}
	if err := n.conn.Flush(); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe to %s: %w", channel, err)
	}

	sub := &natsSubscription{
		sub:  natsSub,
		in:   msgs,
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	go sub.forward(ctx, n.closed)
	return sub, nil
}

// Close implements Broker.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.log.Warn("failed to drain NATS connection", zap.Error(err))
		n.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	sub       *nats.Subscription
	in        chan *nats.Msg
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *natsSubscription) forward(ctx context.Context, closed <-chan struct{}) {
	defer close(s.out)

	for {
		select {
		case msg := <-s.in:
			select {
			case s.out <- msg.Data:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		case <-closed:
			return
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *natsSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *natsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}
