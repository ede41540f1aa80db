package fanin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/broker"
	"github.com/Tyrowin/presencehub/internal/metrics"
	"github.com/Tyrowin/presencehub/internal/routing"
)

// DefaultChannel is the external channel every process subscribes to.
const DefaultChannel = "notifications"

const maxLoggedPayload = 256

// Dispatcher accepts decoded events onto the local event stream.
type Dispatcher interface {
	DispatchExternal(ctx context.Context, ev routing.Event) error
}

// Options tunes a Relay.
type Options struct {
	Channel        string
	NodeID         string
	OutboxSize     int
	PublishTimeout time.Duration
	// NewBackOff builds the policy used between subscription attempts.
	NewBackOff func() backoff.BackOff
}

func (o Options) withDefaults() Options {
	if o.Channel == "" {
		o.Channel = DefaultChannel
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 256
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.NewBackOff == nil {
		o.NewBackOff = defaultBackOff
	}
	return o
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Relay subscribes to the external channel and feeds the records it reads to
// a Dispatcher, and publishes local events handed to it by the router.
type Relay struct {
	broker     broker.Broker
	dispatcher Dispatcher
	opts       Options
	outbox     chan []byte
	log        *zap.Logger
}

// NewRelay creates a relay between b and d.
func NewRelay(b broker.Broker, d Dispatcher, opts Options, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Relay{
		broker:     b,
		dispatcher: d,
		opts:       opts,
		outbox:     make(chan []byte, opts.OutboxSize),
		log:        log.Named("fanin").With(zap.String("channel", opts.Channel)),
	}
}

// Run subscribes and publishes until ctx is done. A lost subscription is
// re-established with backoff; nothing published in between is replayed.
// When the subscription cannot be re-established, for instance because the
// broker was closed, the publisher is stopped too and Run returns the error.
func (r *Relay) Run(ctx context.Context) error {
	pubCtx, stopPublisher := context.WithCancel(ctx)
	defer stopPublisher()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runPublisher(pubCtx)
	}()

	err := r.runSubscriber(ctx)
	if err != nil {
		r.log.Error("external subscription failed permanently", zap.Error(err))
	}
	stopPublisher()
	wg.Wait()
	return err
}

func (r *Relay) runSubscriber(ctx context.Context) error {
	for {
		sub, err := r.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		r.log.Info("subscribed to external channel")
		r.consume(ctx, sub)
		if err := sub.Close(); err != nil {
			r.log.Debug("error closing subscription", zap.Error(err))
		}

		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("external subscription lost, resubscribing")
	}
}

func (r *Relay) subscribe(ctx context.Context) (broker.Subscription, error) {
	var sub broker.Subscription
	operation := func() error {
		s, err := r.broker.Subscribe(ctx, r.opts.Channel)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		sub = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("subscribe failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(r.opts.NewBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *Relay) consume(ctx context.Context, sub broker.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.Messages():
			if !ok {
				return
			}
			r.Handle(ctx, raw)
		}
	}
}

// Handle decodes one record and dispatches it. Failures are logged and
// counted; they never escape.
func (r *Relay) Handle(ctx context.Context, raw []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("recovered from panic while handling record", zap.Any("panic", p))
			metrics.FanInMessages.WithLabelValues("panic").Inc()
		}
	}()

	rec, ev, err := Decode(raw)
	if err != nil {
		result := "malformed"
		switch {
		case errors.Is(err, ErrUnknownType):
			result = "quarantined"
		case errors.Is(err, ErrUntargeted):
			result = "untargeted"
		}
		r.log.Warn("discarding external record",
			zap.String("result", result),
			zap.Error(err),
			zap.ByteString("payload", truncate(raw)))
		metrics.FanInMessages.WithLabelValues(result).Inc()
		return
	}

	if rec.Origin != "" && rec.Origin == r.opts.NodeID {
		metrics.FanInMessages.WithLabelValues("self").Inc()
		return
	}

	if err := r.dispatcher.DispatchExternal(ctx, ev); err != nil {
		r.log.Warn("could not dispatch external record", zap.String("type", rec.Type), zap.Error(err))
		metrics.FanInMessages.WithLabelValues("undelivered").Inc()
		return
	}
	metrics.FanInMessages.WithLabelValues("dispatched").Inc()
}

// Publish queues ev for the external channel. It never blocks; when the
// outbox is full the event is dropped.
func (r *Relay) Publish(ev routing.Event) {
	payload, err := Encode(ev, r.opts.NodeID)
	if err != nil {
		r.log.Error("failed to encode event for publishing", zap.Error(err))
		metrics.Published.WithLabelValues("invalid").Inc()
		return
	}

	select {
	case r.outbox <- payload:
	default:
		r.log.Warn("publish outbox full, dropping event", zap.String("type", string(ev.Type)))
		metrics.Published.WithLabelValues("dropped").Inc()
	}
}

func (r *Relay) runPublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.outbox:
			pubCtx, cancel := context.WithTimeout(ctx, r.opts.PublishTimeout)
			err := r.broker.Publish(pubCtx, r.opts.Channel, payload)
			cancel()
			if err != nil {
				r.log.Warn("failed to publish event", zap.Error(err))
				metrics.Published.WithLabelValues("failed").Inc()
				continue
			}
			metrics.Published.WithLabelValues("sent").Inc()
		}
	}
}

func truncate(raw []byte) []byte {
	if len(raw) <= maxLoggedPayload {
		return raw
	}
	return raw[:maxLoggedPayload]
}
