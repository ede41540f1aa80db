package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/presencehub/internal/broker"
	"github.com/Tyrowin/presencehub/internal/fanin"
	"github.com/Tyrowin/presencehub/internal/routing"
)

type chanDispatcher chan routing.Event

func (d chanDispatcher) DispatchExternal(ctx context.Context, ev routing.Event) error {
	select {
	case d <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRelayRoundTripThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		return redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	}

	nodeA := broker.NewRedisFromClient(newClient(), zaptest.NewLogger(t))
	nodeB := broker.NewRedisFromClient(newClient(), zaptest.NewLogger(t))
	defer nodeA.Close()
	defer nodeB.Close()

	received := make(chanDispatcher, 4)
	opts := func(node string) fanin.Options {
		return fanin.Options{
			NodeID:     node,
			NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) },
		}
	}
	sender := fanin.NewRelay(nodeA, make(chanDispatcher, 4), opts("node-a"), zaptest.NewLogger(t))
	receiver := fanin.NewRelay(nodeB, received, opts("node-b"), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	for _, r := range []*fanin.Relay{sender, receiver} {
		go func(r *fanin.Relay) {
			defer func() { done <- struct{}{} }()
			assert.NoError(t, r.Run(ctx))
		}(r)
	}
	defer func() {
		cancel()
		<-done
		<-done
	}()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(fanin.DefaultChannel)[fanin.DefaultChannel] == 2
	}, 2*time.Second, 5*time.Millisecond)

	sender.Publish(routing.Event{
		Type:         routing.EventChatMessage,
		TargetUserID: "u2",
		Data:         []byte(`{"from":"u1","message":"over redis"}`),
		Source:       routing.SourceLocal,
	})

	select {
	case ev := <-received:
		assert.Equal(t, routing.EventChatMessage, ev.Type)
		assert.Equal(t, "u2", ev.TargetUserID)
		assert.Equal(t, routing.SourceExternal, ev.Source)
		assert.JSONEq(t, `{"type":"chat_message","userId":"u2","origin":"node-a","from":"u1","message":"over redis"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("record published by node-a never reached node-b")
	}
}
