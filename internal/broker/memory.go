package broker

import (
	"context"
	"sync"
)

const memoryBufferSize = 256

// Memory is an in-process broker. Every subscriber of a channel receives each
// payload published to it; a subscriber whose buffer is full misses the
// payload, matching the best-effort semantics of the networked backends.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemory creates an empty memory broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish implements Broker.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements Broker. The subscription ends when ctx is done or Close
// is called.
func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		broker:  m,
		channel: channel,
		ch:      make(chan []byte, memoryBufferSize),
		done:    make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Drop ends every subscription of channel as if the connection had been lost.
func (m *Memory) Drop(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs[channel] {
		m.removeLocked(sub)
	}
}

// Subscribers returns the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

// Close implements Broker.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for sub := range subs {
			m.removeLocked(sub)
		}
	}
	return nil
}

func (m *Memory) removeLocked(sub *memorySubscription) {
	subs, ok := m.subs[sub.channel]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(m.subs, sub.channel)
	}
	close(sub.ch)
	close(sub.done)
}

type memorySubscription struct {
	broker  *Memory
	channel string
	ch      chan []byte
	done    chan struct{}
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.removeLocked(s)
	return nil
}
