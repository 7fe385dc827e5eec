package notify

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process broker. It backs single-process deployments and
// tests.
type Memory struct {
	buffer int
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*memSub
}

type memSub struct {
	ch   chan Message
	done chan struct{}
}

func NewMemory(buffer int) *Memory {
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{buffer: buffer, ctx: ctx, cancel: cancel, subs: make(map[string]map[int]*memSub)}
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	if m.ctx.Err() != nil {
		return nil, errors.New("memory broker closed")
	}
	sub := &memSub{ch: make(chan Message, m.buffer), done: make(chan struct{})}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]*memSub)
	}
	m.subs[topic][id] = sub
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.ctx.Done():
		}
		close(sub.done)
		m.mu.Lock()
		delete(m.subs[topic], id)
		m.mu.Unlock()
		// no publisher can hold sub any more
		close(sub.ch)
	}()
	return sub.ch, nil
}

// Publish delivers payload to every current subscriber of topic, blocking
// while a subscriber's buffer is full.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs[topic] {
		select {
		case sub.ch <- Message{Topic: topic, Payload: payload}:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.cancel()
	return nil
}
