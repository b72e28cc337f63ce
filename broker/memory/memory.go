// Package memory provides an in-memory implementation of the broker.Broker
// interface. State is local to the process, so it suits single-node
// deployments and tests.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-app-bridge/broker"
)

// DefaultHistory is how many messages a namespace retains for resumption.
const DefaultHistory = 1024

// Broker implements broker.Broker using in-memory storage.
type Broker struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
	history    int
	counter    int64
}

type namespace struct {
	mu       sync.Mutex
	messages []entry
	// wake is closed and replaced on every publish and on cleanup.
	wake   chan struct{}
	closed bool
}

type entry struct {
	seq int64
	env broker.MessageEnvelope
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory sets how many messages each namespace retains.
func WithHistory(n int) Option {
	return func(b *Broker) { b.history = n }
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{
		namespaces: make(map[string]*namespace),
		history:    DefaultHistory,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{wake: make(chan struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespaceName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ns := b.namespace(namespaceName)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return "", broker.ErrNamespaceClosed
	}

	// Sequence numbers are assigned under the namespace lock so IDs within a
	// namespace increase in publish order.
	b.mu.Lock()
	b.counter++
	seq := b.counter
	b.mu.Unlock()

	id := strconv.FormatInt(seq, 10)
	ns.messages = append(ns.messages, entry{seq: seq, env: broker.MessageEnvelope{ID: id, Data: append([]byte(nil), data...)}})
	if over := len(ns.messages) - b.history; over > 0 {
		ns.messages = append([]entry(nil), ns.messages[over:]...)
	}
	close(ns.wake)
	ns.wake = make(chan struct{})
	return id, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ns := b.namespace(namespaceName)

	var cursor int64
	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return nil
	}
	if lastEventID == "" {
		if n := len(ns.messages); n > 0 {
			cursor = ns.messages[n-1].seq
		} else {
			b.mu.Lock()
			cursor = b.counter
			b.mu.Unlock()
		}
	} else if seq, err := strconv.ParseInt(lastEventID, 10, 64); err == nil {
		cursor = seq
	}
	ns.mu.Unlock()

	for {
		ns.mu.Lock()
		if ns.closed {
			ns.mu.Unlock()
			return nil
		}
		var pending []broker.MessageEnvelope
		for _, e := range ns.messages {
			if e.seq > cursor {
				pending = append(pending, e.env)
			}
		}
		wake := ns.wake
		ns.mu.Unlock()

		for _, env := range pending {
			if err := handler(ctx, env); err != nil {
				return err
			}
			cursor, _ = strconv.ParseInt(env.ID, 10, 64)
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	ns, exists := b.namespaces[namespaceName]
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()
	if !exists {
		return nil
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.closed = true
	ns.messages = nil
	close(ns.wake)
	ns.wake = make(chan struct{})
	return nil
}

var _ broker.Broker = (*Broker)(nil)
