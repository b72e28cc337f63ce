// Package brokertest is a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-app-bridge/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("SubscribeFromNext", func(t *testing.T) { testSubscribeFromNext(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("MultipleSubscribers", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, factory) })
}

// collector gathers delivered payloads.
type collector struct {
	mu   sync.Mutex
	data []string
	ids  []string
}

func (c *collector) handle(_ context.Context, env broker.MessageEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, string(env.Data))
	c.ids = append(c.ids, env.ID)
	return nil
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.data...)
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.payloads()) >= n }, 5*time.Second, 10*time.Millisecond)
	return c.payloads()
}

// subscribe starts a subscription from the next message in the background
// and publishes probes until one is delivered, so the subscription is known
// to be live when it returns.
func subscribe(t *testing.T, b broker.Broker, ctx context.Context, ns string) (*collector, <-chan error) {
	t.Helper()
	c := &collector{}
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, ns, "", c.handle) }()

	require.Eventually(t, func() bool {
		if len(c.payloads()) > 0 {
			return true
		}
		_, _ = b.Publish(ctx, ns, []byte("probe"))
		return false
	}, 5*time.Second, 20*time.Millisecond)
	return c, done
}

// afterProbes drops the probe messages from payloads.
func afterProbes(payloads []string) []string {
	var out []string
	for _, p := range payloads {
		if p != "probe" {
			out = append(out, p)
		}
	}
	return out
}

func testSubscribeFromNext(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, "ns", []byte("before"))
	require.NoError(t, err)

	c, _ := subscribe(t, b, ctx, "ns")
	for i := range 3 {
		_, err := b.Publish(ctx, "ns", []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(afterProbes(c.payloads())) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"0", "1", "2"}, afterProbes(c.payloads()))
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for i := range 4 {
		id, err := b.Publish(ctx, "ns", []byte(fmt.Sprint(i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	c := &collector{}
	go func() { _ = b.Subscribe(ctx, "ns", ids[1], c.handle) }()
	assert.Equal(t, []string{"2", "3"}, c.waitFor(t, 2))

	_, err := b.Publish(ctx, "ns", []byte("4"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "4"}, c.waitFor(t, 3))
	assert.Equal(t, ids[2:], c.ids[:2])
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, _ := subscribe(t, b, ctx, "ns")
	second, _ := subscribe(t, b, ctx, "ns")
	_, err := b.Publish(ctx, "ns", []byte("hello"))
	require.NoError(t, err)

	for _, c := range []*collector{first, second} {
		require.Eventually(t, func() bool {
			got := afterProbes(c.payloads())
			return len(got) == 1 && got[0] == "hello"
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := subscribe(t, b, ctx, "a")
	other, _ := subscribe(t, b, ctx, "b")

	_, err := b.Publish(ctx, "a", []byte("for-a"))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "b", []byte("for-b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(afterProbes(a.payloads())) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(afterProbes(other.payloads())) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"for-a"}, afterProbes(a.payloads()))
	assert.Equal(t, []string{"for-b"}, afterProbes(other.payloads()))
}

func testContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, done := subscribe(t, b, ctx, "ns")
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop after cancellation")
	}
}

func testHandlerError(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := b.Publish(ctx, "ns", []byte("seed"))
	require.NoError(t, err)

	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "ns", id, func(context.Context, broker.MessageEnvelope) error { return boom })
	}()
	_, err = b.Publish(ctx, "ns", []byte("trigger"))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("handler error did not stop the subscription")
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := b.Publish(ctx, "ns", []byte("old"))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "ns", []byte("old2"))
	require.NoError(t, err)
	require.NoError(t, b.Cleanup(ctx, "ns"))

	// Nothing published before cleanup is replayed. Stream IDs may be
	// time based, so let the clock move past the old ones.
	time.Sleep(5 * time.Millisecond)
	_, err = b.Publish(ctx, "ns", []byte("new"))
	require.NoError(t, err)

	c := &collector{}
	go func() { _ = b.Subscribe(ctx, "ns", first, c.handle) }()
	assert.Equal(t, []string{"new"}, c.waitFor(t, 1))
	assert.NoError(t, b.Cleanup(ctx, "never-used"))
}
