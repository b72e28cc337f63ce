package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-app-bridge/broker"
	"github.com/ggoodman/mcp-app-bridge/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestHistoryIsBounded(t *testing.T) {
	b := New(WithHistory(2))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var first string
	for i := range 5 {
		id, err := b.Publish(ctx, "ns", []byte(fmt.Sprint(i)))
		require.NoError(t, err)
		if i == 0 {
			first = id
		}
	}

	var got []string
	err := b.Subscribe(ctx, "ns", first, func(_ context.Context, env broker.MessageEnvelope) error {
		got = append(got, string(env.Data))
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"3", "4"}, got)
}

func TestCleanupEndsSubscriptions(t *testing.T) {
	b := New()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, "ns", "0", func(context.Context, broker.MessageEnvelope) error { return nil }) }()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.namespaces["ns"]
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Cleanup(ctx, "ns"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription survived cleanup")
	}
}
