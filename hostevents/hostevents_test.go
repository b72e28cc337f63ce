package hostevents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/broker/memory"
	"github.com/ggoodman/mcp-app-bridge/dispatcher"
	"github.com/ggoodman/mcp-app-bridge/internal/logtest"
)

var (
	_ dispatcher.Navigator       = (*Sink)(nil)
	_ dispatcher.MessageAppender = (*Sink)(nil)
	_ dispatcher.LogSink         = (*SlogSink)(nil)
)

var errStop = errors.New("stop")

func newStream(t *testing.T) *Stream {
	t.Helper()
	s := New(memory.New(), WithLogger(logtest.Logger(t)))
	s.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func collect(t *testing.T, s *Stream, sessionID string, n int) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []Event
	err := s.Subscribe(ctx, sessionID, "0", func(_ context.Context, _ string, ev Event) error {
		got = append(got, ev)
		if len(got) == n {
			return errStop
		}
		return nil
	})
	require.ErrorIs(t, err, errStop)
	return got
}

func TestSinkPublishesEvents(t *testing.T) {
	s := newStream(t)
	ctx := context.Background()
	sink := s.ForSession("sess-1", "weather")

	require.NoError(t, sink.AppendMessage(ctx, "What about tomorrow?"))
	require.NoError(t, sink.OpenExternal(ctx, "https://example.com/forecast?d=1"))

	got := collect(t, s, "sess-1", 2)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, []Event{
		{Kind: KindMessageAppend, SessionID: "sess-1", Extension: "weather", Text: "What about tomorrow?", Time: at},
		{Kind: KindLinkOpen, SessionID: "sess-1", Extension: "weather", URL: "https://example.com/forecast?d=1", Time: at},
	}, got)
}

func TestOpenExternalRejectsOtherSchemes(t *testing.T) {
	s := newStream(t)
	sink := s.ForSession("sess-1", "weather")
	for _, u := range []string{"javascript:alert(1)", "file:///etc/passwd", "mailto:a@b.c"} {
		assert.ErrorIs(t, sink.OpenExternal(context.Background(), u), ErrUnsupportedScheme, u)
	}
	assert.Error(t, sink.OpenExternal(context.Background(), "https://"))
	assert.Error(t, sink.OpenExternal(context.Background(), "http://[::1"))
}

func TestSessionsAreIsolated(t *testing.T) {
	s := newStream(t)
	ctx := context.Background()
	require.NoError(t, s.ForSession("a", "weather").AppendMessage(ctx, "for a"))
	require.NoError(t, s.ForSession("b", "weather").AppendMessage(ctx, "for b"))

	got := collect(t, s, "b", 1)
	assert.Equal(t, "for b", got[0].Text)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	s := newStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Subscribe(ctx, "sess-1", "", func(context.Context, string, Event) error { return nil })
	}()

	require.Eventually(t, func() bool {
		_ = s.Close(context.Background(), "sess-1")
		select {
		case err := <-done:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	sink.Log(context.Background(), apps.LoggingLevelWarning, "app", map[string]any{"n": 1})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "app.log", rec["msg"])
	assert.Equal(t, "app", rec["logger"])
	assert.Equal(t, map[string]any{"n": float64(1)}, rec["data"])
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, SlogLevel(apps.LoggingLevelDebug))
	assert.Equal(t, slog.LevelInfo, SlogLevel(apps.LoggingLevelNotice))
	assert.Equal(t, slog.LevelError, SlogLevel(apps.LoggingLevelEmergency))
	assert.Equal(t, slog.LevelInfo, SlogLevel("bogus"))
}
