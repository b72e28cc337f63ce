// Package hostevents carries the side effects a surface asks the host to
// perform, such as appending a chat message or opening a link, to whatever
// host UI is subscribed to the session. Events travel over a broker.Broker
// so a subscriber may live on another replica.
package hostevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/mcp-app-bridge/broker"
	"github.com/ggoodman/mcp-app-bridge/internal/logctx"
)

// Kind identifies a host event.
type Kind string

const (
	KindMessageAppend Kind = "message.append"
	KindLinkOpen      Kind = "link.open"
)

// ErrUnsupportedScheme is returned by OpenExternal for anything but http
// and https URLs.
var ErrUnsupportedScheme = errors.New("hostevents: only http and https links can be opened")

// Event is one host-visible event.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"sessionId"`
	Extension string    `json:"extension,omitempty"`
	Text      string    `json:"text,omitempty"`
	URL       string    `json:"url,omitempty"`
	Time      time.Time `json:"time"`
}

// Stream publishes and subscribes to per-session event streams.
type Stream struct {
	broker broker.Broker
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.log = l }
}

// New creates a Stream over b.
func New(b broker.Broker, opts ...Option) *Stream {
	s := &Stream{broker: b, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

func namespace(sessionID string) string {
	return "hostevents:" + sessionID
}

func (s *Stream) publish(ctx context.Context, ev Event) error {
	ev.Time = s.now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	id, err := s.broker.Publish(ctx, namespace(ev.SessionID), data)
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	s.log.DebugContext(ctx, "hostevents.publish", slog.String("kind", string(ev.Kind)), slog.String("event_id", id))
	return nil
}

// Subscribe calls fn for every event of the session until ctx is done, fn
// fails, or the session stream is closed. An empty lastEventID starts with
// the next event.
func (s *Stream) Subscribe(ctx context.Context, sessionID, lastEventID string, fn func(ctx context.Context, id string, ev Event) error) error {
	return s.broker.Subscribe(ctx, namespace(sessionID), lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
		var ev Event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.log.WarnContext(ctx, "hostevents.decode.fail", slog.String("event_id", env.ID), slog.String("err", err.Error()))
			return nil
		}
		return fn(ctx, env.ID, ev)
	})
}

// Close ends the session's stream and its subscriptions.
func (s *Stream) Close(ctx context.Context, sessionID string) error {
	return s.broker.Cleanup(ctx, namespace(sessionID))
}

// ForSession returns the sink a dispatcher uses for one surface of the
// session.
func (s *Stream) ForSession(sessionID, extensionName string) *Sink {
	return &Sink{stream: s, sessionID: sessionID, extension: extensionName}
}

// Sink implements dispatcher.Navigator and dispatcher.MessageAppender by
// publishing host events.
type Sink struct {
	stream    *Stream
	sessionID string
	extension string
}

// OpenExternal asks the host UI to open rawURL.
func (k *Sink) OpenExternal(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse link: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("parse link: %q has no host", rawURL)
	}
	return k.stream.publish(ctx, Event{Kind: KindLinkOpen, SessionID: k.sessionID, Extension: k.extension, URL: u.String()})
}

// AppendMessage asks the host UI to append text to the conversation.
func (k *Sink) AppendMessage(ctx context.Context, text string) error {
	return k.stream.publish(ctx, Event{Kind: KindMessageAppend, SessionID: k.sessionID, Extension: k.extension, Text: text})
}
