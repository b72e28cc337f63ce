// Package logctx enriches slog records with request-scoped attributes carried
// on the context: the surface being served, the protocol message being
// handled and the session it belongs to.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends grouped attributes found on
// the record's context.
type Handler struct {
	slog.Handler
}

// Wrap returns a logger whose handler enriches records from context.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(surfaceDataKey{}).(*SurfaceData); ok {
		r.AddAttrs(slog.Group("surface",
			slog.String("id", sd.SurfaceID),
			slog.String("extension", sd.Extension),
			slog.String("uri", sd.ResourceURI),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type surfaceDataKey struct{}

type SurfaceData struct {
	SurfaceID   string
	Extension   string
	ResourceURI string
}

func WithSurfaceData(ctx context.Context, data *SurfaceData) context.Context {
	return context.WithValue(ctx, surfaceDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
