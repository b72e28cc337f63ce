package hostevents

import (
	"context"
	"log/slog"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/internal/logctx"
)

// SlogSink implements dispatcher.LogSink by writing surface log
// notifications to a slog.Logger.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a SlogSink. A nil logger uses slog.Default().
func NewSlogSink(l *slog.Logger) *SlogSink {
	return &SlogSink{log: logctx.Wrap(l)}
}

// SlogLevel maps a protocol log level to a slog level.
func SlogLevel(level apps.LoggingLevel) slog.Level {
	switch level {
	case apps.LoggingLevelDebug:
		return slog.LevelDebug
	case apps.LoggingLevelInfo, apps.LoggingLevelNotice:
		return slog.LevelInfo
	case apps.LoggingLevelWarning:
		return slog.LevelWarn
	case apps.LoggingLevelError, apps.LoggingLevelCritical, apps.LoggingLevelAlert, apps.LoggingLevelEmergency:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *SlogSink) Log(ctx context.Context, level apps.LoggingLevel, logger string, data any) {
	attrs := []slog.Attr{slog.String("level_mcp", string(level)), slog.Any("data", data)}
	if logger != "" {
		attrs = append(attrs, slog.String("logger", logger))
	}
	s.log.LogAttrs(ctx, SlogLevel(level), "app.log", attrs...)
}
