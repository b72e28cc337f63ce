package dispatcher

import (
	"context"

	"github.com/ggoodman/mcp-app-bridge/apps"
)

// ToolInvoker executes tools on behalf of a session. Implementations must be
// safe for concurrent use; timeouts are their responsibility.
type ToolInvoker interface {
	CallTool(ctx context.Context, sessionID, name string, arguments map[string]any) (*apps.ToolCallResult, error)
}

// ResourceReader reads extension resources on behalf of a session.
type ResourceReader interface {
	ReadResource(ctx context.Context, sessionID, extensionName, uri string) ([]apps.ResourceContents, error)
}

// Navigator opens links outside the host.
type Navigator interface {
	OpenExternal(ctx context.Context, url string) error
}

// MessageAppender appends user text to the conversation the surface is
// embedded in.
type MessageAppender interface {
	AppendMessage(ctx context.Context, text string) error
}

// LogSink receives log notifications emitted by the surface.
type LogSink interface {
	Log(ctx context.Context, level apps.LoggingLevel, logger string, data any)
}

// Collaborators groups the host-owned dependencies of a Dispatcher.
type Collaborators struct {
	Tools     ToolInvoker
	Resources ResourceReader
	Navigator Navigator
	Log       LogSink
}
