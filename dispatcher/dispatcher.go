package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-app-bridge/internal/logctx"
	"github.com/ggoodman/mcp-app-bridge/internal/metrics"
)

// ToolNameSeparator joins the extension name and the tool name.
const ToolNameSeparator = "__"

// QualifiedToolName returns the host-wide name of an extension's tool.
func QualifiedToolName(extensionName, tool string) string {
	return extensionName + ToolNameSeparator + tool
}

// Dispatcher validates protocol requests from one surface and forwards them
// to host collaborators. It is safe for concurrent use.
type Dispatcher struct {
	extensionName string
	sessionID     string
	collab        Collaborators
	appender      MessageAppender
	hostInfo      apps.ImplementationInfo
	hostContext   apps.HostContext
	log           *slog.Logger
	metrics       *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSession sets the session reference required by session-scoped methods.
func WithSession(sessionID string) Option {
	return func(d *Dispatcher) { d.sessionID = sessionID }
}

// WithAppender grants the message-append capability.
func WithAppender(a MessageAppender) Option {
	return func(d *Dispatcher) { d.appender = a }
}

// WithHostInfo sets the implementation info announced from ui/initialize.
func WithHostInfo(info apps.ImplementationInfo) Option {
	return func(d *Dispatcher) { d.hostInfo = info }
}

// WithHostContext sets the host configuration announced from ui/initialize.
func WithHostContext(hc apps.HostContext) Option {
	return func(d *Dispatcher) { d.hostContext = hc }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics records dispatch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New constructs a Dispatcher serving the surface of extensionName.
func New(extensionName string, collab Collaborators, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		extensionName: extensionName,
		collab:        collab,
		hostInfo:      apps.ImplementationInfo{Name: "mcp-app-bridge", Version: "0.1.0"},
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = logctx.Wrap(d.log)
	return d
}

// SessionID returns the session reference, if any.
func (d *Dispatcher) SessionID() string { return d.sessionID }

// ExtensionName returns the extension whose surface this dispatcher serves.
func (d *Dispatcher) ExtensionName() string { return d.extensionName }

// Methods lists the allowlisted wire methods.
func Methods() []string {
	out := make([]string, 0, len(routes))
	for m := range routes {
		out = append(out, string(m))
	}
	return out
}

// Handle executes one request and returns its result. Failures are *Error
// values; Handle never panics on behalf of a collaborator.
func (d *Dispatcher) Handle(ctx context.Context, method string, params json.RawMessage) (result any, err error) {
	rt, ok := routes[apps.Method(method)]
	if !ok {
		return nil, newError(KindUnknownMethod, method, nil)
	}
	if rt.requiresSession && d.sessionID == "" {
		return nil, newError(KindSessionNotInitialized, method, nil)
	}
	if rt.requiresAppender && d.appender == nil {
		return nil, errorf(KindCapabilityUnavailable, method, "message append is not available in this context")
	}
	if rt.schema != nil {
		if verr := rt.schema.validate(params); verr != nil {
			return nil, newError(KindInvalidMessageFormat, method, verr)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "dispatcher.handler.panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			result = nil
			err = errorf(KindDownstreamFailure, method, "handler panicked: %v", r)
		}
	}()

	return rt.call(ctx, d, method, params)
}

// Serve handles a decoded request and builds its response. It returns nil for
// notifications, which never receive a response.
func (d *Dispatcher) Serve(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	typ := jsonrpc.TypeRequest
	if req.IsNotification() {
		typ = jsonrpc.TypeNotification
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: string(typ)})
	if d.sessionID != "" {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: d.sessionID})
	}

	result, err := d.Handle(ctx, req.Method, req.Params)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		d.log.WarnContext(ctx, "dispatcher.handle.fail", slog.String("err", err.Error()))
	} else {
		d.log.DebugContext(ctx, "dispatcher.handle.ok")
	}
	d.metrics.ObserveDispatch(metricMethodLabel(req.Method), outcome)

	if req.IsNotification() {
		return nil
	}
	if err != nil {
		return ErrorResponse(req.ID, err)
	}
	res, merr := jsonrpc.NewResultResponse(req.ID, result)
	if merr != nil {
		return ErrorResponse(req.ID, newError(KindDownstreamFailure, req.Method, merr))
	}
	return res
}

// ErrorResponse encodes err as a JSON-RPC error response.
func ErrorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	var de *Error
	if !errors.As(err, &de) {
		de = newError(KindDownstreamFailure, "", err)
	}
	return jsonrpc.NewErrorResponse(id, de.Code(), de.Error(), map[string]string{"kind": string(de.Kind)})
}

// metricMethodLabel bounds label cardinality: surfaces control method names.
func metricMethodLabel(method string) string {
	if _, ok := routes[apps.Method(method)]; ok {
		return method
	}
	return "unknown"
}
