package dispatcher

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ggoodman/mcp-app-bridge/apps"
)

// route is one row of the allowlist.
type route struct {
	requiresSession  bool
	requiresAppender bool
	// schema is nil for lenient rows.
	schema *paramsSchema
	call   func(ctx context.Context, d *Dispatcher, method string, params json.RawMessage) (any, error)
}

type routeFlag func(*route)

func requireSession(r *route)  { r.requiresSession = true }
func requireAppender(r *route) { r.requiresAppender = true }

// lenient rows skip schema validation and ignore decode errors; their params
// types decode whatever they can.
func lenient(r *route) { r.schema = nil }

// row binds a typed handler into the table.
func row[P, R any](fn func(ctx context.Context, d *Dispatcher, p *P) (R, error), flags ...routeFlag) route {
	r := route{schema: mustReflectParamsSchema[P]()}
	for _, f := range flags {
		f(&r)
	}
	strict := r.schema != nil
	r.call = func(ctx context.Context, d *Dispatcher, method string, raw json.RawMessage) (any, error) {
		p := new(P)
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, p); err != nil && strict {
				return nil, newError(KindInvalidMessageFormat, method, err)
			}
		}
		res, err := fn(ctx, d, p)
		if err != nil {
			return nil, asProtocolError(method, err)
		}
		return res, nil
	}
	return r
}

var routes = map[apps.Method]route{
	apps.OpenLinkMethod:                   row(handleOpenLink),
	apps.MessageMethod:                    row(handleMessage, requireAppender),
	apps.ToolsCallMethod:                  row(handleToolsCall, requireSession),
	apps.ResourcesReadMethod:              row(handleResourcesRead, requireSession),
	apps.LoggingMessageNotificationMethod: row(handleLog, lenient),
	apps.PingMethod:                       row(handlePing, lenient),
	apps.InitializeMethod:                 row(handleInitialize, lenient),
	apps.InitializedNotificationMethod:    row(handlePing, lenient),
}

// asProtocolError keeps handler-produced *Error values and wraps anything
// else as a downstream failure.
func asProtocolError(method string, err error) error {
	if KindOf(err) != "" {
		return err
	}
	return newError(KindDownstreamFailure, method, err)
}

type empty struct{}

type openLinkParams struct {
	URL string `json:"url" jsonschema:"minLength=1"`
}

// handleOpenLink asks the navigator to open an external URL.
func handleOpenLink(ctx context.Context, d *Dispatcher, p *openLinkParams) (empty, error) {
	if d.collab.Navigator == nil {
		return empty{}, errorf(KindCapabilityUnavailable, string(apps.OpenLinkMethod), "external navigation is not available")
	}
	if err := d.collab.Navigator.OpenExternal(ctx, p.URL); err != nil {
		return empty{}, err
	}
	return empty{}, nil
}

type messageParams struct {
	Role    string              `json:"role,omitempty"`
	Content []apps.ContentBlock `json:"content"`
}

// handleMessage appends the first text block to the conversation.
func handleMessage(ctx context.Context, d *Dispatcher, p *messageParams) (empty, error) {
	text, ok := apps.FirstText(p.Content)
	if !ok {
		return empty{}, errorf(KindInvalidMessageFormat, string(apps.MessageMethod), "content has no text block")
	}
	if err := d.appender.AppendMessage(ctx, text); err != nil {
		return empty{}, err
	}
	return empty{}, nil
}

type toolsCallParams struct {
	Name      string         `json:"name" jsonschema:"minLength=1"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func handleToolsCall(ctx context.Context, d *Dispatcher, p *toolsCallParams) (*apps.ToolCallResult, error) {
	if d.collab.Tools == nil {
		return apps.ToolErrorResult("tool invocation is not available"), nil
	}
	// A surface names tools relative to its own extension; it cannot
	// address another extension's tools.
	name := QualifiedToolName(d.extensionName, strings.TrimSpace(p.Name))
	args := p.Arguments
	if args == nil {
		args = map[string]any{}
	}

	res, err := d.collab.Tools.CallTool(ctx, d.sessionID, name, args)
	if err != nil {
		d.log.WarnContext(ctx, "dispatcher.tool_call.fail", "tool", name, "err", err.Error())
		return apps.ToolErrorResult(err.Error()), nil
	}
	if res == nil {
		res = &apps.ToolCallResult{}
	}
	if res.Content == nil {
		res.Content = []apps.ContentBlock{}
	}
	return res, nil
}

type resourcesReadParams struct {
	URI string `json:"uri" jsonschema:"minLength=1"`
}

type resourcesReadResult struct {
	Contents []apps.ResourceContents `json:"contents"`
}

func handleResourcesRead(ctx context.Context, d *Dispatcher, p *resourcesReadParams) (*resourcesReadResult, error) {
	if d.collab.Resources == nil {
		return nil, errorf(KindCapabilityUnavailable, string(apps.ResourcesReadMethod), "resource access is not available")
	}
	contents, err := d.collab.Resources.ReadResource(ctx, d.sessionID, d.extensionName, p.URI)
	if err != nil {
		return nil, err
	}
	if contents == nil {
		contents = []apps.ResourceContents{}
	}
	return &resourcesReadResult{Contents: contents}, nil
}

type logParams struct {
	Level  apps.LoggingLevel `json:"level,omitempty"`
	Logger string            `json:"logger,omitempty"`
	Data   any               `json:"data"`

	malformed bool
}

// UnmarshalJSON never fails: input that does not fit the expected shape is
// kept verbatim in Data.
func (p *logParams) UnmarshalJSON(b []byte) error {
	type plain logParams
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		*p = logParams{Data: string(b), malformed: true}
		return nil
	}
	*p = logParams(v)
	return nil
}

func handleLog(ctx context.Context, d *Dispatcher, p *logParams) (empty, error) {
	level := p.Level
	if !apps.IsValidLoggingLevel(level) {
		if level != "" || p.malformed {
			d.log.DebugContext(ctx, "dispatcher.log.malformed", "level", string(level))
		}
		level = apps.LoggingLevelInfo
	}
	if d.collab.Log != nil {
		d.collab.Log.Log(ctx, level, p.Logger, p.Data)
	}
	return empty{}, nil
}

type noParams struct{}

// handlePing also acknowledges ui/notifications/initialized.
func handlePing(context.Context, *Dispatcher, *noParams) (empty, error) {
	return empty{}, nil
}

type initializeParams struct {
	ProtocolVersion string                   `json:"protocolVersion,omitempty"`
	AppInfo         *apps.ImplementationInfo `json:"appInfo,omitempty"`
}

type hostCapabilities struct {
	OpenLinks      *struct{} `json:"openLinks,omitempty"`
	Message        *struct{} `json:"message,omitempty"`
	ServerTools    *struct{} `json:"serverTools,omitempty"`
	ServerResource *struct{} `json:"serverResources,omitempty"`
	Logging        *struct{} `json:"logging,omitempty"`
}

type initializeResult struct {
	ProtocolVersion  string                  `json:"protocolVersion"`
	HostInfo         apps.ImplementationInfo `json:"hostInfo"`
	HostCapabilities hostCapabilities        `json:"hostCapabilities"`
	HostContext      apps.HostContext        `json:"hostContext"`
}

func handleInitialize(ctx context.Context, d *Dispatcher, p *initializeParams) (*initializeResult, error) {
	if p.AppInfo != nil {
		d.log.DebugContext(ctx, "dispatcher.initialize", "app", p.AppInfo.Name, "app_version", p.AppInfo.Version, "protocol_version", p.ProtocolVersion)
	}
	caps := hostCapabilities{Logging: &struct{}{}}
	if d.collab.Navigator != nil {
		caps.OpenLinks = &struct{}{}
	}
	if d.appender != nil {
		caps.Message = &struct{}{}
	}
	if d.sessionID != "" && d.collab.Tools != nil {
		caps.ServerTools = &struct{}{}
	}
	if d.sessionID != "" && d.collab.Resources != nil {
		caps.ServerResource = &struct{}{}
	}
	return &initializeResult{
		ProtocolVersion:  apps.ProtocolVersion,
		HostInfo:         d.hostInfo,
		HostCapabilities: caps,
		HostContext:      d.hostContext,
	}, nil
}
