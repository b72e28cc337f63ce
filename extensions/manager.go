// Package extensions talks to the MCP servers that provide apps. A Manager
// keeps one client session per configured extension and exposes the host
// collaborator interfaces on top of them: markup fetching, tool calls,
// resource reads and app listing.
package extensions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ggoodman/mcp-app-bridge/dispatcher"
	"github.com/ggoodman/mcp-app-bridge/internal/logctx"
)

var (
	// ErrUnknownExtension is returned for names no extension is configured
	// under.
	ErrUnknownExtension = errors.New("extensions: unknown extension")
	// ErrInvalidToolName is returned when a qualified tool name does not
	// carry an extension prefix.
	ErrInvalidToolName = errors.New("extensions: tool name must be qualified as <extension>__<tool>")
)

// Extension is one configured MCP server.
type Extension struct {
	Name     string
	Endpoint string
}

// session is the part of *sdk.ClientSession the Manager uses.
type session interface {
	ListResources(ctx context.Context, params *sdk.ListResourcesParams) (*sdk.ListResourcesResult, error)
	ReadResource(ctx context.Context, params *sdk.ReadResourceParams) (*sdk.ReadResourceResult, error)
	CallTool(ctx context.Context, params *sdk.CallToolParams) (*sdk.CallToolResult, error)
	Close() error
}

type dialFunc func(ctx context.Context, ext Extension) (session, error)

// Manager owns the client sessions. Sessions are dialed on first use and
// shared by every host session; it is safe for concurrent use.
type Manager struct {
	exts       map[string]Extension
	names      []string
	httpClient *http.Client
	info       sdk.Implementation
	log        *slog.Logger
	dial       dialFunc

	mu       sync.Mutex
	sessions map[string]*lazySession
	closed   bool
}

type lazySession struct {
	mu  sync.Mutex
	s   session
	err error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithHTTPClient sets the client used by the streamable HTTP transport.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithClientInfo sets the implementation info sent on initialize.
func WithClientInfo(name, version string) Option {
	return func(m *Manager) { m.info = sdk.Implementation{Name: name, Version: version} }
}

// NewManager validates exts and creates a Manager. No connection is made.
func NewManager(exts []Extension, opts ...Option) (*Manager, error) {
	m := &Manager{
		exts:     make(map[string]Extension, len(exts)),
		info:     sdk.Implementation{Name: "mcp-app-bridge", Version: "0.1.0"},
		log:      slog.Default(),
		sessions: make(map[string]*lazySession),
	}
	for _, ext := range exts {
		switch {
		case ext.Name == "":
			return nil, errors.New("extensions: extension name is required")
		case strings.Contains(ext.Name, dispatcher.ToolNameSeparator):
			return nil, fmt.Errorf("extensions: extension name %q must not contain %q", ext.Name, dispatcher.ToolNameSeparator)
		case ext.Endpoint == "":
			return nil, fmt.Errorf("extensions: extension %q has no endpoint", ext.Name)
		}
		if _, dup := m.exts[ext.Name]; dup {
			return nil, fmt.Errorf("extensions: duplicate extension %q", ext.Name)
		}
		m.exts[ext.Name] = ext
		m.names = append(m.names, ext.Name)
	}
	sort.Strings(m.names)
	for _, opt := range opts {
		opt(m)
	}
	m.log = logctx.Wrap(m.log)
	if m.dial == nil {
		m.dial = m.dialStreamable
	}
	return m, nil
}

// Names returns the configured extension names, sorted.
func (m *Manager) Names() []string {
	return append([]string(nil), m.names...)
}

func (m *Manager) dialStreamable(ctx context.Context, ext Extension) (session, error) {
	client := sdk.NewClient(&m.info, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{
		Endpoint:   ext.Endpoint,
		HTTPClient: m.httpClient,
	}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// session returns the extension's session, dialing it if needed. A failed
// dial is retried on the next call.
func (m *Manager) session(ctx context.Context, name string) (session, error) {
	ext, ok := m.exts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExtension, name)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("extensions: manager closed")
	}
	ls, ok := m.sessions[name]
	if !ok {
		ls = &lazySession{}
		m.sessions[name] = ls
	}
	m.mu.Unlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.s != nil {
		return ls.s, nil
	}
	s, err := m.dial(ctx, ext)
	if err != nil {
		m.log.WarnContext(ctx, "extensions.dial.fail", slog.String("extension", name), slog.String("err", err.Error()))
		return nil, fmt.Errorf("connect to extension %q: %w", name, err)
	}
	m.log.InfoContext(ctx, "extensions.dial.ok", slog.String("extension", name), slog.String("endpoint", ext.Endpoint))
	ls.s = s
	return s, nil
}

// Close closes every open session.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = map[string]*lazySession{}
	m.mu.Unlock()

	var errs []error
	for name, ls := range sessions {
		ls.mu.Lock()
		if ls.s != nil {
			if err := ls.s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", name, err))
			}
			ls.s = nil
		}
		ls.mu.Unlock()
	}
	return errors.Join(errs...)
}
