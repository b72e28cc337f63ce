// Package renderer composes a resource fetcher, an isolation bridge and a
// capability dispatcher into one rendering instance of an app.
//
// A Renderer moves through Loading, then Ready or Error. When a cached value
// exists it is shown immediately and a fresh copy is fetched in the
// background; fetch failures while a value is displayed are logged, never
// shown. Without a cached value a failed fetch leaves the instance in Error
// until Retry succeeds.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/bridge"
	"github.com/ggoodman/mcp-app-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-app-bridge/internal/logctx"
	"github.com/ggoodman/mcp-app-bridge/internal/metrics"
	"github.com/ggoodman/mcp-app-bridge/resources"
)

// DefaultMinHeight is the displayed height floor, in pixels.
const DefaultMinHeight = 200

// Default request budget for one surface.
const (
	DefaultRequestRate  rate.Limit = 20
	DefaultRequestBurst            = 40
)

// State is the lifecycle state of a Renderer.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

var (
	// ErrClosed is returned by operations on a closed Renderer.
	ErrClosed = errors.New("renderer: closed")
	// ErrNotErrored is returned by Retry when the Renderer is not in the
	// error state.
	ErrNotErrored = errors.New("renderer: retry is only possible from the error state")
)

// Cache is the subset of resources.Cache a Renderer uses.
type Cache interface {
	Get(ctx context.Context, extensionName, uri string) (*apps.ResourceContent, bool, error)
	Put(ctx context.Context, extensionName, uri string, content *apps.ResourceContent) error
}

// Dispatcher answers protocol requests. *dispatcher.Dispatcher satisfies it.
type Dispatcher interface {
	Serve(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
}

// Config identifies what a Renderer shows.
type Config struct {
	ExtensionName string
	ResourceURI   string
	// SessionID is informational; session gating happens in the Dispatcher.
	SessionID string
	// Cached is a previously obtained value shown while fetching.
	Cached *apps.ResourceContent
	// MinHeight floors the displayed height. Non-positive values use
	// DefaultMinHeight.
	MinHeight int
}

// Deps are the collaborators of a Renderer. Cache is optional.
type Deps struct {
	Fetcher    resources.Fetcher
	Cache      Cache
	Factory    bridge.SurfaceFactory
	Dispatcher Dispatcher
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.log = l }
}

// WithMetrics records state transitions and the bridge's surface metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Renderer) { r.metrics = m }
}

// WithID overrides the generated instance id.
func WithID(id string) Option {
	return func(r *Renderer) { r.id = id }
}

// WithChannelOrigin is passed to the bridge so the surface policy allows
// its channel.
func WithChannelOrigin(origin string) Option {
	return func(r *Renderer) { r.channelOrigin = origin }
}

// WithRateLimit bounds how many requests per second the surface may issue.
// A zero limit disables limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(r *Renderer) {
		if limit == 0 {
			r.limiter = nil
			return
		}
		r.limiter = rate.NewLimiter(limit, burst)
	}
}

// Snapshot is the externally visible state of a Renderer.
type Snapshot struct {
	ID            string `json:"id"`
	ExtensionName string `json:"extensionName"`
	ResourceURI   string `json:"resourceUri"`
	SessionID     string `json:"sessionId,omitempty"`
	State         State  `json:"state"`
	Error         string `json:"error,omitempty"`
	SurfaceURL    string `json:"surfaceUrl,omitempty"`
	Height        int    `json:"height"`
	Width         int    `json:"width,omitempty"`
	PrefersBorder bool   `json:"prefersBorder"`
}

// Renderer is one rendering instance. It is safe for concurrent use.
type Renderer struct {
	id            string
	cfg           Config
	deps          Deps
	channelOrigin string
	limiter       *rate.Limiter
	log           *slog.Logger
	metrics       *metrics.Metrics
	bridge        *bridge.Bridge

	// loadMu serializes fetch-and-apply cycles.
	loadMu sync.Mutex

	mu      sync.Mutex
	state   State
	err     error
	content *apps.ResourceContent
	surface bridge.SurfaceHandle
	height  int
	width   int
	tool    toolState
	closed  bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates a Renderer in the loading state. Nothing is fetched until
// Mount.
func New(cfg Config, deps Deps, opts ...Option) *Renderer {
	if cfg.MinHeight <= 0 {
		cfg.MinHeight = DefaultMinHeight
	}
	r := &Renderer{
		cfg:     cfg,
		deps:    deps,
		limiter: rate.NewLimiter(DefaultRequestRate, DefaultRequestBurst),
		log:     slog.Default(),
		state:   StateLoading,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	r.log = logctx.Wrap(r.log).With(slog.String("renderer", r.id))
	r.bgCtx, r.bgCancel = context.WithCancel(context.Background())

	r.bridge = bridge.New(deps.Factory,
		bridge.WithLogger(r.log),
		bridge.WithMetrics(r.metrics),
		bridge.WithChannelOrigin(r.channelOrigin),
		bridge.WithSurfaceInfo(cfg.ExtensionName, cfg.ResourceURI),
	)
	r.bridge.OnRequest(r.serve)
	r.bridge.OnSizeChanged(r.sizeChanged)
	r.metrics.ObserveTransition(string(StateLoading))
	return r
}

// ID returns the instance id.
func (r *Renderer) ID() string { return r.id }

// Mount shows the first value. A cached value is mounted immediately and
// refreshed in the background; otherwise the resource is fetched and any
// failure moves the Renderer to the error state. Mount reports only
// ErrClosed; the outcome is visible through Snapshot.
func (r *Renderer) Mount(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.isClosed() {
		return ErrClosed
	}

	cached := r.cfg.Cached
	if !cached.HasMarkup() && r.deps.Cache != nil {
		c, ok, err := r.deps.Cache.Get(ctx, r.cfg.ExtensionName, r.cfg.ResourceURI)
		if err != nil {
			r.log.WarnContext(ctx, "renderer.cache.read_fail", slog.String("err", err.Error()))
		} else if ok {
			cached = c
		}
	}

	if cached.HasMarkup() {
		if err := r.apply(ctx, cached); err != nil {
			r.fail(ctx, err)
			return nil
		}
		r.goRefresh()
		return nil
	}

	r.loadLocked(ctx)
	return nil
}

// Refresh fetches the resource again. Identical markup leaves the surface
// untouched; different markup replaces it. A failure while a value is shown
// is logged and swallowed.
func (r *Renderer) Refresh(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.isClosed() {
		return ErrClosed
	}
	r.loadLocked(ctx)
	return nil
}

// Retry repeats the initial load after a failure.
func (r *Renderer) Retry(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.isClosed() {
		return ErrClosed
	}
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state != StateError {
		return ErrNotErrored
	}
	r.transition(ctx, StateLoading, nil)
	r.loadLocked(ctx)
	return nil
}

// Wait blocks until background refreshes started by Mount finish.
func (r *Renderer) Wait() {
	r.bg.Wait()
}

func (r *Renderer) goRefresh() {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if err := r.Refresh(r.bgCtx); err != nil && !errors.Is(err, ErrClosed) {
			r.log.WarnContext(r.bgCtx, "renderer.refresh.fail", slog.String("err", err.Error()))
		}
	}()
}

// loadLocked fetches and applies the resource. loadMu must be held.
func (r *Renderer) loadLocked(ctx context.Context) {
	content, err := r.deps.Fetcher.Fetch(ctx, r.cfg.ExtensionName, r.cfg.ResourceURI)
	if err == nil && !content.HasMarkup() {
		err = resources.ErrNoMarkup
	}
	if r.isClosed() {
		return
	}

	r.mu.Lock()
	current := r.content
	state := r.state
	r.mu.Unlock()

	if err != nil {
		if state == StateReady {
			r.log.WarnContext(ctx, "renderer.fetch.fail_using_cached", slog.String("err", err.Error()))
			return
		}
		r.fail(ctx, fmt.Errorf("fetch %s: %w", r.cfg.ResourceURI, err))
		return
	}

	if r.deps.Cache != nil {
		if perr := r.deps.Cache.Put(ctx, r.cfg.ExtensionName, r.cfg.ResourceURI, content); perr != nil {
			r.log.WarnContext(ctx, "renderer.cache.write_fail", slog.String("err", perr.Error()))
		}
	}

	if state == StateReady && current.SameMarkup(content) {
		r.log.DebugContext(ctx, "renderer.refresh.unchanged")
		return
	}

	if err := r.apply(ctx, content); err != nil {
		if state == StateReady {
			r.log.WarnContext(ctx, "renderer.remount.fail", slog.String("err", err.Error()))
			return
		}
		r.fail(ctx, err)
	}
}

// apply mounts content on a fresh surface and replays the tool state.
func (r *Renderer) apply(ctx context.Context, content *apps.ResourceContent) error {
	handle, err := r.bridge.Mount(ctx, content.MarkupString(), content.Policy, content.PrefersBorder)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = r.bridge.Unmount()
		return ErrClosed
	}
	r.content = content
	r.surface = handle
	replay := r.tool.events()
	r.mu.Unlock()

	for _, ev := range replay {
		if err := r.bridge.Send(ctx, ev); err != nil {
			r.log.WarnContext(ctx, "renderer.tool_state.replay_fail", slog.String("err", err.Error()))
			break
		}
	}
	r.transition(ctx, StateReady, nil)
	return nil
}

func (r *Renderer) fail(ctx context.Context, err error) {
	r.log.ErrorContext(ctx, "renderer.load.fail", slog.String("err", err.Error()))
	r.transition(ctx, StateError, err)
}

func (r *Renderer) transition(ctx context.Context, to State, err error) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.err = err
	r.mu.Unlock()
	if from != to || to == StateReady {
		r.metrics.ObserveTransition(string(to))
	}
	r.log.DebugContext(ctx, "renderer.state", slog.String("from", string(from)), slog.String("to", string(to)))
}

// SendEvent records a tool lifecycle event and forwards it to the surface
// if one is mounted. The event is replayed into any later surface.
func (r *Renderer) SendEvent(ctx context.Context, ev apps.ToolLifecycleEvent) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.tool.record(ev)
	r.mu.Unlock()

	err := r.bridge.Send(ctx, ev)
	if errors.Is(err, bridge.ErrNoSurface) {
		return nil
	}
	return err
}

// unmetered methods bypass the request budget.
var unmetered = map[string]bool{
	string(apps.PingMethod):                       true,
	string(apps.LoggingMessageNotificationMethod): true,
	string(apps.InitializedNotificationMethod):    true,
}

func (r *Renderer) serve(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if r.limiter != nil && !unmetered[req.Method] && !r.limiter.Allow() {
		r.log.WarnContext(ctx, "renderer.request.rate_limited", slog.String("method", req.Method))
		r.metrics.ObserveDrop("rate_limited")
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRateLimited, "rate limited", map[string]string{"kind": "RateLimited"})
	}
	res := r.deps.Dispatcher.Serve(ctx, req)
	if r.isClosed() {
		// Results that arrive after Close have nowhere to go.
		return nil
	}
	return res
}

func (r *Renderer) sizeChanged(height, width int) {
	r.mu.Lock()
	r.height = height
	r.width = width
	r.mu.Unlock()
}

// Height returns the displayed height: the last reported height, floored at
// the configured minimum.
func (r *Renderer) Height() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(r.height, r.cfg.MinHeight)
}

// State returns the current state.
func (r *Renderer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Content returns the displayed value, if any.
func (r *Renderer) Content() *apps.ResourceContent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content
}

// Snapshot returns the externally visible state.
func (r *Renderer) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		ID:            r.id,
		ExtensionName: r.cfg.ExtensionName,
		ResourceURI:   r.cfg.ResourceURI,
		SessionID:     r.cfg.SessionID,
		State:         r.state,
		Height:        max(r.height, r.cfg.MinHeight),
		Width:         r.width,
	}
	if r.err != nil {
		s.Error = r.err.Error()
	}
	if r.state == StateReady {
		s.SurfaceURL = r.surface.URL
	}
	if r.content != nil {
		s.PrefersBorder = r.content.PrefersBorder
	}
	return s
}

// Close unmounts the surface and stops background work. It is idempotent.
func (r *Renderer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.bgCancel()
	err := r.bridge.Unmount()
	r.bg.Wait()
	return err
}

func (r *Renderer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
