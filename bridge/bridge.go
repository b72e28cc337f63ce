package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-app-bridge/internal/logctx"
	"github.com/ggoodman/mcp-app-bridge/internal/metrics"
)

// sendQueueSize bounds host -> surface messages awaiting the writer.
const sendQueueSize = 64

// RequestHandler answers one surface-originated request. It returns nil for
// notifications. Handlers run concurrently, one goroutine per request.
type RequestHandler func(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response

// SizeChangedFunc receives dimensions reported by the surface, unclamped.
type SizeChangedFunc func(height, width int)

// SurfaceHandle describes the mounted surface.
type SurfaceHandle struct {
	ID     string
	URL    string
	Policy Policy
}

// Bridge mediates between the host and at most one isolated surface.
type Bridge struct {
	factory       SurfaceFactory
	channelOrigin string
	log           *slog.Logger
	metrics       *metrics.Metrics

	// mountMu serializes Mount and Unmount.
	mountMu sync.Mutex

	mu       sync.Mutex
	current  *mounted
	gen      uint64
	handler  RequestHandler
	onSize   SizeChangedFunc
	surfData logctx.SurfaceData
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithMetrics records surface lifetimes and dropped messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithChannelOrigin is the origin surfaces connect back to for their
// channel. It is always allowed by the generated policy.
func WithChannelOrigin(origin string) Option {
	return func(b *Bridge) { b.channelOrigin = origin }
}

// WithSurfaceInfo labels the bridge's log records.
func WithSurfaceInfo(extensionName, uri string) Option {
	return func(b *Bridge) {
		b.surfData.Extension = extensionName
		b.surfData.ResourceURI = uri
	}
}

// New creates an unmounted Bridge.
func New(factory SurfaceFactory, opts ...Option) *Bridge {
	b := &Bridge{
		factory: factory,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logctx.Wrap(b.log)
	return b
}

// OnRequest registers the handler for surface-originated requests,
// replacing any previous one.
func (b *Bridge) OnRequest(h RequestHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// OnSizeChanged registers the size report callback, replacing any previous
// one.
func (b *Bridge) OnSizeChanged(fn SizeChangedFunc) {
	b.mu.Lock()
	b.onSize = fn
	b.mu.Unlock()
}

// Mount builds a fresh surface for markup under the policy derived from
// meta. Any previously mounted surface and its channel are torn down first.
// On failure nothing stays mounted.
func (b *Bridge) Mount(ctx context.Context, markup string, meta *apps.SecurityMetadata, prefersBorder bool) (SurfaceHandle, error) {
	b.mountMu.Lock()
	defer b.mountMu.Unlock()

	b.unmountLocked()

	policy, rejected := BuildPolicy(meta, b.channelOrigin)
	if len(rejected) > 0 {
		b.log.WarnContext(ctx, "bridge.policy.rejected_domains", slog.Any("domains", rejected))
	}

	surface, err := b.factory.CreateSurface(ctx, Document{Markup: markup, Policy: policy, PrefersBorder: prefersBorder})
	if err != nil {
		return SurfaceHandle{}, fmt.Errorf("create surface: %w", err)
	}
	ch := surface.Channel()
	if ch == nil {
		_ = surface.Close()
		return SurfaceHandle{}, errors.New("create surface: surface has no channel")
	}

	sd := b.surfData
	sd.SurfaceID = surface.ID()
	// The mount outlives the call that created it.
	mctx, cancel := context.WithCancel(logctx.WithSurfaceData(context.WithoutCancel(ctx), &sd))

	b.mu.Lock()
	b.gen++
	m := &mounted{
		bridge:  b,
		gen:     b.gen,
		surface: surface,
		ch:      ch,
		out:     make(chan []byte, sendQueueSize),
		ctx:     mctx,
		cancel:  cancel,
	}
	b.current = m
	b.mu.Unlock()

	m.loops.Add(2)
	go m.writeLoop()
	go m.readLoop()

	b.metrics.SurfaceMounted()
	b.log.InfoContext(mctx, "bridge.mount", slog.String("url", surface.URL()))

	return SurfaceHandle{ID: surface.ID(), URL: surface.URL(), Policy: policy}, nil
}

// Unmount tears down the current surface and its channel. It is idempotent.
func (b *Bridge) Unmount() error {
	b.mountMu.Lock()
	defer b.mountMu.Unlock()
	return b.unmountLocked()
}

func (b *Bridge) unmountLocked() error {
	b.mu.Lock()
	m := b.current
	b.current = nil
	b.mu.Unlock()
	if m == nil {
		return nil
	}
	err := m.teardown()
	b.metrics.SurfaceUnmounted()
	b.log.InfoContext(m.ctx, "bridge.unmount")
	return err
}

// Mounted reports whether a surface is currently mounted.
func (b *Bridge) Mounted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

// Send delivers a tool lifecycle event to the surface. Events are delivered
// in the order Send is called; there is no acknowledgement.
func (b *Bridge) Send(ctx context.Context, ev apps.ToolLifecycleEvent) error {
	note, err := jsonrpc.NewNotification(string(ev.Method()), ev.Params())
	if err != nil {
		return err
	}
	msg, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	b.mu.Lock()
	m := b.current
	b.mu.Unlock()
	if m == nil {
		return ErrNoSurface
	}
	return m.enqueue(ctx, msg)
}

// isCurrent reports whether gen still identifies the mounted surface.
func (b *Bridge) isCurrent(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil && b.current.gen == gen
}

type mounted struct {
	bridge  *Bridge
	gen     uint64
	surface Surface
	ch      Channel
	out     chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	loops sync.WaitGroup
	once  sync.Once
	err   error
}

func (m *mounted) enqueue(ctx context.Context, msg []byte) error {
	select {
	case <-m.ctx.Done():
		return ErrUnmounted
	default:
	}
	select {
	case m.out <- msg:
		return nil
	case <-m.ctx.Done():
		return ErrUnmounted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mounted) teardown() error {
	m.once.Do(func() {
		m.cancel()
		cerr := m.ch.Close()
		serr := m.surface.Close()
		m.loops.Wait()
		m.err = errors.Join(cerr, serr)
	})
	return m.err
}

func (m *mounted) writeLoop() {
	defer m.loops.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-m.out:
			if err := m.ch.Send(m.ctx, msg); err != nil {
				if m.ctx.Err() == nil {
					m.bridge.log.WarnContext(m.ctx, "bridge.send.fail", slog.String("err", err.Error()))
				}
				m.bridge.metrics.ObserveDrop("send_failed")
			}
		}
	}
}

func (m *mounted) readLoop() {
	defer m.loops.Done()
	for {
		raw, err := m.ch.Receive(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				m.bridge.log.WarnContext(m.ctx, "bridge.receive.fail", slog.String("err", err.Error()))
			}
			return
		}
		m.dispatch(raw)
	}
}

type sizeChangedParams struct {
	Height *float64 `json:"height"`
	Width  *float64 `json:"width"`
}

func (m *mounted) dispatch(raw []byte) {
	b := m.bridge
	if !b.isCurrent(m.gen) {
		b.metrics.ObserveDrop("stale")
		return
	}

	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		b.log.WarnContext(m.ctx, "bridge.message.malformed", slog.String("err", err.Error()))
		b.metrics.ObserveDrop("malformed")
		return
	}
	req := msg.AsRequest()
	if req == nil {
		// The host issues no requests, so responses have nothing to match.
		b.metrics.ObserveDrop("unexpected_response")
		return
	}

	b.mu.Lock()
	handler := b.handler
	onSize := b.onSize
	b.mu.Unlock()

	if req.Method == string(apps.SizeChangedNotificationMethod) {
		res := m.sizeChanged(req, onSize)
		if res != nil && !req.IsNotification() {
			m.reply(res)
		}
		return
	}

	// Calls already handed to a handler outlive the mount; only their
	// results are dropped once it is gone.
	hctx := context.WithoutCancel(m.ctx)
	go func() {
		var res *jsonrpc.Response
		if handler != nil {
			res = handler(hctx, req)
		} else if !req.IsNotification() {
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "no handler registered", nil)
		}
		if res == nil || req.IsNotification() {
			return
		}
		m.reply(res)
	}()
}

// maxDimension is the largest size passed to OnSizeChanged.
const maxDimension = math.MaxInt32

func clampDimension(v float64) int {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= maxDimension:
		return maxDimension
	default:
		return int(v)
	}
}

func (m *mounted) sizeChanged(req *jsonrpc.Request, onSize SizeChangedFunc) *jsonrpc.Response {
	var p sizeChangedParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Height == nil {
		m.bridge.log.DebugContext(m.ctx, "bridge.size_changed.malformed")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "size-changed requires a numeric height", nil)
	}
	width := 0
	if p.Width != nil {
		width = clampDimension(*p.Width)
	}
	if onSize != nil {
		onSize(clampDimension(*p.Height), width)
	}
	res, err := jsonrpc.NewResultResponse(req.ID, struct{}{})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return res
}

// reply delivers res unless the surface it answers is gone.
func (m *mounted) reply(res *jsonrpc.Response) {
	b := m.bridge
	if !b.isCurrent(m.gen) {
		b.log.DebugContext(m.ctx, "bridge.response.dropped", slog.String("id", res.ID.String()))
		b.metrics.ObserveDrop("stale_response")
		return
	}
	out, err := json.Marshal(res)
	if err != nil {
		b.log.ErrorContext(m.ctx, "bridge.response.marshal", slog.String("err", err.Error()))
		return
	}
	if err := m.enqueue(m.ctx, out); err != nil {
		b.metrics.ObserveDrop("stale_response")
	}
}
