// Package hostapi exposes the bridge to host UIs over HTTP: listing apps,
// creating and driving renders, standalone presentations and the stream of
// host events a surface produces.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/auth"
	"github.com/ggoodman/mcp-app-bridge/bridge"
	"github.com/ggoodman/mcp-app-bridge/dispatcher"
	"github.com/ggoodman/mcp-app-bridge/hostevents"
	"github.com/ggoodman/mcp-app-bridge/hostshell"
	"github.com/ggoodman/mcp-app-bridge/internal/logctx"
	"github.com/ggoodman/mcp-app-bridge/internal/metrics"
	"github.com/ggoodman/mcp-app-bridge/renderer"
	"github.com/ggoodman/mcp-app-bridge/resources"
)

const (
	maxBodyBytes      = 1 << 20
	lastEventIDHeader = "Last-Event-ID"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// AppLister lists launchable apps.
type AppLister interface {
	ListApps(ctx context.Context) (apps.AppList, error)
}

// Deps are the collaborators of the API. Cache, Sessions and Auth are
// optional: without Sessions the standalone endpoints answer 501, without
// Auth every request is accepted.
type Deps struct {
	Apps      AppLister
	Fetcher   resources.Fetcher
	Cache     renderer.Cache
	Factory   bridge.SurfaceFactory
	Tools     dispatcher.ToolInvoker
	Resources dispatcher.ResourceReader
	Events    *hostevents.Stream
	Sessions  hostshell.SessionService
	Auth      auth.Authenticator
}

// Config holds the presentation settings applied to every render.
type Config struct {
	HostInfo      apps.ImplementationInfo
	HostContext   apps.HostContext
	MinHeight     int
	RequestRate   rate.Limit
	RequestBurst  int
	ChannelOrigin string
	WorkingDir    string
	Realm         string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics records dispatch, surface and renderer metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the host API. It is an http.Handler.
type Server struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	metrics *metrics.Metrics
	logSink *hostevents.SlogSink
	mux     *http.ServeMux
	handler http.Handler

	mu      sync.Mutex
	renders map[string]*render
}

type render struct {
	r          *renderer.Renderer
	streamKey  string
	standalone *hostshell.Standalone
}

// New creates the API.
func New(cfg Config, deps Deps, opts ...Option) *Server {
	if cfg.Realm == "" {
		cfg.Realm = "mcp-app-bridge"
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     slog.Default(),
		renders: make(map[string]*render),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	s.logSink = hostevents.NewSlogSink(s.log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/apps", s.handleListApps)
	mux.HandleFunc("POST /v1/renders", s.handleCreateRender)
	mux.HandleFunc("GET /v1/renders/{id}", s.handleGetRender)
	mux.HandleFunc("POST /v1/renders/{id}/events", s.handleRenderEvent)
	mux.HandleFunc("POST /v1/renders/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/renders/{id}/retry", s.handleRetry)
	mux.HandleFunc("DELETE /v1/renders/{id}", s.handleDeleteRender)
	mux.HandleFunc("POST /v1/standalone", s.handleOpenStandalone)
	mux.HandleFunc("DELETE /v1/standalone/{id}", s.handleDeleteRender)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleEvents)
	s.mux = mux

	authn := deps.Auth
	if authn == nil {
		authn = auth.AllowAll("")
	}
	s.handler = auth.Middleware(authn, cfg.Realm, s.log)(mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Len returns the number of live renders.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.renders)
}

// Close tears down every render and stops standalone sessions.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	renders := s.renders
	s.renders = make(map[string]*render)
	s.mu.Unlock()

	var errs []error
	for _, rd := range renders {
		if err := s.teardown(ctx, rd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshApp refreshes every render showing uri from extensionName and
// returns how many were refreshed.
func (s *Server) RefreshApp(ctx context.Context, extensionName, uri string) int {
	s.mu.Lock()
	var matched []*render
	for _, rd := range s.renders {
		snap := rd.r.Snapshot()
		if snap.ExtensionName == extensionName && snap.ResourceURI == uri {
			matched = append(matched, rd)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, rd := range matched {
		if err := rd.r.Refresh(ctx); err != nil {
			continue
		}
		n++
	}
	if n > 0 {
		s.log.InfoContext(ctx, "hostapi.app.refresh", slog.String("extension", extensionName), slog.String("uri", uri), slog.Int("renders", n))
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	if s.deps.Apps == nil {
		writeJSON(w, http.StatusOK, apps.AppList{Apps: []apps.AppDescriptor{}})
		return
	}
	list, err := s.deps.Apps.ListApps(r.Context())
	if err != nil {
		s.log.ErrorContext(r.Context(), "hostapi.apps.list.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "failed to list apps")
		return
	}
	if list.Apps == nil {
		list.Apps = []apps.AppDescriptor{}
	}
	writeJSON(w, http.StatusOK, list)
}

type createRenderRequest struct {
	ExtensionName string           `json:"extensionName"`
	ResourceURI   string           `json:"resourceUri"`
	SessionID     string           `json:"sessionId,omitempty"`
	DisplayMode   apps.DisplayMode `json:"displayMode,omitempty"`
	// Cached is a value the caller already holds, shown while fetching.
	Cached *apps.ResourceContent `json:"cached,omitempty"`
}

func (req createRenderRequest) validate() error {
	switch {
	case req.ExtensionName == "":
		return errors.New("extensionName is required")
	case !apps.IsAppResource(req.ResourceURI):
		return fmt.Errorf("resourceUri must start with %s", apps.ResourceScheme)
	case req.DisplayMode != "" && req.DisplayMode != apps.DisplayModeInline && req.DisplayMode != apps.DisplayModeFullscreen:
		return fmt.Errorf("unsupported displayMode %q", req.DisplayMode)
	}
	return nil
}

// startRender builds the dispatcher and renderer for req and mounts it.
func (s *Server) startRender(ctx context.Context, req createRenderRequest, standalone *hostshell.Standalone) (*render, error) {
	rd := &render{standalone: standalone}

	ropts := []renderer.Option{
		renderer.WithLogger(s.log),
		renderer.WithMetrics(s.metrics),
		renderer.WithChannelOrigin(s.cfg.ChannelOrigin),
	}
	if s.cfg.RequestRate != 0 {
		ropts = append(ropts, renderer.WithRateLimit(s.cfg.RequestRate, s.cfg.RequestBurst))
	}

	hc := s.cfg.HostContext
	if req.DisplayMode != "" {
		hc.DisplayMode = req.DisplayMode
	}
	collab := dispatcher.Collaborators{
		Tools:     s.deps.Tools,
		Resources: s.deps.Resources,
		Log:       s.logSink,
	}
	dopts := []dispatcher.Option{
		dispatcher.WithHostInfo(s.cfg.HostInfo),
		dispatcher.WithHostContext(hc),
		dispatcher.WithLogger(s.log),
		dispatcher.WithMetrics(s.metrics),
	}

	// Renders without a session still need a stream for link events; they
	// use their own id.
	id := uuid.NewString()
	rd.streamKey = req.SessionID
	if rd.streamKey == "" {
		rd.streamKey = id
	}
	if s.deps.Events != nil {
		sink := s.deps.Events.ForSession(rd.streamKey, req.ExtensionName)
		collab.Navigator = sink
		if req.SessionID != "" {
			dopts = append(dopts, dispatcher.WithAppender(sink))
		}
	}
	if req.SessionID != "" {
		dopts = append(dopts, dispatcher.WithSession(req.SessionID))
	}

	r := renderer.New(renderer.Config{
		ExtensionName: req.ExtensionName,
		ResourceURI:   req.ResourceURI,
		SessionID:     req.SessionID,
		Cached:        req.Cached,
		MinHeight:     s.cfg.MinHeight,
	}, renderer.Deps{
		Fetcher:    s.deps.Fetcher,
		Cache:      s.deps.Cache,
		Factory:    s.deps.Factory,
		Dispatcher: dispatcher.New(req.ExtensionName, collab, dopts...),
	}, append(ropts, renderer.WithID(id))...)
	rd.r = r

	s.mu.Lock()
	s.renders[r.ID()] = rd
	s.mu.Unlock()

	if err := r.Mount(ctx); err != nil {
		s.forget(r.ID())
		_ = r.Close()
		return nil, err
	}
	return rd, nil
}

func (s *Server) handleCreateRender(w http.ResponseWriter, r *http.Request) {
	var req createRenderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rd, err := s.startRender(r.Context(), req, nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.InfoContext(r.Context(), "hostapi.render.create", slog.String("render", rd.r.ID()), slog.String("extension", req.ExtensionName))
	writeJSON(w, http.StatusCreated, rd.r.Snapshot())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*render, bool) {
	id := r.PathValue("id")
	s.mu.Lock()
	rd, ok := s.renders[id]
	s.mu.Unlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "render not found")
		return nil, false
	}
	return rd, true
}

func (s *Server) forget(id string) *render {
	s.mu.Lock()
	defer s.mu.Unlock()
	rd := s.renders[id]
	delete(s.renders, id)
	return rd
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rd.r.Snapshot())
}

func (s *Server) handleRenderEvent(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var env apps.EventEnvelope
	if !decodeBody(w, r, &env) {
		return
	}
	ev, err := env.Event()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rd.r.SendEvent(r.Context(), ev); err != nil {
		if errors.Is(err, renderer.ErrClosed) {
			writeJSONError(w, http.StatusGone, "render closed")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := rd.r.Refresh(r.Context()); err != nil {
		writeJSONError(w, http.StatusGone, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rd.r.Snapshot())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.lookup(w, r)
	if !ok {
		return
	}
	switch err := rd.r.Retry(r.Context()); {
	case errors.Is(err, renderer.ErrNotErrored):
		writeJSONError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeJSONError(w, http.StatusGone, err.Error())
	default:
		writeJSON(w, http.StatusOK, rd.r.Snapshot())
	}
}

func (s *Server) handleDeleteRender(w http.ResponseWriter, r *http.Request) {
	rd := s.forget(r.PathValue("id"))
	if rd == nil {
		writeJSONError(w, http.StatusNotFound, "render not found")
		return
	}
	if err := s.teardown(r.Context(), rd); err != nil {
		s.log.WarnContext(r.Context(), "hostapi.render.close_fail", slog.String("err", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// teardown closes the render, then its standalone session, then its
// event stream.
func (s *Server) teardown(ctx context.Context, rd *render) error {
	err := rd.r.Close()
	if rd.standalone != nil {
		rd.standalone.Close(ctx)
	}
	if s.deps.Events != nil && (rd.standalone != nil || rd.streamKey == rd.r.ID()) {
		if cerr := s.deps.Events.Close(ctx, rd.streamKey); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

type standaloneRequest struct {
	ExtensionName string `json:"extensionName"`
	ResourceURI   string `json:"resourceUri"`
	WorkingDir    string `json:"workingDir,omitempty"`
}

func (s *Server) handleOpenStandalone(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeJSONError(w, http.StatusNotImplemented, "standalone presentations are not configured")
		return
	}
	var req standaloneRequest
	if !decodeBody(w, r, &req) {
		return
	}
	creq := createRenderRequest{ExtensionName: req.ExtensionName, ResourceURI: req.ResourceURI, DisplayMode: apps.DisplayModeFullscreen}
	if err := creq.validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	dir := req.WorkingDir
	if dir == "" {
		dir = s.cfg.WorkingDir
	}

	ctx := r.Context()
	st := hostshell.NewStandalone(s.deps.Sessions, dir, hostshell.WithLogger(s.log))
	sid, err := st.Open(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "hostapi.standalone.open_fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "failed to start session")
		return
	}
	creq.SessionID = sid

	rd, err := s.startRender(ctx, creq, st)
	if err != nil {
		st.Close(ctx)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid}), "hostapi.standalone.open", slog.String("render", rd.r.ID()))
	writeJSON(w, http.StatusCreated, rd.r.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if s.deps.Events == nil {
		writeJSONError(w, http.StatusNotImplemented, "host events are not configured")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		s.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	key := r.PathValue("id")
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: key})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	s.log.InfoContext(ctx, "sse.stream.start")
	err := s.deps.Events.Subscribe(ctx, key, r.Header.Get(lastEventIDHeader), func(cbCtx context.Context, id string, ev hostevents.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := writeSSEEvent(wf, id, string(ev.Kind), payload); err != nil {
			s.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.ErrorContext(ctx, "sse.subscribe.fail", slog.String("err", err.Error()))
	}
	s.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}
