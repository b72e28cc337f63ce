package sandbox

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/mcp-app-bridge/bridge"
	"github.com/ggoodman/mcp-app-bridge/internal/logctx"
)

// ErrUnknownSurface is returned for surface ids that are not registered.
var ErrUnknownSurface = errors.New("sandbox: unknown surface")

var (
	htmlMediaType  = contenttype.NewMediaType("text/html")
	htmlMediaTypes = []contenttype.MediaType{htmlMediaType}
	jsonMediaType  = contenttype.NewMediaType("application/json")
)

const (
	// DefaultMaxFrameSize bounds inbound channel messages.
	DefaultMaxFrameSize = 1 << 20
	// DefaultTokenTTL is how long surface URLs stay valid.
	DefaultTokenTTL = time.Hour

	tokenParam = "t"
)

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithSigningKey signs surface tokens with priv instead of a key generated
// at startup. Use it to share tokens across replicas.
func WithSigningKey(kid string, priv ed25519.PrivateKey) Option {
	return func(s *Server) {
		s.keys.add(kid, priv)
		s.keyErr = s.keys.setActive(kid)
	}
}

// WithTokenTTL sets how long surface URLs stay valid.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) { s.tokenTTL = d }
}

// WithMaxFrameSize bounds inbound channel messages, in bytes.
func WithMaxFrameSize(n int64) Option {
	return func(s *Server) { s.maxFrame = n }
}

// WithHeartbeat sets the websocket ping interval. A connection that does
// not answer within twice the interval is dropped.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// Server serves isolated surfaces and creates them on behalf of bridges.
type Server struct {
	origin       *url.URL
	keys         *tokenKeys
	keyErr       error
	log          *slog.Logger
	tokenTTL     time.Duration
	maxFrame     int64
	pingInterval time.Duration
	upgrader     websocket.Upgrader
	now          func() time.Time
	mux          *http.ServeMux

	mu       sync.RWMutex
	surfaces map[string]*surface
}

var (
	_ http.Handler          = (*Server)(nil)
	_ bridge.SurfaceFactory = (*Server)(nil)
)

// New creates a Server reachable at publicOrigin, an absolute http(s) URL
// whose scheme and host identify the sandbox origin. It must differ from
// the host UI's origin.
func New(publicOrigin string, opts ...Option) (*Server, error) {
	u, err := url.Parse(publicOrigin)
	if err != nil {
		return nil, fmt.Errorf("parse sandbox origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("sandbox origin must be an absolute http(s) URL, got %q", publicOrigin)
	}

	s := &Server{
		origin:       &url.URL{Scheme: u.Scheme, Host: u.Host},
		keys:         newTokenKeys(),
		log:          slog.Default(),
		tokenTTL:     DefaultTokenTTL,
		maxFrame:     DefaultMaxFrameSize,
		pingInterval: 30 * time.Second,
		now:          time.Now,
		surfaces:     make(map[string]*surface),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keyErr != nil {
		return nil, s.keyErr
	}
	if s.keys.activeKid == "" {
		if err := s.keys.generate(); err != nil {
			return nil, err
		}
	}
	s.log = logctx.Wrap(s.log)
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /s/{id}", s.handleDocument)
	mux.HandleFunc("GET /s/{id}/channel", s.handleChannel)
	s.mux = mux
	return s, nil
}

// Origin returns the sandbox origin.
func (s *Server) Origin() string { return s.origin.String() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// CreateSurface registers a surface for doc and returns it. The surface
// stays reachable until it is closed.
func (s *Server) CreateSurface(ctx context.Context, doc bridge.Document) (bridge.Surface, error) {
	id := uuid.NewString()
	token, err := s.keys.sign(surfaceClaims{SurfaceID: id, Expiry: s.now().Add(s.tokenTTL).Unix()})
	if err != nil {
		return nil, fmt.Errorf("sign surface token: %w", err)
	}

	sf := &surface{
		id:    id,
		srv:   s,
		doc:   doc,
		token: token,
		ch:    newWSChannel(s.log.With(slog.String("surface_id", id)), s.maxFrame, s.pingInterval, 2*s.pingInterval),
	}

	s.mu.Lock()
	s.surfaces[id] = sf
	s.mu.Unlock()

	s.log.DebugContext(ctx, "sandbox.surface.create", slog.String("surface_id", id))
	return sf, nil
}

// Close destroys every registered surface.
func (s *Server) Close() error {
	s.mu.Lock()
	all := make([]*surface, 0, len(s.surfaces))
	for _, sf := range s.surfaces {
		all = append(all, sf)
	}
	s.mu.Unlock()
	for _, sf := range all {
		_ = sf.Close()
	}
	return nil
}

// Len returns the number of registered surfaces.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.surfaces)
}

func (s *Server) lookup(id string) (*surface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sf, ok := s.surfaces[id]
	if !ok {
		return nil, ErrUnknownSurface
	}
	return sf, nil
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	delete(s.surfaces, id)
	s.mu.Unlock()
}

// authorize resolves the surface named by the request path and checks its
// token. It writes the error response itself.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (*surface, bool) {
	id := r.PathValue("id")
	sf, err := s.lookup(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown surface")
		return nil, false
	}
	if err := s.keys.verify(r.URL.Query().Get(tokenParam), id, s.now()); err != nil {
		s.log.WarnContext(r.Context(), "sandbox.token.invalid", slog.String("surface_id", id), slog.String("err", err.Error()))
		writeJSONError(w, http.StatusUnauthorized, "invalid or expired surface token")
		return nil, false
	}
	return sf, true
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, htmlMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "surface documents are only available as text/html")
			s.log.WarnContext(ctx, "sandbox.accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	sf, ok := s.authorize(w, r)
	if !ok {
		return
	}

	body, err := injectBootstrap(sf.doc.Markup, sf.channelURL())
	if err != nil {
		s.log.ErrorContext(ctx, "sandbox.document.render", slog.String("surface_id", sf.id), slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to render surface")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Security-Policy", sf.doc.Policy.Header())
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	sf, ok := s.authorize(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.log.WarnContext(r.Context(), "sandbox.channel.upgrade", slog.String("surface_id", sf.id), slog.String("err", err.Error()))
		return
	}
	s.log.DebugContext(r.Context(), "sandbox.channel.attach", slog.String("surface_id", sf.id))
	sf.ch.attach(conn)
}

// checkOrigin only admits connections from documents served by this origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if strings.EqualFold(origin, s.origin.String()) {
		return true
	}
	s.log.Warn("sandbox.channel.origin_rejected", slog.String("origin", origin))
	return false
}

type surface struct {
	id    string
	srv   *Server
	doc   bridge.Document
	token string
	ch    *wsChannel

	closeOnce sync.Once
}

var _ bridge.Surface = (*surface)(nil)

func (sf *surface) ID() string { return sf.id }

func (sf *surface) URL() string {
	u := *sf.srv.origin
	u.Path = "/s/" + sf.id
	u.RawQuery = url.Values{tokenParam: {sf.token}}.Encode()
	return u.String()
}

func (sf *surface) channelURL() string {
	u := *sf.srv.origin
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/s/" + sf.id + "/channel"
	u.RawQuery = url.Values{tokenParam: {sf.token}}.Encode()
	return u.String()
}

func (sf *surface) Channel() bridge.Channel { return sf.ch }

func (sf *surface) Close() error {
	sf.closeOnce.Do(func() {
		sf.srv.remove(sf.id)
		_ = sf.ch.Close()
	})
	return nil
}
