package hostapi_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/auth"
	"github.com/ggoodman/mcp-app-bridge/bridge/bridgetest"
	"github.com/ggoodman/mcp-app-bridge/broker/memory"
	"github.com/ggoodman/mcp-app-bridge/hostapi"
	"github.com/ggoodman/mcp-app-bridge/hostevents"
	"github.com/ggoodman/mcp-app-bridge/hostshell"
	"github.com/ggoodman/mcp-app-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-app-bridge/internal/logtest"
	"github.com/ggoodman/mcp-app-bridge/renderer"
)

type staticApps []apps.AppDescriptor

func (s staticApps) ListApps(context.Context) (apps.AppList, error) {
	return apps.AppList{Apps: s}, nil
}

type switchFetcher struct {
	mu  sync.Mutex
	err error
}

func (f *switchFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *switchFetcher) Fetch(_ context.Context, extensionName, uri string) (*apps.ResourceContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return apps.NewResourceContent("<p>"+extensionName+" "+uri+"</p>", nil, false), nil
}

type spySessions struct {
	mu      sync.Mutex
	started []string
	stopped []string
	fail    error
}

func (s *spySessions) StartSession(_ context.Context, dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	s.started = append(s.started, dir)
	return "agent-1", nil
}

func (s *spySessions) ResumeSession(context.Context, string, hostshell.ResumeOptions) error {
	return nil
}

func (s *spySessions) StopSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, id)
	return nil
}

func (s *spySessions) Stopped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

type fixture struct {
	api      *hostapi.Server
	srv      *httptest.Server
	factory  *bridgetest.Factory
	fetcher  *switchFetcher
	sessions *spySessions
}

func newFixture(t *testing.T, mutate func(*hostapi.Deps)) *fixture {
	t.Helper()
	log := logtest.Logger(t)
	f := &fixture{
		factory:  &bridgetest.Factory{},
		fetcher:  &switchFetcher{},
		sessions: &spySessions{},
	}
	deps := hostapi.Deps{
		Apps:     staticApps{{URI: "ui://forecast", ExtensionName: "weather", Name: "forecast", MCPServer: "weather"}},
		Fetcher:  f.fetcher,
		Factory:  f.factory,
		Events:   hostevents.New(memory.New(), hostevents.WithLogger(log)),
		Sessions: f.sessions,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.api = hostapi.New(hostapi.Config{
		HostInfo:   apps.ImplementationInfo{Name: "test-host", Version: "1.0.0"},
		WorkingDir: "/work",
	}, deps, hostapi.WithLogger(log))
	f.srv = httptest.NewServer(f.api)
	t.Cleanup(func() {
		_ = f.api.Close(context.Background())
		f.srv.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func guestReceive(t *testing.T, f *fixture) jsonrpc.AnyMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := f.factory.Last().Guest.Receive(ctx)
	require.NoError(t, err)
	var msg jsonrpc.AnyMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestListApps(t *testing.T) {
	f := newFixture(t, nil)
	res := f.do(t, http.MethodGet, "/v1/apps", "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	list := decode[apps.AppList](t, res)
	require.Len(t, list.Apps, 1)
	assert.Equal(t, "ui://forecast", list.Apps[0].URI)
}

func TestRenderLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	res := f.do(t, http.MethodPost, "/v1/renders", `{"extensionName":"weather","resourceUri":"ui://forecast"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	snap := decode[renderer.Snapshot](t, res)
	assert.Equal(t, renderer.StateReady, snap.State)
	assert.Equal(t, "mem://surface-1", snap.SurfaceURL)
	assert.Equal(t, renderer.DefaultMinHeight, snap.Height)
	assert.Equal(t, "<p>weather ui://forecast</p>", f.factory.Last().Doc.Markup)
	assert.Equal(t, 1, f.api.Len())

	res = f.do(t, http.MethodGet, "/v1/renders/"+snap.ID, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, snap.ID, decode[renderer.Snapshot](t, res).ID)

	res = f.do(t, http.MethodPost, "/v1/renders/"+snap.ID+"/events", `{"type":"tool-input","arguments":{"city":"Oslo"}}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	msg := guestReceive(t, f)
	assert.Equal(t, string(apps.ToolInputNotificationMethod), msg.Method)
	assert.JSONEq(t, `{"arguments":{"city":"Oslo"}}`, string(msg.Params))

	res = f.do(t, http.MethodPost, "/v1/renders/"+snap.ID+"/events", `{"type":"tool-exploded"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = f.do(t, http.MethodPost, "/v1/renders/"+snap.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = f.do(t, http.MethodPost, "/v1/renders/"+snap.ID+"/refresh", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, f.factory.Mounts(), "identical markup is not rebuilt")

	surface := f.factory.Last()
	res = f.do(t, http.MethodDelete, "/v1/renders/"+snap.ID, "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.True(t, surface.Closed())
	assert.Zero(t, f.api.Len())

	res = f.do(t, http.MethodGet, "/v1/renders/"+snap.ID, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res = f.do(t, http.MethodDelete, "/v1/renders/"+snap.ID, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

type versionedFetcher struct {
	mu      sync.Mutex
	version int
}

func (f *versionedFetcher) bump() {
	f.mu.Lock()
	f.version++
	f.mu.Unlock()
}

func (f *versionedFetcher) Fetch(context.Context, string, string) (*apps.ResourceContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return apps.NewResourceContent(fmt.Sprintf("<p>v%d</p>", f.version), nil, false), nil
}

func TestRefreshApp(t *testing.T) {
	fetcher := &versionedFetcher{}
	f := newFixture(t, func(d *hostapi.Deps) { d.Fetcher = fetcher })

	res := f.do(t, http.MethodPost, "/v1/renders", `{"extensionName":"weather","resourceUri":"ui://forecast"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res = f.do(t, http.MethodPost, "/v1/renders", `{"extensionName":"weather","resourceUri":"ui://radar"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	require.Equal(t, 2, f.factory.Mounts())

	fetcher.bump()
	assert.Equal(t, 1, f.api.RefreshApp(context.Background(), "weather", "ui://forecast"))
	assert.Equal(t, 3, f.factory.Mounts())
	assert.Equal(t, "<p>v1</p>", f.factory.Last().Doc.Markup)

	assert.Zero(t, f.api.RefreshApp(context.Background(), "maps", "ui://forecast"))
}

func TestRenderErrorAndRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.fail(errors.New("extension offline"))

	res := f.do(t, http.MethodPost, "/v1/renders", `{"extensionName":"weather","resourceUri":"ui://forecast"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	snap := decode[renderer.Snapshot](t, res)
	assert.Equal(t, renderer.StateError, snap.State)
	assert.Contains(t, snap.Error, "extension offline")
	assert.Empty(t, snap.SurfaceURL)

	f.fetcher.fail(nil)
	res = f.do(t, http.MethodPost, "/v1/renders/"+snap.ID+"/retry", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, renderer.StateReady, decode[renderer.Snapshot](t, res).State)
}

func TestCreateRenderValidation(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []string{
		`{"resourceUri":"ui://forecast"}`,
		`{"extensionName":"weather","resourceUri":"https://example.com"}`,
		`{"extensionName":"weather","resourceUri":"ui://forecast","displayMode":"pip"}`,
		`{not json`,
	} {
		res := f.do(t, http.MethodPost, "/v1/renders", body)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, body)
	}

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/renders", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	res, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)
	assert.Zero(t, f.factory.Mounts())
}

func TestStandalone(t *testing.T) {
	f := newFixture(t, nil)

	res := f.do(t, http.MethodPost, "/v1/standalone", `{"extensionName":"weather","resourceUri":"ui://forecast"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	snap := decode[renderer.Snapshot](t, res)
	assert.Equal(t, "agent-1", snap.SessionID)
	assert.Equal(t, renderer.StateReady, snap.State)
	assert.Equal(t, []string{"/work"}, f.sessions.started)

	res = f.do(t, http.MethodDelete, "/v1/standalone/"+snap.ID, "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, []string{"agent-1"}, f.sessions.Stopped())
}

func TestStandaloneStartFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.fail = errors.New("daemon down")

	res := f.do(t, http.MethodPost, "/v1/standalone", `{"extensionName":"weather","resourceUri":"ui://forecast"}`)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Zero(t, f.factory.Mounts())
}

func TestStandaloneNotConfigured(t *testing.T) {
	f := newFixture(t, func(d *hostapi.Deps) { d.Sessions = nil })
	res := f.do(t, http.MethodPost, "/v1/standalone", `{"extensionName":"weather","resourceUri":"ui://forecast"}`)
	assert.Equal(t, http.StatusNotImplemented, res.StatusCode)
}

func TestSessionEventStream(t *testing.T) {
	f := newFixture(t, nil)

	res := f.do(t, http.MethodPost, "/v1/renders", `{"extensionName":"weather","resourceUri":"ui://forecast","sessionId":"sess-1"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	require.NoError(t, f.factory.Last().Guest.Send(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"ui/message","params":{"role":"user","content":[{"type":"text","text":"book it"}]}}`)))
	reply := guestReceive(t, f)
	require.Nil(t, reply.Error)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/sessions/sess-1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", "0")
	stream, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	var event string
	var ev hostevents.Event
	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			require.NoError(t, json.Unmarshal([]byte(v), &ev))
			break
		}
	}
	assert.Equal(t, string(hostevents.KindMessageAppend), event)
	assert.Equal(t, "book it", ev.Text)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, "weather", ev.Extension)
}

func TestEventStreamRequiresAccept(t *testing.T) {
	f := newFixture(t, nil)
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/sessions/sess-1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	res, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, res.StatusCode)
}

type denyAll struct{}

func (denyAll) CheckAuthentication(context.Context, string) (auth.UserInfo, error) {
	return nil, auth.ErrUnauthorized
}

func TestRequestsAreAuthenticated(t *testing.T) {
	f := newFixture(t, func(d *hostapi.Deps) { d.Auth = denyAll{} })

	res := f.do(t, http.MethodGet, "/v1/apps", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, res.Header.Get("WWW-Authenticate"), "Bearer")

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/apps", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer nope")
	res, err = f.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, res.Header.Get("WWW-Authenticate"), `error="invalid_token"`)
}
