package sandbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/bridge"
	"github.com/ggoodman/mcp-app-bridge/internal/logtest"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	var srv *Server
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	var err error
	srv, err = New(ts.URL, append([]Option{WithLogger(logtest.Logger(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, ts
}

func createSurface(t *testing.T, srv *Server, markup string, meta *apps.SecurityMetadata) bridge.Surface {
	t.Helper()
	policy, _ := bridge.BuildPolicy(meta, srv.Origin())
	sf, err := srv.CreateSurface(context.Background(), bridge.Document{Markup: markup, Policy: policy})
	require.NoError(t, err)
	return sf
}

func dial(t *testing.T, srv *Server, sf bridge.Surface) *websocket.Conn {
	t.Helper()
	u := sf.(*surface).channelURL()
	conn, res, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {srv.Origin()}})
	require.NoError(t, err)
	_ = res.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServeDocument(t *testing.T) {
	srv, _ := newTestServer(t)
	sf := createSurface(t, srv, `<html><head><title>x</title></head><body><p id="app">hello</p></body></html>`, nil)

	req, err := http.NewRequest(http.MethodGet, sf.URL(), nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	csp := res.Header.Get("Content-Security-Policy")
	assert.True(t, strings.HasPrefix(csp, "default-src 'none'"))
	assert.Contains(t, csp, "sandbox allow-scripts allow-same-origin")
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", res.Header.Get("Cache-Control"))

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	html := string(body)
	assert.Contains(t, html, `<p id="app">hello</p>`)
	assert.Contains(t, html, "data-mcp-bootstrap")
	assert.Contains(t, html, "/s/"+sf.ID()+"/channel")
	assert.Less(t, strings.Index(html, "data-mcp-bootstrap"), strings.Index(html, "<title>"))
}

func TestServeDocumentWithoutHead(t *testing.T) {
	srv, _ := newTestServer(t)
	sf := createSurface(t, srv, `<p>bare fragment</p>`, nil)

	res, err := http.Get(sf.URL())
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(body), "data-mcp-bootstrap")
	assert.Contains(t, string(body), "<p>bare fragment</p>")
}

func TestServeDocumentRejectsBadRequests(t *testing.T) {
	srv, ts := newTestServer(t)
	sf := createSurface(t, srv, `<p/>`, nil)
	other := createSurface(t, srv, `<p/>`, nil)

	cases := []struct {
		name   string
		url    string
		accept string
		status int
	}{
		{"missing token", ts.URL + "/s/" + sf.ID(), "", http.StatusUnauthorized},
		{"token for another surface", ts.URL + "/s/" + sf.ID() + "?t=" + other.(*surface).token, "", http.StatusUnauthorized},
		{"unknown surface", ts.URL + "/s/nope?t=x", "", http.StatusNotFound},
		{"not acceptable", sf.URL(), "application/json", http.StatusNotAcceptable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tc.url, nil)
			require.NoError(t, err)
			if tc.accept != "" {
				req.Header.Set("Accept", tc.accept)
			}
			res, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer res.Body.Close()
			assert.Equal(t, tc.status, res.StatusCode)
		})
	}
}

func TestExpiredToken(t *testing.T) {
	srv, _ := newTestServer(t, WithTokenTTL(-time.Minute))
	sf := createSurface(t, srv, `<p/>`, nil)

	res, err := http.Get(sf.URL())
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestChannelQueuesUntilAttached(t *testing.T) {
	srv, _ := newTestServer(t)
	sf := createSurface(t, srv, `<p/>`, nil)

	ctx := context.Background()
	require.NoError(t, sf.Channel().Send(ctx, []byte(`{"n":1}`)))
	require.NoError(t, sf.Channel().Send(ctx, []byte(`{"n":2}`)))

	conn := dial(t, srv, sf)
	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, got, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, want, string(got))
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`)))
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := sf.Channel().Receive(rctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping","id":1}`, string(got))
}

func TestChannelRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t)
	sf := createSurface(t, srv, `<p/>`, nil)

	_, res, err := websocket.DefaultDialer.Dial(sf.(*surface).channelURL(), http.Header{"Origin": {"https://host.example"}})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestNewerConnectionReplacesOlder(t *testing.T) {
	srv, _ := newTestServer(t)
	sf := createSurface(t, srv, `<p/>`, nil)

	first := dial(t, srv, sf)
	second := dial(t, srv, sf)

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	require.NoError(t, sf.Channel().Send(context.Background(), []byte(`{"to":"second"}`)))
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := second.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"to":"second"}`, string(got))
}

func TestCloseSurface(t *testing.T) {
	srv, _ := newTestServer(t)
	sf := createSurface(t, srv, `<p/>`, nil)
	conn := dial(t, srv, sf)

	require.NoError(t, sf.Close())
	require.NoError(t, sf.Close())
	assert.Zero(t, srv.Len())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	_, err = sf.Channel().Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	res, err := http.Get(sf.URL())
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestOversizedFrameDropsConnection(t *testing.T) {
	srv, _ := newTestServer(t, WithMaxFrameSize(64))
	sf := createSurface(t, srv, `<p/>`, nil)
	conn := dial(t, srv, sf)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 1024))))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestBridgeOverSandbox(t *testing.T) {
	srv, _ := newTestServer(t)
	b := bridge.New(srv, bridge.WithLogger(logtest.Logger(t)), bridge.WithChannelOrigin(srv.Origin()))
	t.Cleanup(func() { _ = b.Unmount() })

	h, err := b.Mount(context.Background(), `<p>app</p>`, nil, false)
	require.NoError(t, err)
	sf, err := srv.lookup(h.ID)
	require.NoError(t, err)
	conn := dial(t, srv, sf)

	require.NoError(t, b.Send(context.Background(), apps.ToolInput{Arguments: map[string]any{"q": "x"}}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ui/notifications/tool-input","params":{"arguments":{"q":"x"}}}`, string(got))

	require.NoError(t, b.Unmount())
	assert.Zero(t, srv.Len())
}
