package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-app-bridge/internal/logtest"
)

type spy struct {
	mu sync.Mutex

	toolCalls []string
	toolArgs  []map[string]any
	toolRes   *apps.ToolCallResult
	toolErr   error

	reads    []string
	readRes  []apps.ResourceContents
	readErr  error
	links    []string
	linkErr  error
	appended []string
	logs     []any
}

func (s *spy) CallTool(_ context.Context, _ string, name string, args map[string]any) (*apps.ToolCallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls = append(s.toolCalls, name)
	s.toolArgs = append(s.toolArgs, args)
	return s.toolRes, s.toolErr
}

func (s *spy) ReadResource(_ context.Context, _ string, _ string, uri string) ([]apps.ResourceContents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, uri)
	return s.readRes, s.readErr
}

func (s *spy) OpenExternal(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, url)
	return s.linkErr
}

func (s *spy) AppendMessage(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, text)
	return nil
}

func (s *spy) Log(_ context.Context, _ apps.LoggingLevel, _ string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, data)
}

func (s *spy) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.toolCalls) + len(s.reads) + len(s.links) + len(s.appended)
}

func newTestDispatcher(t *testing.T, s *spy, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithLogger(logtest.Logger(t))}, opts...)
	return New("weather", Collaborators{Tools: s, Resources: s, Navigator: s, Log: s}, opts...)
}

func TestHandleUnknownMethod(t *testing.T) {
	s := &spy{}
	d := newTestDispatcher(t, s, WithSession("sess-1"), WithAppender(s))

	_, err := d.Handle(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMethod)
	assert.Zero(t, s.calls())
}

func TestSessionScopedMethodsRequireSession(t *testing.T) {
	s := &spy{}
	d := newTestDispatcher(t, s)

	for _, tc := range []struct {
		method string
		params string
	}{
		{"tools/call", `{"name":"forecast"}`},
		{"resources/read", `{"uri":"ui://weather/forecast"}`},
		// Session is checked before params.
		{"tools/call", `{}`},
	} {
		_, err := d.Handle(context.Background(), tc.method, json.RawMessage(tc.params))
		require.Error(t, err, tc.method)
		assert.ErrorIs(t, err, ErrSessionNotInitialized, tc.method)
	}
	assert.Zero(t, s.calls())
}

func TestToolsCallPrefixesExtensionName(t *testing.T) {
	s := &spy{toolRes: &apps.ToolCallResult{Content: []apps.ContentBlock{apps.TextBlock("sunny")}}}
	d := newTestDispatcher(t, s, WithSession("sess-1"))

	res, err := d.Handle(context.Background(), "tools/call", json.RawMessage(`{"name":"forecast","arguments":{"city":"Oslo"}}`))
	require.NoError(t, err)
	require.Equal(t, []string{"weather__forecast"}, s.toolCalls)
	assert.Equal(t, "Oslo", s.toolArgs[0]["city"])

	out, ok := res.(*apps.ToolCallResult)
	require.True(t, ok)
	assert.False(t, out.IsError)
	assert.Equal(t, "sunny", out.Content[0].Text)
}

func TestToolsCallDownstreamFailureIsErrorResult(t *testing.T) {
	s := &spy{toolErr: errors.New("tool exploded")}
	d := newTestDispatcher(t, s, WithSession("sess-1"))

	res, err := d.Handle(context.Background(), "tools/call", json.RawMessage(`{"name":"forecast"}`))
	require.NoError(t, err)
	out := res.(*apps.ToolCallResult)
	assert.True(t, out.IsError)
	require.Len(t, out.Content, 1)
	assert.Contains(t, out.Content[0].Text, "tool exploded")
	assert.Equal(t, map[string]any{}, s.toolArgs[0])
}

func TestToolsCallNullArgumentsAreAbsent(t *testing.T) {
	s := &spy{toolRes: &apps.ToolCallResult{}}
	d := newTestDispatcher(t, s, WithSession("sess-1"))

	res, err := d.Handle(context.Background(), "tools/call", json.RawMessage(`{"name":"forecast","arguments":null}`))
	require.NoError(t, err)
	assert.False(t, res.(*apps.ToolCallResult).IsError)
	require.Equal(t, []string{"weather__forecast"}, s.toolCalls)
	assert.Equal(t, map[string]any{}, s.toolArgs[0])

	_, err = d.Handle(context.Background(), "tools/call", json.RawMessage(`{"name":null}`))
	assert.ErrorIs(t, err, ErrInvalidMessageFormat)
}

func TestToolsCallRejectsMissingName(t *testing.T) {
	s := &spy{}
	d := newTestDispatcher(t, s, WithSession("sess-1"))

	for _, params := range []string{`{}`, `{"name":""}`, `{"name":3}`, `[]`} {
		_, err := d.Handle(context.Background(), "tools/call", json.RawMessage(params))
		assert.ErrorIs(t, err, ErrInvalidMessageFormat, params)
	}
	assert.Zero(t, s.calls())
}

func TestResourcesRead(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := &spy{}
		d := newTestDispatcher(t, s, WithSession("sess-1"))
		res, err := d.Handle(context.Background(), "resources/read", json.RawMessage(`{"uri":"ui://weather/x"}`))
		require.NoError(t, err)
		b, err := json.Marshal(res)
		require.NoError(t, err)
		assert.JSONEq(t, `{"contents":[]}`, string(b))
	})

	t.Run("downstream failure", func(t *testing.T) {
		s := &spy{readErr: errors.New("gone")}
		d := newTestDispatcher(t, s, WithSession("sess-1"))
		_, err := d.Handle(context.Background(), "resources/read", json.RawMessage(`{"uri":"ui://weather/x"}`))
		assert.ErrorIs(t, err, ErrDownstreamFailure)
	})
}

func TestAppendMessage(t *testing.T) {
	t.Run("forwards first text block", func(t *testing.T) {
		s := &spy{}
		d := newTestDispatcher(t, s, WithAppender(s))
		_, err := d.Handle(context.Background(), "ui/message", json.RawMessage(`{"role":"user","content":[{"type":"image","data":"AA==","mimeType":"image/png"},{"type":"text","text":"first"},{"type":"text","text":"second"}]}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"first"}, s.appended)
	})

	t.Run("no text block", func(t *testing.T) {
		s := &spy{}
		d := newTestDispatcher(t, s, WithAppender(s))
		_, err := d.Handle(context.Background(), "ui/message", json.RawMessage(`{"content":[{"type":"image","data":"AA=="}]}`))
		assert.ErrorIs(t, err, ErrInvalidMessageFormat)
		assert.Empty(t, s.appended)
	})

	t.Run("content not an array", func(t *testing.T) {
		s := &spy{}
		d := newTestDispatcher(t, s, WithAppender(s))
		_, err := d.Handle(context.Background(), "ui/message", json.RawMessage(`{"content":"hello"}`))
		assert.ErrorIs(t, err, ErrInvalidMessageFormat)
		assert.Empty(t, s.appended)
	})

	t.Run("no appender", func(t *testing.T) {
		s := &spy{}
		d := newTestDispatcher(t, s)
		_, err := d.Handle(context.Background(), "ui/message", json.RawMessage(`{"content":[{"type":"text","text":"hi"}]}`))
		assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	})
}

func TestOpenLink(t *testing.T) {
	s := &spy{}
	d := newTestDispatcher(t, s)
	_, err := d.Handle(context.Background(), "ui/open-link", json.RawMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com"}, s.links)

	s.linkErr = errors.New("refused")
	_, err = d.Handle(context.Background(), "ui/open-link", json.RawMessage(`{"url":"https://example.com"}`))
	assert.ErrorIs(t, err, ErrDownstreamFailure)

	_, err = d.Handle(context.Background(), "ui/open-link", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidMessageFormat)
}

func TestLogNotificationToleratesMalformedInput(t *testing.T) {
	s := &spy{}
	d := newTestDispatcher(t, s)

	for _, params := range []string{
		`{"level":"warning","data":{"msg":"hi"}}`,
		`{"level":"nonsense","data":1}`,
		`"just a string"`,
		``,
	} {
		_, err := d.Handle(context.Background(), "notifications/message", json.RawMessage(params))
		assert.NoError(t, err, params)
	}
	assert.Len(t, s.logs, 4)
}

func TestPingIsIdempotent(t *testing.T) {
	d := newTestDispatcher(t, &spy{})
	for range 3 {
		res, err := d.Handle(context.Background(), "ping", nil)
		require.NoError(t, err)
		b, err := json.Marshal(res)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(b))
	}
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	s := &spy{}
	d := newTestDispatcher(t, s, WithSession("sess-1"), WithHostContext(apps.HostContext{Theme: "dark"}))

	res, err := d.Handle(context.Background(), "ui/initialize", json.RawMessage(`{"protocolVersion":"2025-11-21","appInfo":{"name":"w","version":"1"}}`))
	require.NoError(t, err)
	b, err := json.Marshal(res)
	require.NoError(t, err)

	var got struct {
		ProtocolVersion  string                     `json:"protocolVersion"`
		HostCapabilities map[string]json.RawMessage `json:"hostCapabilities"`
		HostContext      apps.HostContext           `json:"hostContext"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, apps.ProtocolVersion, got.ProtocolVersion)
	assert.Equal(t, "dark", got.HostContext.Theme)
	assert.Contains(t, got.HostCapabilities, "serverTools")
	assert.NotContains(t, got.HostCapabilities, "message")
}

func TestHandleRecoversPanics(t *testing.T) {
	d := New("weather", Collaborators{Navigator: panicky{}}, WithLogger(logtest.Logger(t)))
	_, err := d.Handle(context.Background(), "ui/open-link", json.RawMessage(`{"url":"https://example.com"}`))
	assert.ErrorIs(t, err, ErrDownstreamFailure)
}

type panicky struct{}

func (panicky) OpenExternal(context.Context, string) error { panic("boom") }

func decodeRequest(t *testing.T, raw string) *jsonrpc.Request {
	t.Helper()
	msg, err := jsonrpc.Decode([]byte(raw))
	require.NoError(t, err)
	req := msg.AsRequest()
	require.NotNil(t, req)
	return req
}

func TestServeToolsCallEndToEnd(t *testing.T) {
	s := &spy{toolRes: &apps.ToolCallResult{Content: []apps.ContentBlock{apps.TextBlock("ok")}}}
	d := newTestDispatcher(t, s, WithSession("sess-1"))

	res := d.Serve(context.Background(), decodeRequest(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"forecast","arguments":{}}}`))
	require.NotNil(t, res)
	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"ok"}],"isError":false}}`, string(b))
}

func TestServeToolsCallFailureIsSuccessResponse(t *testing.T) {
	s := &spy{toolErr: errors.New("nope")}
	d := newTestDispatcher(t, s, WithSession("sess-1"))

	res := d.Serve(context.Background(), decodeRequest(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"forecast"}}`))
	require.NotNil(t, res)
	require.Nil(t, res.Error)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.Equal(t, true, out["isError"])
	assert.NotContains(t, out, "structuredContent")
}

func TestServeErrorCarriesKind(t *testing.T) {
	d := newTestDispatcher(t, &spy{})

	res := d.Serve(context.Background(), decodeRequest(t, `{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"x"}}`))
	require.NotNil(t, res)
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeSessionNotInitialized, res.Error.Code)
	assert.Equal(t, map[string]string{"kind": "SessionNotInitialized"}, res.Error.Data)
	assert.Equal(t, "a", res.ID.String())
}

func TestServeNotificationHasNoResponse(t *testing.T) {
	s := &spy{}
	d := newTestDispatcher(t, s)

	res := d.Serve(context.Background(), decodeRequest(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"hi"}}`))
	assert.Nil(t, res)
	assert.Len(t, s.logs, 1)

	// Even a failing notification yields nothing.
	res = d.Serve(context.Background(), decodeRequest(t, `{"jsonrpc":"2.0","method":"bogus"}`))
	assert.Nil(t, res)
}

func TestConcurrentHandle(t *testing.T) {
	s := &spy{toolRes: &apps.ToolCallResult{}}
	d := newTestDispatcher(t, s, WithSession("sess-1"))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Handle(context.Background(), "tools/call", json.RawMessage(`{"name":"forecast"}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, s.toolCalls, 16)
}

func TestParamsSchemaIsReflected(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal(routes[apps.ToolsCallMethod].schema.JSON(), &doc))
	assert.Equal(t, "object", doc["type"])
	assert.Contains(t, doc["required"], "name")
}
