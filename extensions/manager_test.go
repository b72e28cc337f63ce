package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/internal/logtest"
	"github.com/ggoodman/mcp-app-bridge/resources"
)

type fakeSession struct {
	mu       sync.Mutex
	pages    map[string]*sdk.ListResourcesResult
	reads    map[string]string
	toolRes  string
	toolErr  error
	tools    []string
	closed   bool
	listFail error
}

func (f *fakeSession) ListResources(_ context.Context, p *sdk.ListResourcesParams) (*sdk.ListResourcesResult, error) {
	if f.listFail != nil {
		return nil, f.listFail
	}
	return f.pages[p.Cursor], nil
}

func (f *fakeSession) ReadResource(_ context.Context, p *sdk.ReadResourceParams) (*sdk.ReadResourceResult, error) {
	raw, ok := f.reads[p.URI]
	if !ok {
		return nil, errors.New("resource not found")
	}
	var res sdk.ReadResourceResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (f *fakeSession) CallTool(_ context.Context, p *sdk.CallToolParams) (*sdk.CallToolResult, error) {
	f.mu.Lock()
	f.tools = append(f.tools, p.Name)
	f.mu.Unlock()
	if f.toolErr != nil {
		return nil, f.toolErr
	}
	var res sdk.CallToolResult
	if err := json.Unmarshal([]byte(f.toolRes), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newManager(t *testing.T, sessions map[string]*fakeSession) (*Manager, *int) {
	t.Helper()
	var exts []Extension
	for name := range sessions {
		exts = append(exts, Extension{Name: name, Endpoint: "http://" + name + ".invalid/mcp"})
	}
	m, err := NewManager(exts, WithLogger(logtest.Logger(t)))
	require.NoError(t, err)
	dials := 0
	m.dial = func(_ context.Context, ext Extension) (session, error) {
		dials++
		s, ok := sessions[ext.Name]
		if !ok || s == nil {
			return nil, errors.New("connection refused")
		}
		return s, nil
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, &dials
}

func TestNewManagerValidates(t *testing.T) {
	for _, exts := range [][]Extension{
		{{Name: "", Endpoint: "http://x"}},
		{{Name: "a__b", Endpoint: "http://x"}},
		{{Name: "a"}},
		{{Name: "a", Endpoint: "http://x"}, {Name: "a", Endpoint: "http://y"}},
	} {
		_, err := NewManager(exts)
		assert.Error(t, err, exts)
	}

	m, err := NewManager([]Extension{{Name: "b", Endpoint: "http://b"}, {Name: "a", Endpoint: "http://a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, m.Names())
}

func TestFetchSelectsAppMarkup(t *testing.T) {
	s := &fakeSession{reads: map[string]string{
		"ui://forecast": `{"contents":[
			{"uri":"ui://forecast","mimeType":"text/plain","text":"not this"},
			{"uri":"ui://forecast","mimeType":"text/html","text":"<p>plain</p>"},
			{"uri":"ui://forecast","mimeType":"text/html;profile=mcp-app","text":"<p>app</p>",
			 "_meta":{"ui":{"csp":{"connectDomains":["https://api.weather.example"]},"prefersBorder":true}}}
		]}`,
	}}
	m, _ := newManager(t, map[string]*fakeSession{"weather": s})

	got, err := m.Fetch(context.Background(), "weather", "ui://forecast")
	require.NoError(t, err)
	assert.Equal(t, "<p>app</p>", got.MarkupString())
	assert.True(t, got.PrefersBorder)
	require.NotNil(t, got.Policy)
	assert.Equal(t, []string{"https://api.weather.example"}, got.Policy.ConnectDomains)
}

func TestFetchWithoutMarkup(t *testing.T) {
	s := &fakeSession{reads: map[string]string{
		"ui://empty": `{"contents":[{"uri":"ui://empty","mimeType":"application/json","text":"{}"}]}`,
	}}
	m, _ := newManager(t, map[string]*fakeSession{"weather": s})

	_, err := m.Fetch(context.Background(), "weather", "ui://empty")
	assert.ErrorIs(t, err, resources.ErrNoMarkup)

	_, err = m.Fetch(context.Background(), "weather", "file:///etc/passwd")
	assert.ErrorIs(t, err, resources.ErrNotFound)

	_, err = m.Fetch(context.Background(), "maps", "ui://empty")
	assert.ErrorIs(t, err, ErrUnknownExtension)
}

func TestCallToolSplitsQualifiedName(t *testing.T) {
	s := &fakeSession{toolRes: `{"content":[{"type":"text","text":"sunny"}],"isError":false}`}
	m, dials := newManager(t, map[string]*fakeSession{"weather": s})
	ctx := context.Background()

	res, err := m.CallTool(ctx, "sess-1", "weather__forecast", map[string]any{"city": "Oslo"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []apps.ContentBlock{apps.TextBlock("sunny")}, res.Content)
	assert.Nil(t, res.StructuredContent)

	_, err = m.CallTool(ctx, "sess-1", "weather__other__tool", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"forecast", "other__tool"}, s.tools)
	assert.Equal(t, 1, *dials, "the session is shared")

	_, err = m.CallTool(ctx, "sess-1", "forecast", nil)
	assert.ErrorIs(t, err, ErrInvalidToolName)
}

func TestCallToolFailure(t *testing.T) {
	s := &fakeSession{toolErr: errors.New("boom")}
	m, _ := newManager(t, map[string]*fakeSession{"weather": s})
	_, err := m.CallTool(context.Background(), "sess-1", "weather__forecast", nil)
	assert.ErrorContains(t, err, "boom")
}

func TestReadResource(t *testing.T) {
	s := &fakeSession{reads: map[string]string{
		"file:///data.json": `{"contents":[{"uri":"file:///data.json","mimeType":"application/json","text":"{\"a\":1}"}]}`,
	}}
	m, _ := newManager(t, map[string]*fakeSession{"weather": s})

	got, err := m.ReadResource(context.Background(), "sess-1", "weather", "file:///data.json")
	require.NoError(t, err)
	assert.Equal(t, []apps.ResourceContents{{URI: "file:///data.json", MIMEType: "application/json", Text: `{"a":1}`}}, got)
}

func TestListAppsPaginatesAndSkipsUnreachable(t *testing.T) {
	s := &fakeSession{pages: map[string]*sdk.ListResourcesResult{
		"": {
			Resources:  []*sdk.Resource{{URI: "ui://forecast", Name: "forecast", Description: "Weekly forecast"}, {URI: "file:///x", Name: "x"}},
			NextCursor: "p2",
		},
		"p2": {
			Resources: []*sdk.Resource{{URI: "ui://radar", Name: "radar"}},
		},
	}}
	m, _ := newManager(t, map[string]*fakeSession{"weather": s, "offline": nil})

	list, err := m.ListApps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []apps.AppDescriptor{
		{URI: "ui://forecast", ExtensionName: "weather", Name: "forecast", Description: "Weekly forecast", MCPServer: "weather"},
		{URI: "ui://radar", ExtensionName: "weather", Name: "radar", MCPServer: "weather"},
	}, list.Apps)
}

func TestDialFailureIsRetried(t *testing.T) {
	s := &fakeSession{toolRes: `{"content":[],"isError":false}`}
	sessions := map[string]*fakeSession{"weather": nil}
	m, dials := newManager(t, sessions)
	ctx := context.Background()

	_, err := m.CallTool(ctx, "sess-1", "weather__forecast", nil)
	require.Error(t, err)

	sessions["weather"] = s
	_, err = m.CallTool(ctx, "sess-1", "weather__forecast", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, *dials)
}

func TestCloseClosesSessions(t *testing.T) {
	s := &fakeSession{toolRes: `{"content":[],"isError":false}`}
	m, _ := newManager(t, map[string]*fakeSession{"weather": s})
	_, err := m.CallTool(context.Background(), "sess-1", "weather__forecast", nil)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, s.closed)
	_, err = m.CallTool(context.Background(), "sess-1", "weather__forecast", nil)
	assert.Error(t, err)
}
