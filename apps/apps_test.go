package apps

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	cases := []struct {
		raw    string
		want   ToolLifecycleEvent
		method Method
	}{
		{`{"type":"tool-input","arguments":{"city":"Oslo"}}`, ToolInput{Arguments: map[string]any{"city": "Oslo"}}, ToolInputNotificationMethod},
		{`{"type":"tool-input-partial","arguments":{"ci":"O"}}`, ToolInputPartial{Arguments: map[string]any{"ci": "O"}}, ToolInputPartialNotificationMethod},
		{`{"type":"tool-cancelled","reason":"user"}`, ToolCancelled{Reason: "user"}, ToolCancelledNotificationMethod},
	}
	for _, tc := range cases {
		ev, err := DecodeEvent([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, ev)
		assert.Equal(t, tc.method, ev.Method())
	}

	_, err := DecodeEvent([]byte(`{"type":"tool-exploded"}`))
	var unknown ErrUnknownEventType
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, ErrUnknownEventType("tool-exploded"), unknown)

	_, err = DecodeEvent([]byte(`{`))
	assert.Error(t, err)
}

func TestToolResultParams(t *testing.T) {
	b, err := json.Marshal(ToolResult{}.Params())
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[],"isError":false}`, string(b))

	res := &ToolCallResult{Content: []ContentBlock{TextBlock("ok")}, StructuredContent: map[string]any{"t": 21}}
	b, err = json.Marshal(ToolResult{Result: res}.Params())
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"ok"}],"isError":false,"structuredContent":{"t":21}}`, string(b))
}

func TestResourceContentMarkup(t *testing.T) {
	var none *ResourceContent
	assert.False(t, none.HasMarkup())
	assert.Empty(t, none.MarkupString())
	assert.False(t, (&ResourceContent{}).HasMarkup())

	a := NewResourceContent("<p>x</p>", nil, false)
	b := NewResourceContent("<p>x</p>", &SecurityMetadata{ConnectDomains: []string{"https://a.example"}}, true)
	assert.True(t, a.SameMarkup(b), "policy does not affect markup identity")
	assert.False(t, a.SameMarkup(NewResourceContent("<p>y</p>", nil, false)))
	assert.False(t, a.SameMarkup(none))
}

func TestFirstText(t *testing.T) {
	got, ok := FirstText([]ContentBlock{{Type: "image", Data: "AA=="}, TextBlock("first"), TextBlock("second")})
	assert.True(t, ok)
	assert.Equal(t, "first", got)

	_, ok = FirstText([]ContentBlock{{Type: "image"}})
	assert.False(t, ok)
}

func TestUIMetaContentFrom(t *testing.T) {
	assert.Equal(t, NewResourceContent("m", nil, false), (*UIMeta)(nil).ContentFrom("m"))

	var meta UIMeta
	require.NoError(t, json.Unmarshal([]byte(`{"csp":{"frameDomains":["https://maps.example"]},"prefersBorder":true}`), &meta))
	got := meta.ContentFrom("m")
	assert.True(t, got.PrefersBorder)
	assert.Equal(t, []string{"https://maps.example"}, got.Policy.FrameDomains)
}

func TestAppDescriptorKey(t *testing.T) {
	a := AppDescriptor{URI: "ui://forecast", MCPServer: "weather", Name: "Forecast"}
	b := AppDescriptor{URI: "ui://forecast", MCPServer: "weather", Name: "Renamed"}
	c := AppDescriptor{URI: "ui://forecast", MCPServer: "maps"}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())

	assert.True(t, IsAppResource("ui://forecast"))
	assert.False(t, IsAppResource("https://forecast"))
}
