package renderer

import "github.com/ggoodman/mcp-app-bridge/apps"

// toolState tracks the one current tool invocation of a renderer so a
// rebuilt surface can be brought up to date.
type toolState struct {
	input    apps.ToolLifecycleEvent
	partial  *apps.ToolInputPartial
	terminal apps.ToolLifecycleEvent
}

func (t *toolState) record(ev apps.ToolLifecycleEvent) {
	switch e := ev.(type) {
	case apps.ToolInput:
		// A new invocation supersedes whatever was displayed.
		*t = toolState{input: e}
	case apps.ToolInputPartial:
		if t.terminal != nil || t.input != nil {
			*t = toolState{}
		}
		t.partial = &e
	case apps.ToolResult, apps.ToolCancelled:
		t.terminal = e
	}
}

// events returns the notifications that reproduce the current state, in
// order.
func (t *toolState) events() []apps.ToolLifecycleEvent {
	var out []apps.ToolLifecycleEvent
	switch {
	case t.input != nil:
		out = append(out, t.input)
	case t.partial != nil:
		out = append(out, *t.partial)
	}
	if t.terminal != nil {
		out = append(out, t.terminal)
	}
	return out
}
