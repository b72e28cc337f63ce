package apps

import "encoding/json"

// ToolLifecycleEvent is a host -> surface notification about the tool call
// the surface is attached to.
type ToolLifecycleEvent interface {
	// Method returns the wire notification name.
	Method() Method
	// Params returns the notification params.
	Params() any

	toolLifecycleEvent()
}

// ToolInput carries the complete arguments of a tool invocation. It
// supersedes any previous invocation's displayed state.
type ToolInput struct {
	Arguments map[string]any `json:"arguments"`
}

// ToolInputPartial carries incremental arguments while they stream in.
type ToolInputPartial struct {
	Arguments map[string]any `json:"arguments"`
}

// ToolResult carries the final result of the invocation.
type ToolResult struct {
	Result *ToolCallResult
}

// ToolCancelled notifies the surface that the invocation was aborted.
type ToolCancelled struct {
	Reason string `json:"reason,omitempty"`
}

func (ToolInput) Method() Method        { return ToolInputNotificationMethod }
func (ToolInputPartial) Method() Method { return ToolInputPartialNotificationMethod }
func (ToolResult) Method() Method       { return ToolResultNotificationMethod }
func (ToolCancelled) Method() Method    { return ToolCancelledNotificationMethod }

func (e ToolInput) Params() any        { return e }
func (e ToolInputPartial) Params() any { return e }
func (e ToolCancelled) Params() any    { return e }

// Params flattens the result into the notification params.
func (e ToolResult) Params() any {
	if e.Result == nil {
		return &ToolCallResult{Content: []ContentBlock{}}
	}
	return e.Result
}

func (ToolInput) toolLifecycleEvent()        {}
func (ToolInputPartial) toolLifecycleEvent() {}
func (ToolResult) toolLifecycleEvent()       {}
func (ToolCancelled) toolLifecycleEvent()    {}

// EventEnvelope is the JSON form used to submit lifecycle events to the host
// API: {"type":"tool-input","arguments":{...}}.
type EventEnvelope struct {
	Type      string          `json:"type"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Result    *ToolCallResult `json:"result,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// ErrUnknownEventType is returned for envelopes with an unsupported type.
type ErrUnknownEventType string

func (e ErrUnknownEventType) Error() string {
	return "unknown tool lifecycle event type: " + string(e)
}

// Event decodes the envelope into a lifecycle event.
func (e EventEnvelope) Event() (ToolLifecycleEvent, error) {
	switch e.Type {
	case "tool-input":
		return ToolInput{Arguments: e.Arguments}, nil
	case "tool-input-partial":
		return ToolInputPartial{Arguments: e.Arguments}, nil
	case "tool-result":
		return ToolResult{Result: e.Result}, nil
	case "tool-cancelled":
		return ToolCancelled{Reason: e.Reason}, nil
	default:
		return nil, ErrUnknownEventType(e.Type)
	}
}

// DecodeEvent parses a JSON event envelope.
func DecodeEvent(data []byte) (ToolLifecycleEvent, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return env.Event()
}
