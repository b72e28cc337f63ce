package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not exposed to the surface.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined server errors (-32000 to -32099).
const (
	// ErrorCodeDownstreamFailure indicates a host collaborator call failed.
	ErrorCodeDownstreamFailure ErrorCode = -32000
	// ErrorCodeSessionNotInitialized indicates a session-scoped method was
	// called without a session.
	ErrorCodeSessionNotInitialized ErrorCode = -32001
	// ErrorCodeCapabilityUnavailable indicates the host did not grant the
	// capability in this context.
	ErrorCodeCapabilityUnavailable ErrorCode = -32002
	// ErrorCodeRateLimited indicates the surface exceeded its request budget.
	ErrorCodeRateLimited ErrorCode = -32003
)
