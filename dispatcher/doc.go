// Package dispatcher implements the capability dispatcher: the allowlist of
// protocol methods an untrusted app surface may invoke, and the glue that
// validates each request and forwards it to host-owned collaborators.
//
// The allowlist is a table keyed by wire method. Each row carries its typed
// params and result, whether a session reference is required, and whether
// the message-append capability is required. Adding a capability means adding
// a row; Handle itself does not branch on method names.
//
// Checks run in a fixed order and stop at the first failure, so a rejected
// request never reaches a collaborator:
//
//  1. method existence          (UnknownMethod)
//  2. session precondition      (SessionNotInitialized)
//  3. capability precondition   (CapabilityUnavailable)
//  4. params shape              (InvalidMessageFormat)
//
// The JSON Schema used for step 4 is reflected from the row's params type with
// invopop/jsonschema and evaluated with gojsonschema. Diagnostic rows
// (notifications/message, ping, ui/initialize) are lenient and never fail.
//
// tools/call prefixes the requested tool with the owning extension name
// ("<extension>__<tool>") so that a surface can only reach tools of the
// extension that served it. A failing tool call is reported as a successful
// response with isError set, because the caller expects a tool-result shape.
package dispatcher
