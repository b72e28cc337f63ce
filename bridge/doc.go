// Package bridge hosts untrusted app markup in an isolated surface and moves
// protocol messages between the surface and the host.
//
// A Bridge owns at most one surface at a time. Mount builds the surface and
// its message channel from a SurfaceFactory; Unmount, or a later Mount,
// tears both down. Host-originated tool lifecycle events are delivered with
// Send in the order they were sent. Surface-originated requests are handed
// to the RequestHandler registered with OnRequest and answered on the same
// channel they arrived on, unless the surface has been replaced in the
// meantime.
//
// The surface itself is provided by the SurfaceFactory: the sandbox package
// serves it from a dedicated origin over HTTP and websockets, and Pipe gives
// an in-memory channel for embedding and tests.
package bridge
