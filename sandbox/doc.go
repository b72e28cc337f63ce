// Package sandbox serves isolated surfaces from a dedicated origin.
//
// Each surface is an HTML document served at /s/{id} under a strict
// Content-Security-Policy that carries the sandbox directive, and a
// websocket at /s/{id}/channel that carries its protocol messages. Both
// URLs are authorized by a short-lived compact JWS bound to the surface id,
// so knowing a surface id alone grants nothing.
//
// The host UI loads the document URL into a frame. A bootstrap script
// injected into the document opens the channel and exposes it to the app as
// window.mcpHost.
package sandbox
