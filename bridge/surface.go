package bridge

import (
	"context"
	"errors"
)

var (
	// ErrNoSurface is returned by Send when nothing is mounted.
	ErrNoSurface = errors.New("bridge: no surface mounted")
	// ErrUnmounted is returned when the surface is torn down while an
	// operation is in flight.
	ErrUnmounted = errors.New("bridge: surface unmounted")
	// ErrChannelClosed is returned by Channel implementations after Close.
	ErrChannelClosed = errors.New("bridge: channel closed")
)

// Channel is a bidirectional, message-oriented transport between the host
// and one surface. Messages are opaque JSON documents.
type Channel interface {
	// Send delivers one message to the peer.
	Send(ctx context.Context, msg []byte) error
	// Receive blocks for the next message from the peer. It returns io.EOF
	// once the channel is closed.
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the channel. It is safe to call more than once.
	Close() error
}

// Document is everything needed to build a surface.
type Document struct {
	Markup        string
	Policy        Policy
	PrefersBorder bool
}

// Surface is one live isolated rendering context.
type Surface interface {
	// ID is unique for the lifetime of the process.
	ID() string
	// URL is where the host UI loads the surface from. It may be empty for
	// surfaces that are not addressable.
	URL() string
	// Channel is the surface's message transport.
	Channel() Channel
	// Close destroys the surface. It is safe to call more than once.
	Close() error
}

// SurfaceFactory creates isolated surfaces.
type SurfaceFactory interface {
	CreateSurface(ctx context.Context, doc Document) (Surface, error)
}
