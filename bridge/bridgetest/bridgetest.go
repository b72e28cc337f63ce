// Package bridgetest provides an in-memory SurfaceFactory for tests.
package bridgetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-app-bridge/bridge"
)

// Factory creates in-memory surfaces and records every mount.
type Factory struct {
	mu       sync.Mutex
	surfaces []*Surface
	failNext error
}

// FailNext makes the next CreateSurface call fail with err.
func (f *Factory) FailNext(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

// CreateSurface implements bridge.SurfaceFactory.
func (f *Factory) CreateSurface(_ context.Context, doc bridge.Document) (bridge.Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	host, guest := bridge.Pipe()
	s := &Surface{
		id:    fmt.Sprintf("surface-%d", len(f.surfaces)+1),
		Doc:   doc,
		host:  host,
		Guest: guest,
	}
	f.surfaces = append(f.surfaces, s)
	return s, nil
}

// Mounts returns how many surfaces were created.
func (f *Factory) Mounts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.surfaces)
}

// Last returns the most recently created surface, or nil.
func (f *Factory) Last() *Surface {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.surfaces) == 0 {
		return nil
	}
	return f.surfaces[len(f.surfaces)-1]
}

// Surface is an in-memory surface. Guest is the surface's end of the
// channel; tests use it to play the app.
type Surface struct {
	id    string
	Doc   bridge.Document
	host  bridge.Channel
	Guest bridge.Channel

	mu     sync.Mutex
	closed bool
}

func (s *Surface) ID() string              { return s.id }
func (s *Surface) URL() string             { return "mem://" + s.id }
func (s *Surface) Channel() bridge.Channel { return s.host }

// Close implements bridge.Surface.
func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.host.Close()
}

// Closed reports whether the surface was destroyed.
func (s *Surface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ErrInjected is a convenience error for FailNext.
var ErrInjected = errors.New("bridgetest: injected failure")
