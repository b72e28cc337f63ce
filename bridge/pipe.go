package bridge

import (
	"context"
	"io"
	"sync"
)

// pipeBuffer bounds messages in flight in each direction of a Pipe.
const pipeBuffer = 64

type pipeShared struct {
	done chan struct{}
	once sync.Once
}

func (s *pipeShared) close() {
	s.once.Do(func() { close(s.done) })
}

type pipeEnd struct {
	in     chan []byte
	out    chan []byte
	shared *pipeShared
}

// Pipe returns two connected in-memory channels. Messages sent on one are
// received on the other in order. Closing either end closes both.
func Pipe() (Channel, Channel) {
	a := make(chan []byte, pipeBuffer)
	b := make(chan []byte, pipeBuffer)
	shared := &pipeShared{done: make(chan struct{})}
	return &pipeEnd{in: a, out: b, shared: shared}, &pipeEnd{in: b, out: a, shared: shared}
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.shared.done:
		return ErrChannelClosed
	default:
	}
	cp := append([]byte(nil), msg...)
	select {
	case p.out <- cp:
		return nil
	case <-p.shared.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.shared.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shared.close()
	return nil
}
