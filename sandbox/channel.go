package sandbox

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/mcp-app-bridge/bridge"
)

const (
	channelBuffer = 256
	writeWait     = 10 * time.Second
)

// wsChannel is the host end of a surface channel. Outbound messages queue
// until a websocket attaches; a newer websocket replaces an older one.
type wsChannel struct {
	log          *slog.Logger
	maxFrame     int64
	pingInterval time.Duration
	pongWait     time.Duration

	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	conn *wsConn
	// carry holds messages taken off out by a connection that went away
	// before writing them. The next connection sends them first.
	carry [][]byte
}

type wsConn struct {
	conn       *websocket.Conn
	stop       chan struct{}
	writerDone chan struct{}
	closed     sync.Once
}

func (c *wsConn) close(code int, reason string) {
	c.closed.Do(func() {
		close(c.stop)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func newWSChannel(log *slog.Logger, maxFrame int64, pingInterval, pongWait time.Duration) *wsChannel {
	return &wsChannel{
		log:          log,
		maxFrame:     maxFrame,
		pingInterval: pingInterval,
		pongWait:     pongWait,
		in:           make(chan []byte, channelBuffer),
		out:          make(chan []byte, channelBuffer),
		done:         make(chan struct{}),
	}
}

var _ bridge.Channel = (*wsChannel)(nil)

func (c *wsChannel) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return bridge.ErrChannelClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return bridge.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.close(websocket.CloseNormalClosure, "surface closed")
		}
	})
	return nil
}

// attach makes conn the live websocket and blocks until it disconnects, is
// replaced, or the channel closes.
func (c *wsChannel) attach(conn *websocket.Conn) {
	wc := &wsConn{conn: conn, stop: make(chan struct{}), writerDone: make(chan struct{})}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		wc.close(websocket.CloseGoingAway, "surface closed")
		return
	default:
	}
	prev := c.conn
	c.conn = wc
	c.mu.Unlock()

	if prev != nil {
		c.log.Info("sandbox.channel.replaced")
		prev.close(websocket.ClosePolicyViolation, "replaced by a newer connection")
		// Whatever the old writer could not send is carried over.
		<-prev.writerDone
	}

	conn.SetReadLimit(c.maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readPump(wc)
	}()
	c.writePump(wc, readDone)
	close(wc.writerDone)

	c.mu.Lock()
	if c.conn == wc {
		c.conn = nil
	}
	c.mu.Unlock()
	wc.close(websocket.CloseNormalClosure, "")
	<-readDone
}

func (c *wsChannel) readPump(wc *wsConn) {
	for {
		typ, msg, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("sandbox.channel.read_error", slog.String("err", err.Error()))
			}
			return
		}
		if typ != websocket.TextMessage {
			c.log.Debug("sandbox.channel.binary_frame_dropped")
			continue
		}
		select {
		case c.in <- msg:
		case <-wc.stop:
			return
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) writePump(wc *wsConn, readDone <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	c.mu.Lock()
	pending := c.carry
	c.carry = nil
	c.mu.Unlock()
	for i, msg := range pending {
		if !c.write(wc, msg) {
			c.requeue(pending[i:]...)
			return
		}
	}

	for {
		select {
		case <-readDone:
			return
		case <-wc.stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg := <-c.out:
			if !c.write(wc, msg) {
				c.requeue(msg)
				return
			}
		}
	}
}

// write reports whether msg was handed to the connection.
func (c *wsChannel) write(wc *wsConn, msg []byte) bool {
	select {
	case <-wc.stop:
		return false
	default:
	}
	_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.log.Warn("sandbox.channel.write_error", slog.String("err", err.Error()))
		return false
	}
	return true
}

func (c *wsChannel) requeue(msgs ...[]byte) {
	c.mu.Lock()
	c.carry = append(append([][]byte(nil), msgs...), c.carry...)
	c.mu.Unlock()
}
