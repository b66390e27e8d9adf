// Package hostconn implements the per-connection state described in spec
// §3/§4.3: the read loop feeding the frame decoder, a serialized write
// queue with a per-connection backpressure cap, and the authenticated
// flag. One Conn exists per accepted socket and is destroyed on close.
package hostconn

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"go.uber.org/atomic"

	"github.com/kakaly/mlxhost/internal/protocol"
	"github.com/kakaly/mlxhost/internal/wire"
)

// MaxQueuedBytes is the recommended per-connection write-queue cap (spec
// §4.3). Exceeding it closes the connection with code "backpressure".
const MaxQueuedBytes = 64 << 20

// Handler receives decoded envelopes and is notified when the connection
// closes. It is implemented by the dispatcher.
type Handler interface {
	OnMessage(env protocol.Envelope)
	OnClose()
}

// Conn owns one accepted socket: its read buffer, write queue, and auth
// flag. Never shared across connections.
type Conn struct {
	nc      net.Conn
	handler Handler

	authenticated atomic.Bool
	closed        atomic.Bool

	writeMu     sync.Mutex
	writeQueue  [][]byte
	queuedBytes int
	writeCond   *sync.Cond
	writerDone  chan struct{}
}

// New wraps nc and prepares the write-queue and auth flag. The connection
// starts authenticated iff requireAuth is false (spec §4.4 auth gate). Call
// Start once handler is ready to receive OnMessage/OnClose callbacks — kept
// separate from New so a caller can finish wiring a handler that itself
// needs a reference to this Conn (e.g. the dispatcher, which is this
// Conn's Handler and also sends through it) before any byte is read.
func New(nc net.Conn, handler Handler, requireAuth bool) *Conn {
	c := &Conn{
		nc:         nc,
		handler:    handler,
		writerDone: make(chan struct{}),
	}
	c.writeCond = sync.NewCond(&c.writeMu)
	c.authenticated.Store(!requireAuth)
	return c
}

// SetHandler finishes wiring when the handler itself needed this Conn to
// exist first (e.g. the dispatcher, which sends replies through this Conn
// and is in turn this Conn's Handler). Must be called before Start.
func (c *Conn) SetHandler(handler Handler) {
	c.handler = handler
}

// Start begins the write-pump and read-loop goroutines.
func (c *Conn) Start() {
	go c.writeLoop()
	go c.readLoop()
}

// Authenticated reports whether this connection has passed handshake.
func (c *Conn) Authenticated() bool { return c.authenticated.Load() }

// SetAuthenticated marks the connection authenticated after a successful
// handshake.
func (c *Conn) SetAuthenticated() { c.authenticated.Store(true) }

// Send enqueues env for transmission. Non-blocking; preserves FIFO order
// across calls on this connection. Returns an error only if the connection
// is already closed, env cannot be encoded, or the queued-bytes cap was
// exceeded (in which case the connection is also closed).
func (c *Conn) Send(env protocol.Envelope) error {
	if c.closed.Load() {
		return fmt.Errorf("hostconn: connection closed")
	}

	frame, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("hostconn: encoding envelope: %w", err)
	}

	c.writeMu.Lock()
	if c.queuedBytes+len(frame) > MaxQueuedBytes {
		c.writeMu.Unlock()
		log.Printf("hostconn: write queue exceeded %d bytes, closing connection", MaxQueuedBytes)
		c.CloseWithCode(protocol.ErrCodeBackpressure)
		return fmt.Errorf("hostconn: backpressure cap exceeded")
	}
	c.writeQueue = append(c.writeQueue, frame)
	c.queuedBytes += len(frame)
	c.writeCond.Signal()
	c.writeMu.Unlock()

	return nil
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for {
		c.writeMu.Lock()
		for len(c.writeQueue) == 0 && !c.closed.Load() {
			c.writeCond.Wait()
		}
		if len(c.writeQueue) == 0 && c.closed.Load() {
			c.writeMu.Unlock()
			return
		}
		frame := c.writeQueue[0]
		c.writeQueue = c.writeQueue[1:]
		c.queuedBytes -= len(frame)
		c.writeMu.Unlock()

		if _, err := c.nc.Write(frame); err != nil {
			log.Printf("hostconn: write error: %v", err)
			c.Close()
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer c.Close()

	dec := wire.NewDecoder()
	buf := make([]byte, 32*1024)

	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			envs, decErr := dec.Feed(buf[:n])
			for _, env := range envs {
				c.handler.OnMessage(env)
			}
			if decErr != nil {
				log.Printf("hostconn: protocol error: %v", decErr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("hostconn: read error: %v", err)
			}
			return
		}
	}
}

// CloseWithCode sends a fatal error envelope (best-effort) before closing.
func (c *Conn) CloseWithCode(code string) {
	env, err := protocol.NewEnvelope("", protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: code,
	})
	if err == nil {
		if frame, encErr := wire.Encode(env); encErr == nil {
			_, _ = c.nc.Write(frame)
		}
	}
	c.Close()
}

// Close is idempotent: cancels the read loop, releases the socket, drops
// remaining queued writes.
func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.writeMu.Lock()
	c.writeQueue = nil
	c.queuedBytes = 0
	c.writeCond.Broadcast()
	c.writeMu.Unlock()

	_ = c.nc.Close()
	c.handler.OnClose()
}
