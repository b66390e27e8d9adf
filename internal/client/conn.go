// Package client implements the client-side connection (spec §4.6): an
// optional supervised host child process, bounded connect retry, the
// initial handshake, the pending-request table, and the stream
// subscription table that demultiplexes incoming envelopes. Grounded on
// golang-tools' jsonrpc2.Conn (pending-map-by-id plus a single read loop
// that resolves either a pending channel or delivers to a handler) and on
// the pack's child-process cleanup-on-error discipline (cagent's fake
// proxy): any construction-phase failure unconditionally tears down
// whatever was already started.
package clientconn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kakaly/mlxhost/internal/protocol"
	"github.com/kakaly/mlxhost/internal/wire"
)

// connectPollInterval is how often Connect retries opening the socket
// after spawning a child (spec §4.6: "~25 ms sleeps").
const connectPollInterval = 25 * time.Millisecond

// Config configures a Conn (spec §4.6 construction parameters).
type Config struct {
	// HostBinaryPath, if set, causes Connect to spawn the host as a child
	// process. If empty, Connect dials an already-running host.
	HostBinaryPath string
	Socket         string
	AuthToken      string
	Device         string
	ConnectTimeout time.Duration
	Stdout         *os.File
	Stderr         *os.File
}

type pendingEntry struct {
	done chan pendingResult
}

type pendingResult struct {
	payload json.RawMessage
	err     *protocol.ErrorPayload
}

// Conn is a live client connection: socket, optional child process,
// pending-request table, and stream subscription table.
type Conn struct {
	nc  net.Conn
	cmd *exec.Cmd

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	subsMu sync.Mutex
	subs   map[string]chan protocol.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect implements the full lifecycle of spec §4.6: optionally spawn,
// dial with bounded retry, and handshake. Any failure after the child was
// spawned kills it before returning.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	var cmd *exec.Cmd
	spawned := false

	authToken := cfg.AuthToken
	socket := cfg.Socket

	if cfg.HostBinaryPath != "" {
		spawned = true
		if authToken == "" {
			token, err := randomToken()
			if err != nil {
				return nil, fmt.Errorf("client: generating auth token: %w", err)
			}
			authToken = token
		}

		cmd = exec.CommandContext(context.Background(), cfg.HostBinaryPath, "--socket", socket)
		cmd.Env = append(os.Environ(),
			"SOCKET_PATH="+socket,
			"AUTH_TOKEN="+authToken,
		)
		if cfg.Device != "" {
			cmd.Env = append(cmd.Env, "DEVICE="+cfg.Device)
		}
		if cfg.Stdout != nil {
			cmd.Stdout = cfg.Stdout
		}
		if cfg.Stderr != nil {
			cmd.Stderr = cfg.Stderr
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("client: spawning host: %w", err)
		}
	}

	nc, err := dialWithRetry(socket, spawned, cfg.ConnectTimeout)
	if err != nil {
		killIfSpawned(cmd, spawned)
		return nil, err
	}

	c := &Conn{
		nc:      nc,
		cmd:     cmd,
		pending: make(map[string]*pendingEntry),
		subs:    make(map[string]chan protocol.Envelope),
		closed:  make(chan struct{}),
	}
	go c.readLoop()

	if authToken != "" {
		_, err := c.Request(ctx, protocol.TypeHandshake, protocol.HandshakeRequestPayload{AuthToken: authToken}, "")
		if err != nil {
			c.teardown()
			killIfSpawned(cmd, spawned)
			return nil, fmt.Errorf("client: handshake failed: %w", err)
		}
	}

	return c, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func killIfSpawned(cmd *exec.Cmd, spawned bool) {
	if spawned && cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

// dialWithRetry attempts to open the socket. If the caller spawned the
// host, it retries on not-found/connection-refused until deadline;
// otherwise it fails immediately (spec §4.6 step 2).
func dialWithRetry(socket string, spawned bool, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	if !spawned {
		nc, err := net.Dial("unix", socket)
		if err != nil {
			return nil, fmt.Errorf("client: dialing host: %w", err)
		}
		return nc, nil
	}

	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		nc, err := net.Dial("unix", socket)
		if err == nil {
			return nc, nil
		}
		lastErr = err
		if !isRetryableDialErr(err) {
			return nil, fmt.Errorf("client: dialing host: %w", err)
		}
		time.Sleep(connectPollInterval)
	}
	return nil, fmt.Errorf("client: timed out connecting to spawned host: %w", lastErr)
}

func isRetryableDialErr(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such file")
}

// Request implements spec §4.7's one-shot request/response. An empty id
// allocates a fresh one.
func (c *Conn) Request(ctx context.Context, typ string, payload any, id string) (json.RawMessage, error) {
	if id == "" {
		id = uuid.NewString()
	}

	entry := &pendingEntry{done: make(chan pendingResult, 1)}
	c.pendingMu.Lock()
	c.pending[id] = entry
	c.pendingMu.Unlock()

	env, err := protocol.NewEnvelope(id, typ, payload)
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("client: encoding request: %w", err)
	}
	if err := c.send(env); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case result := <-entry.done:
		if result.err != nil {
			return nil, fmt.Errorf("client: %s: %s", result.err.Code, result.err.Message)
		}
		return result.payload, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("client: %w", errTransportClosed)
	}
}

// Stream implements spec §4.7's streaming subscription: it registers the
// subscription before writing the frame, then the read loop delivers
// events in arrival order. The returned channel is closed after the
// terminal end/error event.
func (c *Conn) Stream(req protocol.GenerateRequest, requestID string) (<-chan protocol.Envelope, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ch := make(chan protocol.Envelope, 64)
	c.subsMu.Lock()
	c.subs[requestID] = ch
	c.subsMu.Unlock()

	env, err := protocol.NewEnvelope(requestID, protocol.TypeInferenceStream, req)
	if err != nil {
		c.removeSub(requestID)
		return nil, fmt.Errorf("client: encoding stream request: %w", err)
	}
	if err := c.send(env); err != nil {
		c.removeSub(requestID)
		return nil, err
	}

	return ch, nil
}

// Cancel implements spec §4.7's cancel: sends inference.cancel and returns
// once the host acknowledges. It does not wait for the stream's terminal
// event.
func (c *Conn) Cancel(ctx context.Context, requestID string) error {
	_, err := c.Request(ctx, protocol.TypeInferenceCancel, protocol.CancelRequestPayload{RequestID: requestID}, "")
	return err
}

func (c *Conn) send(env protocol.Envelope) error {
	frame, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("client: encoding envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(frame); err != nil {
		return fmt.Errorf("client: writing frame: %w", err)
	}
	return nil
}

func (c *Conn) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) removeSub(id string) {
	c.subsMu.Lock()
	ch, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Conn) readLoop() {
	defer c.teardown()

	dec := wire.NewDecoder()
	buf := make([]byte, 32*1024)

	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			envs, decErr := dec.Feed(buf[:n])
			for _, env := range envs {
				c.dispatch(env)
			}
			if decErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch implements spec §4.6's incoming-message demultiplexing.
func (c *Conn) dispatch(env protocol.Envelope) {
	if strings.HasPrefix(env.Type, protocol.InferenceStreamPrefix) {
		id := env.ID
		if id == "" {
			id = streamRequestID(env)
		}
		if id == "" {
			return
		}

		c.subsMu.Lock()
		ch, ok := c.subs[id]
		c.subsMu.Unlock()
		if !ok {
			return
		}

		terminal := env.Type == protocol.TypeInferenceStreamEnd || env.Type == protocol.TypeInferenceStreamError
		ch <- env
		if terminal {
			c.removeSub(id)
		}
		return
	}

	if env.ID == "" {
		return
	}

	c.pendingMu.Lock()
	entry, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if env.Type == protocol.TypeError {
		var errPayload protocol.ErrorPayload
		_ = env.Decode(&errPayload)
		entry.done <- pendingResult{err: &errPayload}
		return
	}
	entry.done <- pendingResult{payload: env.Payload}
}

func streamRequestID(env protocol.Envelope) string {
	var probe struct {
		RequestID string `json:"requestId"`
	}
	_ = env.Decode(&probe)
	return probe.RequestID
}

// errTransportClosed is returned (wrapped) to callers racing a closed
// connection.
var errTransportClosed = fmt.Errorf(protocol.ErrCodeTransportClosed)

// Close is idempotent: tears down the socket and, if we spawned it, the
// child process.
func (c *Conn) Close() error {
	c.teardown()
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	return nil
}

// teardown closes the socket, then rejects every pending request with
// transport_closed and every open stream subscription with a terminal
// error event (spec §4.6 "Socket close").
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[string]*pendingEntry)
		c.pendingMu.Unlock()
		for _, entry := range pending {
			entry.done <- pendingResult{err: &protocol.ErrorPayload{
				Code:    protocol.ErrCodeTransportClosed,
				Message: "transport closed",
			}}
		}

		c.subsMu.Lock()
		subs := c.subs
		c.subs = make(map[string]chan protocol.Envelope)
		c.subsMu.Unlock()
		for id, ch := range subs {
			env, _ := protocol.NewEnvelope(id, protocol.TypeInferenceStreamError, protocol.StreamErrorPayload{
				RequestID: id,
				Code:      protocol.ErrCodeTransportClosed,
				Message:   "transport closed",
			})
			ch <- env
			close(ch)
		}
	})
}
