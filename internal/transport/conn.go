package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ismaiel54/order-bridge/internal/protocol"
)

// ErrNoResponse means the round trip failed after the request may have been
// sent. The remote-side effect is unknown; callers must reconcile before
// retrying.
var ErrNoResponse = errors.New("no response: remote outcome unknown")

// ErrNotConnected means the request was never sent. Safe to retry.
var ErrNotConnected = errors.New("not connected")

// handleState tracks the lock-step channel. A handle that entered
// stateInvalid must never carry another send; it is closed and rebuilt.
type handleState int

const (
	stateIdle handleState = iota
	stateAwaitingReply
	stateInvalid
)

// Conn owns one lock-step request/response channel to the execution agent.
// One mutex serializes the full send-to-receive round trip, so order traffic
// and heartbeat traffic are mutually exclusive on the channel.
type Conn struct {
	addr        string
	dialTimeout time.Duration
	logger      *zap.Logger

	mu           sync.Mutex
	sock         net.Conn
	state        handleState
	generation   uint64
	lastActivity time.Time
	dialFailures int
	nextDialAt   time.Time
}

// New creates a connection to the agent at addr. The channel is dialed
// lazily on first use; call Connect to dial eagerly.
func New(addr string, logger *zap.Logger) *Conn {
	return &Conn{
		addr:        addr,
		dialTimeout: 5 * time.Second,
		logger:      logger,
	}
}

// Connect dials the agent, rebuilding the channel if needed. An explicit
// connect clears any redial backoff.
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dialFailures = 0
	c.nextDialAt = time.Time{}
	return c.ensureConnectedLocked(c.dialTimeout)
}

// Disconnect releases the channel. The next request redials.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.state = stateIdle
}

// Generation returns the identity of the current channel handle. It changes
// every time the channel is rebuilt.
func (c *Conn) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// LastActivity returns the time of the last completed round trip
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SendRequest performs one lock-step exchange. On timeout or any transport
// error after the send began, the handle is invalidated and closed so no
// second send can ever hit a stale channel, and the error wraps
// ErrNoResponse because the remote outcome is unknown. Errors before the
// send wrap ErrNotConnected and are safe to retry.
func (c *Conn) SendRequest(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// A rebuild dial counts against the same deadline, so a short-timeout
	// caller cannot hold the channel mutex for the full dial timeout.
	dialTimeout := c.dialTimeout
	if remaining := time.Until(deadline); remaining < dialTimeout {
		dialTimeout = remaining
	}
	if err := c.ensureConnectedLocked(dialTimeout); err != nil {
		return nil, err
	}

	if err := c.sock.SetDeadline(deadline); err != nil {
		c.invalidateLocked("set deadline", err)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	// Past this point the request may reach the agent; every failure is
	// ambiguous.
	c.state = stateAwaitingReply

	if err := protocol.WriteFrame(c.sock, data); err != nil {
		c.invalidateLocked("send", err)
		return nil, fmt.Errorf("%w: send failed: %v", ErrNoResponse, err)
	}

	frame, err := protocol.ReadFrame(c.sock)
	if err != nil {
		c.invalidateLocked("receive", err)
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}

	resp, err := protocol.DecodeResponse(frame)
	if err != nil {
		c.invalidateLocked("decode", err)
		return nil, fmt.Errorf("%w: undecodable response: %v", ErrNoResponse, err)
	}
	if resp.CorrelationID != req.CorrelationID {
		// Channel is out of step, likely a late reply to an abandoned
		// request on a handle that should already have been torn down.
		c.invalidateLocked("correlation mismatch", nil)
		return nil, fmt.Errorf("%w: correlation mismatch: got %s want %s",
			ErrNoResponse, resp.CorrelationID, req.CorrelationID)
	}

	c.state = stateIdle
	c.lastActivity = time.Now()
	c.sock.SetDeadline(time.Time{})
	return resp, nil
}

// ensureConnectedLocked rebuilds the channel when the handle is missing or
// invalid. Dial failures are rate-limited by a capped exponential backoff so
// a dead agent fails fast instead of stalling every caller.
func (c *Conn) ensureConnectedLocked(dialTimeout time.Duration) error {
	if c.sock != nil && c.state == stateIdle {
		return nil
	}

	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}

	if !c.nextDialAt.IsZero() && time.Now().Before(c.nextDialAt) {
		return fmt.Errorf("%w: redial backoff until %s", ErrNotConnected, c.nextDialAt.Format(time.RFC3339))
	}

	sock, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		c.dialFailures++
		c.nextDialAt = time.Now().Add(redialBackoff(c.dialFailures))
		c.logger.Warn("dial failed",
			zap.String("addr", c.addr),
			zap.Int("consecutive_failures", c.dialFailures),
			zap.Error(err),
		)
		return fmt.Errorf("%w: dial %s: %v", ErrNotConnected, c.addr, err)
	}

	c.sock = sock
	c.state = stateIdle
	c.generation++
	c.dialFailures = 0
	c.nextDialAt = time.Time{}
	c.logger.Info("channel established",
		zap.String("addr", c.addr),
		zap.Uint64("generation", c.generation),
	)
	return nil
}

// invalidateLocked marks the handle unusable and closes it. The lock-step
// contract forbids another send on a handle whose round trip failed.
func (c *Conn) invalidateLocked(op string, err error) {
	c.state = stateInvalid
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.logger.Warn("channel invalidated",
		zap.String("op", op),
		zap.Uint64("generation", c.generation),
		zap.Error(err),
	)
}
