package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ismaiel54/order-bridge/internal/breaker"
	"github.com/ismaiel54/order-bridge/internal/protocol"
)

// Status is the shared liveness state
type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusReconnecting Status = "RECONNECTING"
	StatusFailed       Status = "FAILED"
)

// historyLimit bounds the retained event sequence
const historyLimit = 64

// Event is one recorded liveness transition or probe outcome
type Event struct {
	TsUnixMillis int64
	Status       Status
	Detail       string
}

// Pinger is the slice of the connection the monitor needs
type Pinger interface {
	SendRequest(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error)
}

// Monitor probes the agent on a fixed interval and escalates sustained
// failure to the circuit breaker. FAILED is latched: once entered, probing
// stops until Reset is called.
type Monitor struct {
	conn        Pinger
	breaker     *breaker.Breaker
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	logger      *zap.Logger

	mu          sync.Mutex
	status      Status
	failures    int
	lastSuccess time.Time
	history     []Event
}

// NewMonitor creates a monitor in the DISCONNECTED state. timeout applies to
// each PING and should stay below interval so a slow probe cannot pile up
// behind the next tick.
func NewMonitor(conn Pinger, brk *breaker.Breaker, interval, timeout time.Duration, maxFailures int, logger *zap.Logger) *Monitor {
	return &Monitor{
		conn:        conn,
		breaker:     brk,
		interval:    interval,
		timeout:     timeout,
		maxFailures: maxFailures,
		logger:      logger,
		status:      StatusDisconnected,
	}
}

// Run probes until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick performs at most one PING
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	if m.status == StatusFailed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	req, err := protocol.NewRequest(uuid.New().String(), protocol.ActionPing, protocol.PingRequest{})
	if err != nil {
		m.recordFailure(err.Error())
		return
	}

	resp, err := m.conn.SendRequest(ctx, req, m.timeout)
	if err != nil {
		m.recordFailure(err.Error())
		return
	}
	if resp.Status != protocol.StatusOK {
		m.recordFailure("ping rejected: " + resp.ErrorCode)
		return
	}

	var pong protocol.PongPayload
	if err := resp.DecodePayload(&pong); err != nil {
		m.recordFailure(err.Error())
		return
	}
	m.recordSuccess(pong.LatencyMs)
}

func (m *Monitor) recordSuccess(latencyMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.status
	m.status = StatusConnected
	m.failures = 0
	m.lastSuccess = time.Now()
	m.appendEventLocked(StatusConnected, "ping ok")

	if prev != StatusConnected {
		m.logger.Info("heartbeat recovered",
			zap.String("previous_status", string(prev)),
			zap.Float64("latency_ms", latencyMs),
		)
	} else {
		m.logger.Debug("heartbeat ok", zap.Float64("latency_ms", latencyMs))
	}
}

func (m *Monitor) recordFailure(detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures++
	if m.failures >= m.maxFailures {
		m.status = StatusFailed
		m.appendEventLocked(StatusFailed, detail)
		m.logger.Error("heartbeat failed, engaging circuit breaker",
			zap.Int("consecutive_failures", m.failures),
			zap.String("detail", detail),
		)
		m.breaker.Engage(breaker.ReasonHeartbeatFailure)
		return
	}

	m.status = StatusReconnecting
	m.appendEventLocked(StatusReconnecting, detail)
	m.logger.Warn("heartbeat ping failed",
		zap.Int("consecutive_failures", m.failures),
		zap.Int("max_failures", m.maxFailures),
		zap.String("detail", detail),
	)
}

func (m *Monitor) appendEventLocked(status Status, detail string) {
	m.history = append(m.history, Event{
		TsUnixMillis: time.Now().UnixMilli(),
		Status:       status,
		Detail:       detail,
	})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

// Status returns the current liveness state
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ConsecutiveFailures returns the current failure streak
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// LastSuccess returns the time of the last successful PING
func (m *Monitor) LastSuccess() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSuccess
}

// History returns a copy of the retained event sequence
func (m *Monitor) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.history))
	copy(out, m.history)
	return out
}

// Reset exits the latched FAILED state after connectivity has been
// independently verified. The circuit breaker is reset separately and
// deliberately.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusFailed {
		return
	}
	m.status = StatusDisconnected
	m.failures = 0
	m.appendEventLocked(StatusDisconnected, "manual reset")
	m.logger.Info("heartbeat monitor reset")
}
