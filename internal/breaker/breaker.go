package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engagement reason codes
const (
	ReasonHeartbeatFailure = "HEARTBEAT_FAILURE"
	ReasonManual           = "MANUAL"
)

// Breaker is a latched gate consulted before every order submission. Once
// engaged it rejects new order flow until Reset is called; there is no
// half-open probing or timed recovery.
type Breaker struct {
	mu        sync.RWMutex
	engaged   bool
	reason    string
	engagedAt time.Time
	logger    *zap.Logger
}

// New creates a disengaged breaker
func New(logger *zap.Logger) *Breaker {
	return &Breaker{logger: logger}
}

// Engage latches the breaker with a reason code. Engaging an already
// engaged breaker keeps the original reason.
func (b *Breaker) Engage(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.engaged {
		return
	}
	b.engaged = true
	b.reason = reason
	b.engagedAt = time.Now()
	b.logger.Warn("circuit breaker engaged",
		zap.String("reason", reason),
	)
}

// Engaged reports whether new order flow is blocked
func (b *Breaker) Engaged() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.engaged
}

// Reason returns the engagement reason code, empty when disengaged
func (b *Breaker) Reason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}

// Reset disengages the breaker. Callers must have independently verified
// connectivity first.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.engaged {
		return
	}
	b.logger.Info("circuit breaker reset",
		zap.String("reason", b.reason),
		zap.Duration("engaged_for", time.Since(b.engagedAt)),
	)
	b.engaged = false
	b.reason = ""
}
