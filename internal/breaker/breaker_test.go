package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBreaker_EngageAndReset(t *testing.T) {
	b := New(zap.NewNop())

	assert.False(t, b.Engaged())
	assert.Empty(t, b.Reason())

	b.Engage(ReasonHeartbeatFailure)
	assert.True(t, b.Engaged())
	assert.Equal(t, ReasonHeartbeatFailure, b.Reason())

	b.Reset()
	assert.False(t, b.Engaged())
	assert.Empty(t, b.Reason())
}

func TestBreaker_FirstReasonWins(t *testing.T) {
	b := New(zap.NewNop())

	b.Engage(ReasonHeartbeatFailure)
	b.Engage(ReasonManual)

	assert.Equal(t, ReasonHeartbeatFailure, b.Reason())
}

func TestBreaker_ResetWhenDisengagedIsNoop(t *testing.T) {
	b := New(zap.NewNop())

	b.Reset()
	assert.False(t, b.Engaged())
}
