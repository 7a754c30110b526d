package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaper_OpenCloseLifecycle(t *testing.T) {
	p := NewPaper(10000, "USD")
	ctx := context.Background()

	fill, err := p.OpenOrder(ctx, Order{Symbol: "EURUSD", Side: "BUY", Volume: 0.01, Price: 1.0850})
	require.NoError(t, err)
	assert.NotEmpty(t, fill.BrokerRef)
	assert.Equal(t, 1.0850, fill.Price)

	positions, err := p.Positions(ctx, "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, fill.BrokerRef, positions[0].BrokerRef)

	_, err = p.CloseOrder(ctx, fill.BrokerRef, "EURUSD", 0.01)
	require.NoError(t, err)

	positions, err = p.Positions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaper_RejectsInvalidOrders(t *testing.T) {
	p := NewPaper(10000, "USD")
	ctx := context.Background()

	_, err := p.OpenOrder(ctx, Order{Symbol: "EURUSD", Side: "BUY", Volume: 0})
	var rerr *RejectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "INVALID_VOLUME", rerr.Code)

	_, err = p.OpenOrder(ctx, Order{Symbol: "EURUSD", Side: "HOLD", Volume: 0.01})
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "INVALID_SIDE", rerr.Code)

	_, err = p.CloseOrder(ctx, "P-999999", "EURUSD", 0.01)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "UNKNOWN_POSITION", rerr.Code)
}

func TestPaper_PartialCloseReducesVolume(t *testing.T) {
	p := NewPaper(10000, "USD")
	ctx := context.Background()

	fill, err := p.OpenOrder(ctx, Order{Symbol: "EURUSD", Side: "BUY", Volume: 0.10})
	require.NoError(t, err)

	_, err = p.CloseOrder(ctx, fill.BrokerRef, "EURUSD", 0.04)
	require.NoError(t, err)

	positions, err := p.Positions(ctx, "EURUSD")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.06, positions[0].Volume, 1e-9)

	// Zero volume closes the remainder
	_, err = p.CloseOrder(ctx, fill.BrokerRef, "EURUSD", 0)
	require.NoError(t, err)

	positions, err = p.Positions(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaper_CloseVolumeExceedingPositionIsRejected(t *testing.T) {
	p := NewPaper(10000, "USD")
	ctx := context.Background()

	fill, err := p.OpenOrder(ctx, Order{Symbol: "EURUSD", Side: "BUY", Volume: 0.01})
	require.NoError(t, err)

	_, err = p.CloseOrder(ctx, fill.BrokerRef, "EURUSD", 0.02)
	var rerr *RejectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "INVALID_VOLUME", rerr.Code)

	// The position is untouched
	positions, err := p.Positions(ctx, "EURUSD")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0.01, positions[0].Volume)
}

func TestPaper_PositionsFilterBySymbol(t *testing.T) {
	p := NewPaper(10000, "USD")
	ctx := context.Background()

	_, err := p.OpenOrder(ctx, Order{Symbol: "EURUSD", Side: "BUY", Volume: 0.01})
	require.NoError(t, err)
	_, err = p.OpenOrder(ctx, Order{Symbol: "GBPUSD", Side: "SELL", Volume: 0.02})
	require.NoError(t, err)

	positions, err := p.Positions(ctx, "GBPUSD")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "GBPUSD", positions[0].Symbol)
}

func TestPaper_AccountSnapshot(t *testing.T) {
	p := NewPaper(10000, "USD")

	acct, err := p.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, acct.Balance)
	assert.Equal(t, "USD", acct.Currency)
}
