package broker

import (
	"context"
	"fmt"

	"github.com/ismaiel54/order-bridge/internal/protocol"
)

// Order is a broker-bound open request, already authorized upstream
type Order struct {
	Symbol     string
	Side       string
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Comment    string
}

// Fill is a successful broker execution
type Fill struct {
	BrokerRef string
	Price     float64
}

// Account is a point-in-time account snapshot
type Account struct {
	Balance    float64
	Equity     float64
	Margin     float64
	FreeMargin float64
	Currency   string
}

// RejectError is a structured broker rejection, distinct from transport or
// infrastructure failures
type RejectError struct {
	Code string
	Msg  string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Broker is the execution-host view of the broker API. Real adapters live
// outside this repository; Paper is the built-in stand-in.
type Broker interface {
	OpenOrder(ctx context.Context, order Order) (Fill, error)
	CloseOrder(ctx context.Context, brokerRef, symbol string, volume float64) (Fill, error)
	Account(ctx context.Context) (Account, error)
	Positions(ctx context.Context, symbol string) ([]protocol.Position, error)
}
