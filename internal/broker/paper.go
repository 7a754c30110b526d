package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ismaiel54/order-bridge/internal/protocol"
)

// Paper is an in-memory broker used when no real adapter is configured and
// as the deterministic fill source in tests. Every valid open fills
// immediately at the requested price (or the last known price when the
// request carries none).
type Paper struct {
	mu        sync.Mutex
	balance   float64
	currency  string
	positions map[string]protocol.Position
	nextRef   int
}

// NewPaper creates a paper broker with the given starting balance
func NewPaper(balance float64, currency string) *Paper {
	return &Paper{
		balance:   balance,
		currency:  currency,
		positions: make(map[string]protocol.Position),
	}
}

// OpenOrder fills the order and tracks the resulting position
func (p *Paper) OpenOrder(ctx context.Context, order Order) (Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if order.Volume <= 0 {
		return Fill{}, &RejectError{Code: "INVALID_VOLUME", Msg: fmt.Sprintf("volume %v must be positive", order.Volume)}
	}
	if !protocol.ValidSide(order.Side) {
		return Fill{}, &RejectError{Code: "INVALID_SIDE", Msg: fmt.Sprintf("unknown side %q", order.Side)}
	}

	price := order.Price
	if price == 0 {
		price = 1.0
	}

	p.nextRef++
	ref := fmt.Sprintf("P-%06d", p.nextRef)
	p.positions[ref] = protocol.Position{
		BrokerRef:          ref,
		Symbol:             order.Symbol,
		Side:               order.Side,
		Volume:             order.Volume,
		OpenPrice:          price,
		CurrentPrice:       price,
		OpenTimeUnixMillis: time.Now().UnixMilli(),
	}

	return Fill{BrokerRef: ref, Price: price}, nil
}

// CloseOrder closes the position identified by brokerRef. A volume below the
// position's closes partially; zero volume closes the whole position.
func (p *Paper) CloseOrder(ctx context.Context, brokerRef, symbol string, volume float64) (Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[brokerRef]
	if !ok {
		return Fill{}, &RejectError{Code: "UNKNOWN_POSITION", Msg: fmt.Sprintf("no open position %s", brokerRef)}
	}
	if symbol != "" && symbol != pos.Symbol {
		return Fill{}, &RejectError{Code: "SYMBOL_MISMATCH", Msg: fmt.Sprintf("position %s is %s, not %s", brokerRef, pos.Symbol, symbol)}
	}
	if volume > pos.Volume {
		return Fill{}, &RejectError{Code: "INVALID_VOLUME", Msg: fmt.Sprintf("close volume %v exceeds position volume %v", volume, pos.Volume)}
	}

	if volume > 0 && volume < pos.Volume {
		pos.Volume -= volume
		p.positions[brokerRef] = pos
		return Fill{BrokerRef: brokerRef, Price: pos.CurrentPrice}, nil
	}

	delete(p.positions, brokerRef)
	p.balance += pos.Profit
	return Fill{BrokerRef: brokerRef, Price: pos.CurrentPrice}, nil
}

// Account returns the current snapshot
func (p *Paper) Account(ctx context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.balance
	for _, pos := range p.positions {
		equity += pos.Profit
	}
	return Account{
		Balance:    p.balance,
		Equity:     equity,
		Margin:     0,
		FreeMargin: equity,
		Currency:   p.currency,
	}, nil
}

// Positions lists open positions, optionally filtered by symbol
func (p *Paper) Positions(ctx context.Context, symbol string) ([]protocol.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]protocol.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}
