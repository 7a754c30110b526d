package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ismaiel54/order-bridge/internal/breaker"
	"github.com/ismaiel54/order-bridge/internal/protocol"
	"github.com/ismaiel54/order-bridge/internal/transport"
)

// Outcome is the three-way classification of an order round trip. Silence is
// never coerced into success or failure.
type Outcome string

const (
	OutcomeFilled           Outcome = "FILLED"
	OutcomeRejected         Outcome = "REJECTED"
	OutcomeAmbiguousTimeout Outcome = "AMBIGUOUS_TIMEOUT"
)

// Local rejection codes, produced without any network call
const (
	CodeBreakerEngaged    = "BREAKER_ENGAGED"
	CodeReconcileRequired = "RECONCILE_REQUIRED"
	CodeInvalidOrder      = "INVALID_ORDER"
	CodeNoConnection      = "NO_CONNECTION"
)

// Intent is a trading decision handed over by the strategy, with the
// authorization token already obtained from the risk collaborator
type Intent struct {
	Symbol        string
	Side          string
	Volume        float64
	Price         float64
	StopLoss      float64
	TakeProfit    float64
	Comment       string
	Authorization string
}

// OrderResult is the caller-owned outcome of one trading intent
type OrderResult struct {
	CorrelationID string  `json:"correlation_id"`
	Outcome       Outcome `json:"outcome"`
	BrokerRef     string  `json:"broker_ref,omitempty"`
	FillPrice     float64 `json:"fill_price,omitempty"`
	Code          string  `json:"code,omitempty"`
	Detail        string  `json:"detail,omitempty"`
	Duplicate     bool    `json:"duplicate,omitempty"`
	TsUnixMillis  int64   `json:"ts_unix_millis"`
}

// Transport is the slice of the connection the executor needs
type Transport interface {
	SendRequest(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error)
}

// ResultSink receives every OrderResult for external reporting
type ResultSink interface {
	PublishResult(ctx context.Context, result OrderResult) error
}

// NopSink discards results
type NopSink struct{}

func (NopSink) PublishResult(context.Context, OrderResult) error { return nil }

// Executor turns trading intents into broker orders over the bridge. Each
// intent gets a fresh correlation id; outcomes are FILLED, REJECTED or
// AMBIGUOUS_TIMEOUT. An ambiguous outcome latches the symbol until a
// positions query succeeds, so callers cannot resubmit blind.
type Executor struct {
	conn         Transport
	breaker      *breaker.Breaker
	sink         ResultSink
	orderTimeout time.Duration
	logger       *zap.Logger

	mu               sync.Mutex
	pendingReconcile map[string]string // symbol -> ambiguous correlation id
}

// New creates an executor
func New(conn Transport, brk *breaker.Breaker, sink ResultSink, orderTimeout time.Duration, logger *zap.Logger) *Executor {
	if sink == nil {
		sink = NopSink{}
	}
	return &Executor{
		conn:             conn,
		breaker:          brk,
		sink:             sink,
		orderTimeout:     orderTimeout,
		logger:           logger,
		pendingReconcile: make(map[string]string),
	}
}

// ExecuteOrder submits an ORDER_OPEN for the intent
func (e *Executor) ExecuteOrder(ctx context.Context, intent Intent) OrderResult {
	correlationID := uuid.New().String()

	if detail, ok := validateIntent(intent); !ok {
		e.logger.Warn("order rejected locally, invalid intent",
			zap.String("correlation_id", shortID(correlationID)),
			zap.String("detail", detail),
		)
		return e.finish(ctx, localReject(correlationID, CodeInvalidOrder, detail))
	}

	if e.breaker.Engaged() {
		e.logger.Warn("order rejected locally, circuit breaker engaged",
			zap.String("correlation_id", shortID(correlationID)),
			zap.String("reason", e.breaker.Reason()),
		)
		return e.finish(ctx, localReject(correlationID, CodeBreakerEngaged,
			"circuit breaker engaged: "+e.breaker.Reason()))
	}

	if pending, latched := e.PendingReconciliation(intent.Symbol); latched {
		e.logger.Warn("order rejected locally, symbol awaiting reconciliation",
			zap.String("correlation_id", shortID(correlationID)),
			zap.String("symbol", intent.Symbol),
			zap.String("pending_correlation_id", shortID(pending)),
		)
		return e.finish(ctx, localReject(correlationID, CodeReconcileRequired,
			fmt.Sprintf("symbol %s has an unresolved ambiguous order %s", intent.Symbol, shortID(pending))))
	}

	req, err := protocol.NewRequest(correlationID, protocol.ActionOrderOpen, protocol.OrderOpenRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Volume:        intent.Volume,
		Price:         intent.Price,
		StopLoss:      intent.StopLoss,
		TakeProfit:    intent.TakeProfit,
		Comment:       intent.Comment,
		Authorization: intent.Authorization,
	})
	if err != nil {
		return e.finish(ctx, localReject(correlationID, CodeInvalidOrder, err.Error()))
	}

	resp, err := e.conn.SendRequest(ctx, req, e.orderTimeout)
	return e.finish(ctx, e.classify(correlationID, intent.Symbol, resp, err))
}

// CloseOrder submits an ORDER_CLOSE for an open position
func (e *Executor) CloseOrder(ctx context.Context, brokerRef, symbol string, volume float64) OrderResult {
	correlationID := uuid.New().String()

	if e.breaker.Engaged() {
		e.logger.Warn("close rejected locally, circuit breaker engaged",
			zap.String("correlation_id", shortID(correlationID)),
			zap.String("reason", e.breaker.Reason()),
		)
		return e.finish(ctx, localReject(correlationID, CodeBreakerEngaged,
			"circuit breaker engaged: "+e.breaker.Reason()))
	}

	req, err := protocol.NewRequest(correlationID, protocol.ActionOrderClose, protocol.OrderCloseRequest{
		BrokerRef: brokerRef,
		Symbol:    symbol,
		Volume:    volume,
	})
	if err != nil {
		return e.finish(ctx, localReject(correlationID, CodeInvalidOrder, err.Error()))
	}

	resp, err := e.conn.SendRequest(ctx, req, e.orderTimeout)
	return e.finish(ctx, e.classify(correlationID, symbol, resp, err))
}

// QueryAccount fetches the account snapshot
func (e *Executor) QueryAccount(ctx context.Context) (protocol.AccountPayload, error) {
	correlationID := uuid.New().String()
	req, err := protocol.NewRequest(correlationID, protocol.ActionAccountQuery, protocol.AccountQueryRequest{})
	if err != nil {
		return protocol.AccountPayload{}, err
	}

	resp, err := e.conn.SendRequest(ctx, req, e.orderTimeout)
	if err != nil {
		return protocol.AccountPayload{}, fmt.Errorf("account query failed: %w", err)
	}
	if resp.Status != protocol.StatusOK {
		return protocol.AccountPayload{}, fmt.Errorf("account query rejected: %s: %s", resp.ErrorCode, resp.ErrorMsg)
	}

	var acct protocol.AccountPayload
	if err := resp.DecodePayload(&acct); err != nil {
		return protocol.AccountPayload{}, err
	}
	return acct, nil
}

// QueryPositions fetches open positions, optionally filtered by symbol. A
// successful query resolves the reconciliation latch for the queried scope.
func (e *Executor) QueryPositions(ctx context.Context, symbol string) ([]protocol.Position, error) {
	correlationID := uuid.New().String()
	req, err := protocol.NewRequest(correlationID, protocol.ActionPositionsQuery, protocol.PositionsQueryRequest{Symbol: symbol})
	if err != nil {
		return nil, err
	}

	resp, err := e.conn.SendRequest(ctx, req, e.orderTimeout)
	if err != nil {
		return nil, fmt.Errorf("positions query failed: %w", err)
	}
	if resp.Status != protocol.StatusOK {
		return nil, fmt.Errorf("positions query rejected: %s: %s", resp.ErrorCode, resp.ErrorMsg)
	}

	var payload protocol.PositionsPayload
	if err := resp.DecodePayload(&payload); err != nil {
		return nil, err
	}

	e.resolveReconciliation(symbol)
	return payload.Positions, nil
}

// LatchedSymbols returns the symbols blocked behind unresolved ambiguous
// orders, sorted for stable logging
func (e *Executor) LatchedSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.pendingReconcile))
	for symbol := range e.pendingReconcile {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// ReconcilePending issues a positions query for every latched symbol. Each
// successful query clears that symbol's latch; failures leave it in place
// for the next pass.
func (e *Executor) ReconcilePending(ctx context.Context) {
	for _, symbol := range e.LatchedSymbols() {
		if _, err := e.QueryPositions(ctx, symbol); err != nil {
			e.logger.Warn("reconciliation query failed",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			continue
		}
		e.logger.Info("symbol reconciled, order flow unblocked",
			zap.String("symbol", symbol),
		)
	}
}

// RunReconciler clears reconciliation latches on a timer until ctx is
// cancelled. Queries are skipped while the breaker is engaged; an engaged
// breaker means connectivity is not trusted yet.
func (e *Executor) RunReconciler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.breaker.Engaged() {
				continue
			}
			e.ReconcilePending(ctx)
		}
	}
}

// PendingReconciliation reports whether the symbol is latched behind an
// unresolved ambiguous order
func (e *Executor) PendingReconciliation(symbol string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.pendingReconcile[symbol]
	return id, ok
}

func (e *Executor) latchReconciliation(symbol, correlationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pendingReconcile[symbol]; !exists {
		e.pendingReconcile[symbol] = correlationID
	}
}

func (e *Executor) resolveReconciliation(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if symbol == "" {
		e.pendingReconcile = make(map[string]string)
		return
	}
	delete(e.pendingReconcile, symbol)
}

// classify maps a transport outcome onto the three-way result
func (e *Executor) classify(correlationID, symbol string, resp *protocol.Response, err error) OrderResult {
	now := time.Now().UnixMilli()

	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			// Never sent, safe to report as a definitive rejection.
			e.logger.Warn("order rejected, no connection to agent",
				zap.String("correlation_id", shortID(correlationID)),
				zap.Error(err),
			)
			return OrderResult{
				CorrelationID: correlationID,
				Outcome:       OutcomeRejected,
				Code:          CodeNoConnection,
				Detail:        err.Error(),
				TsUnixMillis:  now,
			}
		}

		// The request may have reached the agent; the outcome is unknown
		// until the caller reconciles. Logged above ordinary rejections
		// because it needs operator attention.
		e.latchReconciliation(symbol, correlationID)
		e.logger.Error("order outcome ambiguous, reconciliation required before retry",
			zap.String("correlation_id", shortID(correlationID)),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return OrderResult{
			CorrelationID: correlationID,
			Outcome:       OutcomeAmbiguousTimeout,
			Detail:        err.Error(),
			TsUnixMillis:  now,
		}
	}

	switch resp.Status {
	case protocol.StatusFilled:
		var payload protocol.OrderPayload
		if err := resp.DecodePayload(&payload); err != nil {
			e.latchReconciliation(symbol, correlationID)
			e.logger.Error("fill response undecodable, treating as ambiguous",
				zap.String("correlation_id", shortID(correlationID)),
				zap.Error(err),
			)
			return OrderResult{
				CorrelationID: correlationID,
				Outcome:       OutcomeAmbiguousTimeout,
				Detail:        err.Error(),
				TsUnixMillis:  now,
			}
		}
		e.logger.Info("order filled",
			zap.String("correlation_id", shortID(correlationID)),
			zap.String("broker_ref", payload.BrokerRef),
			zap.Float64("fill_price", payload.FillPrice),
			zap.Bool("duplicate", payload.Duplicate),
		)
		return OrderResult{
			CorrelationID: correlationID,
			Outcome:       OutcomeFilled,
			BrokerRef:     payload.BrokerRef,
			FillPrice:     payload.FillPrice,
			Duplicate:     payload.Duplicate,
			TsUnixMillis:  now,
		}

	default:
		e.logger.Warn("order rejected by agent",
			zap.String("correlation_id", shortID(correlationID)),
			zap.String("code", resp.ErrorCode),
			zap.String("detail", resp.ErrorMsg),
		)
		return OrderResult{
			CorrelationID: correlationID,
			Outcome:       OutcomeRejected,
			Code:          resp.ErrorCode,
			Detail:        resp.ErrorMsg,
			TsUnixMillis:  now,
		}
	}
}

// finish forwards the result to the reporting sink and returns it
func (e *Executor) finish(ctx context.Context, result OrderResult) OrderResult {
	if err := e.sink.PublishResult(ctx, result); err != nil {
		e.logger.Error("failed to publish order result",
			zap.String("correlation_id", shortID(result.CorrelationID)),
			zap.Error(err),
		)
	}
	return result
}

// validateIntent enforces the local preconditions; failures never reach the
// network
func validateIntent(intent Intent) (string, bool) {
	if !protocol.ValidSide(intent.Side) {
		return fmt.Sprintf("unknown side %q", intent.Side), false
	}
	if intent.Volume <= 0 {
		return fmt.Sprintf("volume %v must be positive", intent.Volume), false
	}
	if intent.Authorization == "" {
		return "authorization token is required", false
	}
	return "", true
}

func localReject(correlationID, code, detail string) OrderResult {
	return OrderResult{
		CorrelationID: correlationID,
		Outcome:       OutcomeRejected,
		Code:          code,
		Detail:        detail,
		TsUnixMillis:  time.Now().UnixMilli(),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
