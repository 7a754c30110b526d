package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ismaiel54/order-bridge/internal/auth"
	"github.com/ismaiel54/order-bridge/internal/broker"
	"github.com/ismaiel54/order-bridge/internal/dedupe"
	"github.com/ismaiel54/order-bridge/internal/protocol"
)

// Server terminates the lock-step channel on the execution host: it enforces
// the source allowlist, dispatches by action, verifies order authorization
// and forwards authorized orders to the broker. Duplicate order deliveries
// are answered with the recorded first response.
type Server struct {
	addr     string
	allowed  map[string]struct{}
	verifier *auth.Verifier
	broker   broker.Broker
	store    *dedupe.Store
	logger   *zap.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New creates a server. An empty allowlist admits any source host.
func New(addr string, allowedHosts []string, verifier *auth.Verifier, b broker.Broker, store *dedupe.Store, logger *zap.Logger) *Server {
	var allowed map[string]struct{}
	if len(allowedHosts) > 0 {
		allowed = make(map[string]struct{}, len(allowedHosts))
		for _, h := range allowedHosts {
			allowed[h] = struct{}{}
		}
	}
	return &Server{
		addr:     addr,
		allowed:  allowed,
		verifier: verifier,
		broker:   b,
		store:    store,
		logger:   logger,
	}
}

// Start binds the listener
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("protocol server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until the listener is closed
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server not started")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if !s.sourceAllowed(conn) {
			s.logger.Warn("connection from disallowed source refused",
				zap.String("remote_addr", conn.RemoteAddr().String()),
				zap.String("code", protocol.CodeForbiddenSource),
			)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops the listener and waits for in-flight connections
func (s *Server) Close() {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) sourceAllowed(conn net.Conn) bool {
	if s.allowed == nil {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	_, ok := s.allowed[host]
	return ok
}

// handleConn runs the lock-step read-dispatch-write loop for one channel
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.logger.Info("channel opened", zap.String("remote_addr", remote))

	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			s.logger.Info("channel closed",
				zap.String("remote_addr", remote),
				zap.Error(err),
			)
			return
		}

		resp := s.handleFrame(ctx, frame, remote)

		data, err := protocol.EncodeResponse(resp)
		if err != nil {
			s.logger.Error("failed to encode response", zap.Error(err))
			return
		}
		if err := protocol.WriteFrame(conn, data); err != nil {
			s.logger.Warn("failed to write response",
				zap.String("remote_addr", remote),
				zap.Error(err),
			)
			return
		}
	}
}

// handleFrame decodes and dispatches one request. Protocol violations come
// back as structured rejections so the channel stays usable.
func (s *Server) handleFrame(ctx context.Context, frame []byte, remote string) *protocol.Response {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		var perr *protocol.Error
		code, msg := protocol.CodeMalformed, err.Error()
		if errors.As(err, &perr) {
			code, msg = perr.Code, perr.Msg
		}
		correlationID := ""
		if req != nil {
			correlationID = req.CorrelationID
		}
		s.logger.Warn("rejecting malformed request",
			zap.String("remote_addr", remote),
			zap.String("correlation_id", correlationID),
			zap.String("code", code),
		)
		return protocol.NewRejection(correlationID, protocol.StatusError, code, msg)
	}

	switch req.Action {
	case protocol.ActionPing:
		return s.handlePing(req, remote)
	case protocol.ActionOrderOpen:
		return s.handleOrderOpen(ctx, req, remote)
	case protocol.ActionOrderClose:
		return s.handleOrderClose(ctx, req, remote)
	case protocol.ActionAccountQuery:
		return s.handleAccountQuery(ctx, req, remote)
	case protocol.ActionPositionsQuery:
		return s.handlePositionsQuery(ctx, req, remote)
	default:
		return protocol.NewRejection(req.CorrelationID, protocol.StatusError,
			protocol.CodeUnsupportedAction, fmt.Sprintf("unsupported action %q", req.Action))
	}
}

func (s *Server) handlePing(req *protocol.Request, remote string) *protocol.Response {
	now := time.Now()
	pong := protocol.PongPayload{
		ServerTimeUnixMillis: now.UnixMilli(),
		LatencyMs:            float64(now.UnixMilli() - req.TsUnixMillis),
	}
	s.logger.Debug("ping",
		zap.String("remote_addr", remote),
		zap.String("correlation_id", req.CorrelationID),
	)
	resp, err := protocol.NewResponse(req.CorrelationID, protocol.StatusOK, pong)
	if err != nil {
		return protocol.NewRejection(req.CorrelationID, protocol.StatusError, protocol.CodeMalformed, err.Error())
	}
	return resp
}

func (s *Server) handleOrderOpen(ctx context.Context, req *protocol.Request, remote string) *protocol.Response {
	var order protocol.OrderOpenRequest
	if err := req.DecodePayload(&order); err != nil {
		return s.rejectionFor(req, err)
	}

	// Duplicate delivery echoes the recorded first response, never a
	// second fill.
	if prior := s.lookupPrior(ctx, req); prior != nil {
		return prior
	}

	if err := s.verifier.Verify(order.Authorization, auth.FieldsFromOrder(&order), time.Now()); err != nil {
		var aerr *auth.Error
		code, msg := protocol.CodeInvalidAuth, err.Error()
		if errors.As(err, &aerr) {
			code, msg = aerr.Code, aerr.Msg
		}
		s.logger.Warn("order authorization rejected",
			zap.String("remote_addr", remote),
			zap.String("correlation_id", req.CorrelationID),
			zap.String("symbol", order.Symbol),
			zap.String("side", order.Side),
			zap.Float64("volume", order.Volume),
			zap.String("code", code),
			zap.String("detail", msg),
		)
		resp := protocol.NewRejection(req.CorrelationID, protocol.StatusRejected, code, msg)
		s.record(ctx, req, resp)
		return resp
	}

	fill, err := s.broker.OpenOrder(ctx, broker.Order{
		Symbol:     order.Symbol,
		Side:       order.Side,
		Volume:     order.Volume,
		Price:      order.Price,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		Comment:    order.Comment,
	})
	resp := s.orderResponse(req, fill, err)
	s.record(ctx, req, resp)

	s.logger.Info("order open handled",
		zap.String("remote_addr", remote),
		zap.String("correlation_id", req.CorrelationID),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.Float64("volume", order.Volume),
		zap.String("status", resp.Status),
		zap.String("error_code", resp.ErrorCode),
	)
	return resp
}

func (s *Server) handleOrderClose(ctx context.Context, req *protocol.Request, remote string) *protocol.Response {
	var closeReq protocol.OrderCloseRequest
	if err := req.DecodePayload(&closeReq); err != nil {
		return s.rejectionFor(req, err)
	}

	if prior := s.lookupPrior(ctx, req); prior != nil {
		return prior
	}

	fill, err := s.broker.CloseOrder(ctx, closeReq.BrokerRef, closeReq.Symbol, closeReq.Volume)
	resp := s.orderResponse(req, fill, err)
	s.record(ctx, req, resp)

	s.logger.Info("order close handled",
		zap.String("remote_addr", remote),
		zap.String("correlation_id", req.CorrelationID),
		zap.String("broker_ref", closeReq.BrokerRef),
		zap.String("symbol", closeReq.Symbol),
		zap.String("status", resp.Status),
		zap.String("error_code", resp.ErrorCode),
	)
	return resp
}

func (s *Server) handleAccountQuery(ctx context.Context, req *protocol.Request, remote string) *protocol.Response {
	acct, err := s.broker.Account(ctx)
	if err != nil {
		return protocol.NewRejection(req.CorrelationID, protocol.StatusError, protocol.CodeBrokerRejected, err.Error())
	}
	payload := protocol.AccountPayload{
		Balance:      acct.Balance,
		Equity:       acct.Equity,
		Margin:       acct.Margin,
		FreeMargin:   acct.FreeMargin,
		Currency:     acct.Currency,
		TsUnixMillis: time.Now().UnixMilli(),
	}
	s.logger.Debug("account query",
		zap.String("remote_addr", remote),
		zap.String("correlation_id", req.CorrelationID),
	)
	resp, err := protocol.NewResponse(req.CorrelationID, protocol.StatusOK, payload)
	if err != nil {
		return protocol.NewRejection(req.CorrelationID, protocol.StatusError, protocol.CodeMalformed, err.Error())
	}
	return resp
}

func (s *Server) handlePositionsQuery(ctx context.Context, req *protocol.Request, remote string) *protocol.Response {
	var query protocol.PositionsQueryRequest
	if len(req.Payload) > 0 {
		if err := req.DecodePayload(&query); err != nil {
			return s.rejectionFor(req, err)
		}
	}

	positions, err := s.broker.Positions(ctx, query.Symbol)
	if err != nil {
		return protocol.NewRejection(req.CorrelationID, protocol.StatusError, protocol.CodeBrokerRejected, err.Error())
	}
	s.logger.Debug("positions query",
		zap.String("remote_addr", remote),
		zap.String("correlation_id", req.CorrelationID),
		zap.String("symbol", query.Symbol),
		zap.Int("count", len(positions)),
	)
	resp, err := protocol.NewResponse(req.CorrelationID, protocol.StatusOK, protocol.PositionsPayload{Positions: positions})
	if err != nil {
		return protocol.NewRejection(req.CorrelationID, protocol.StatusError, protocol.CodeMalformed, err.Error())
	}
	return resp
}

// lookupPrior returns the recorded response for an already-seen correlation
// id, with the order payload re-marked as a duplicate echo
func (s *Server) lookupPrior(ctx context.Context, req *protocol.Request) *protocol.Response {
	prior, found, err := s.store.Lookup(ctx, req.CorrelationID)
	if err != nil {
		s.logger.Error("dedupe lookup failed",
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err),
		)
		return nil
	}
	if !found {
		return nil
	}

	s.logger.Info("duplicate delivery, echoing recorded response",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("status", prior.Status),
	)

	if len(prior.Payload) > 0 {
		var payload protocol.OrderPayload
		if err := prior.DecodePayload(&payload); err == nil {
			payload.Duplicate = true
			if marked, err := protocol.NewResponse(prior.CorrelationID, prior.Status, payload); err == nil {
				return marked
			}
		}
	}
	return prior
}

// orderResponse maps a broker result onto the wire contract
func (s *Server) orderResponse(req *protocol.Request, fill broker.Fill, err error) *protocol.Response {
	if err != nil {
		var rerr *broker.RejectError
		if errors.As(err, &rerr) {
			return protocol.NewRejection(req.CorrelationID, protocol.StatusRejected, rerr.Code, rerr.Msg)
		}
		return protocol.NewRejection(req.CorrelationID, protocol.StatusRejected, protocol.CodeBrokerRejected, err.Error())
	}

	resp, rerr := protocol.NewResponse(req.CorrelationID, protocol.StatusFilled, protocol.OrderPayload{
		BrokerRef: fill.BrokerRef,
		FillPrice: fill.Price,
	})
	if rerr != nil {
		return protocol.NewRejection(req.CorrelationID, protocol.StatusError, protocol.CodeMalformed, rerr.Error())
	}
	return resp
}

func (s *Server) rejectionFor(req *protocol.Request, err error) *protocol.Response {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return protocol.NewRejection(req.CorrelationID, protocol.StatusError, perr.Code, perr.Msg)
	}
	return protocol.NewRejection(req.CorrelationID, protocol.StatusError, protocol.CodeMalformed, err.Error())
}

// record stores an order response for duplicate-delivery echoes
func (s *Server) record(ctx context.Context, req *protocol.Request, resp *protocol.Response) {
	if err := s.store.Record(ctx, req.CorrelationID, req.Action, resp); err != nil {
		s.logger.Error("failed to record response",
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err),
		)
	}
}
