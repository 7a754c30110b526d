package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ismaiel54/order-bridge/internal/auth"
	"github.com/ismaiel54/order-bridge/internal/broker"
	"github.com/ismaiel54/order-bridge/internal/dedupe"
	"github.com/ismaiel54/order-bridge/internal/protocol"
	"github.com/ismaiel54/order-bridge/internal/transport"
)

const testSecret = "test-secret"

type testAgent struct {
	server     *Server
	broker     *broker.Paper
	authorizer *auth.Authorizer
}

// startAgent boots a full agent (server, paper broker, dedupe store) on a
// loopback port and returns it with a matching token issuer.
func startAgent(t *testing.T, allowedHosts []string) *testAgent {
	t.Helper()

	store, err := dedupe.Open(filepath.Join(t.TempDir(), "seen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	paper := broker.NewPaper(10000, "USD")
	verifier := auth.NewVerifier(testSecret, 2*time.Second)

	srv := New("127.0.0.1:0", allowedHosts, verifier, paper, store, zap.NewNop())
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	return &testAgent{
		server:     srv,
		broker:     paper,
		authorizer: auth.NewAuthorizer(testSecret),
	}
}

func dialAgent(t *testing.T, agent *testAgent) *transport.Conn {
	t.Helper()
	conn := transport.New(agent.server.Addr(), zap.NewNop())
	require.NoError(t, conn.Connect())
	t.Cleanup(func() { conn.Disconnect() })
	return conn
}

func (a *testAgent) authorizedOrder(issuedAt time.Time) protocol.OrderOpenRequest {
	order := protocol.OrderOpenRequest{
		Symbol: "EURUSD",
		Side:   protocol.SideBuy,
		Volume: 0.01,
		Price:  1.0850,
	}
	order.Authorization = a.authorizer.Issue(auth.FieldsFromOrder(&order), issuedAt)
	return order
}

func sendOrderOpen(t *testing.T, conn *transport.Conn, correlationID string, order protocol.OrderOpenRequest) *protocol.Response {
	t.Helper()
	req, err := protocol.NewRequest(correlationID, protocol.ActionOrderOpen, order)
	require.NoError(t, err)
	resp, err := conn.SendRequest(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	return resp
}

func TestOrderOpen_AuthorizedOrderIsFilled(t *testing.T) {
	agent := startAgent(t, nil)
	conn := dialAgent(t, agent)

	resp := sendOrderOpen(t, conn, uuid.New().String(), agent.authorizedOrder(time.Now()))

	assert.Equal(t, protocol.StatusFilled, resp.Status)

	var payload protocol.OrderPayload
	require.NoError(t, resp.DecodePayload(&payload))
	assert.NotEmpty(t, payload.BrokerRef)
	assert.False(t, payload.Duplicate)

	positions, err := agent.broker.Positions(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestOrderOpen_DuplicateDeliveryEchoesFirstFill(t *testing.T) {
	agent := startAgent(t, nil)
	conn := dialAgent(t, agent)

	correlationID := uuid.New().String()
	order := agent.authorizedOrder(time.Now())

	first := sendOrderOpen(t, conn, correlationID, order)
	require.Equal(t, protocol.StatusFilled, first.Status)
	var firstPayload protocol.OrderPayload
	require.NoError(t, first.DecodePayload(&firstPayload))

	second := sendOrderOpen(t, conn, correlationID, order)
	assert.Equal(t, protocol.StatusFilled, second.Status)
	var secondPayload protocol.OrderPayload
	require.NoError(t, second.DecodePayload(&secondPayload))

	assert.Equal(t, firstPayload.BrokerRef, secondPayload.BrokerRef)
	assert.True(t, secondPayload.Duplicate)

	// Exactly one position was opened
	positions, err := agent.broker.Positions(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestOrderOpen_DuplicateRejectionIsAlsoEchoed(t *testing.T) {
	agent := startAgent(t, nil)
	conn := dialAgent(t, agent)

	correlationID := uuid.New().String()
	order := protocol.OrderOpenRequest{
		Symbol: "EURUSD",
		Side:   protocol.SideBuy,
		Volume: -1,
	}
	order.Authorization = agent.authorizer.Issue(auth.FieldsFromOrder(&order), time.Now())

	first := sendOrderOpen(t, conn, correlationID, order)
	require.Equal(t, protocol.StatusRejected, first.Status)

	second := sendOrderOpen(t, conn, correlationID, order)
	assert.Equal(t, protocol.StatusRejected, second.Status)
	assert.Equal(t, first.ErrorCode, second.ErrorCode)
}

func TestOrderOpen_ExpiredAuthorization(t *testing.T) {
	agent := startAgent(t, nil)
	conn := dialAgent(t, agent)

	// Valid checksum, stale issue time
	order := agent.authorizedOrder(time.Now().Add(-10 * time.Second))

	resp := sendOrderOpen(t, conn, uuid.New().String(), order)

	assert.Equal(t, protocol.StatusRejected, resp.Status)
	assert.Equal(t, protocol.CodeExpiredAuth, resp.ErrorCode)

	positions, err := agent.broker.Positions(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Empty(t, positions, "an expired token must never reach the broker")
}

func TestOrderOpen_MissingAuthorization(t *testing.T) {
	agent := startAgent(t, nil)
	conn := dialAgent(t, agent)

	order := agent.authorizedOrder(time.Now())
	order.Authorization = ""

	resp := sendOrderOpen(t, conn, uuid.New().String(), order)

	assert.Equal(t, protocol.StatusRejected, resp.Status)
	assert.Equal(t, protocol.CodeMissingAuth, resp.ErrorCode)
}

func TestOrderOpen_TamperedOrderFailsChecksum(t *testing.T) {
	agent := startAgent(t, nil)
	conn := dialAgent(t, agent)

	// Token was issued for 0.01 lots, order asks for 1.0
	order := agent.authorizedOrder(time.Now())
	order.Volume = 1.0

	resp := sendOrderOpen(t, conn, uuid.New().String(), order)

	assert.Equal(t, protocol.StatusRejected, resp.Status)
	assert.Equal(t, protocol.CodeInvalidAuth, resp.ErrorCode)
}

func TestUnsupportedAction_ChannelStaysOpen(t *testing.T) {
	agent := startAgent(t, nil)
	conn := dialAgent(t, agent)

	correlationID := uuid.New().String()
	req := &protocol.Request{
		CorrelationID: correlationID,
		Action:        "TRADE_HALT",
		TsUnixMillis:  time.Now().UnixMilli(),
	}
	resp, err := conn.SendRequest(context.Background(), req, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.CodeUnsupportedAction, resp.ErrorCode)
	assert.Equal(t, correlationID, resp.CorrelationID)

	// The same channel still serves well-formed requests
	resp = sendOrderOpen(t, conn, uuid.New().String(), agent.authorizedOrder(time.Now()))
	assert.Equal(t, protocol.StatusFilled, resp.Status)
}

func TestPing_RoundTrip(t *testing.T) {
	agent := startAgent(t, nil)
	conn := dialAgent(t, agent)

	req, err := protocol.NewRequest(uuid.New().String(), protocol.ActionPing, protocol.PingRequest{})
	require.NoError(t, err)
	resp, err := conn.SendRequest(context.Background(), req, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusOK, resp.Status)

	var pong protocol.PongPayload
	require.NoError(t, resp.DecodePayload(&pong))
	assert.NotZero(t, pong.ServerTimeUnixMillis)
}

func TestQueries_BypassAuthorization(t *testing.T) {
	agent := startAgent(t, nil)
	conn := dialAgent(t, agent)

	req, err := protocol.NewRequest(uuid.New().String(), protocol.ActionAccountQuery, protocol.AccountQueryRequest{})
	require.NoError(t, err)
	resp, err := conn.SendRequest(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, resp.Status)

	var acct protocol.AccountPayload
	require.NoError(t, resp.DecodePayload(&acct))
	assert.Equal(t, 10000.0, acct.Balance)
	assert.Equal(t, "USD", acct.Currency)

	req, err = protocol.NewRequest(uuid.New().String(), protocol.ActionPositionsQuery, protocol.PositionsQueryRequest{})
	require.NoError(t, err)
	resp, err = conn.SendRequest(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Status)
}

func TestSourceAllowlist_RefusesDisallowedHost(t *testing.T) {
	// Loopback clients arrive as 127.0.0.1, which this allowlist excludes
	agent := startAgent(t, []string{"192.0.2.10"})

	conn := transport.New(agent.server.Addr(), zap.NewNop())
	t.Cleanup(func() { conn.Disconnect() })

	req, err := protocol.NewRequest(uuid.New().String(), protocol.ActionPing, protocol.PingRequest{})
	require.NoError(t, err)

	_, err = conn.SendRequest(context.Background(), req, time.Second)
	require.Error(t, err, "the server must close channels from disallowed sources")
}

func TestSourceAllowlist_AdmitsListedHost(t *testing.T) {
	agent := startAgent(t, []string{"127.0.0.1", "::1"})
	conn := dialAgent(t, agent)

	resp := sendOrderOpen(t, conn, uuid.New().String(), agent.authorizedOrder(time.Now()))
	assert.Equal(t, protocol.StatusFilled, resp.Status)
}
