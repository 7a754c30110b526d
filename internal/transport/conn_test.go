package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ismaiel54/order-bridge/internal/protocol"
)

// startTestAgent runs a minimal lock-step responder. A nil response from
// handle means "swallow the request", which the client sees as a timeout.
func startTestAgent(t *testing.T, handle func(req *protocol.Request) *protocol.Response) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					frame, err := protocol.ReadFrame(conn)
					if err != nil {
						return
					}
					req, err := protocol.DecodeRequest(frame)
					if err != nil {
						return
					}
					resp := handle(req)
					if resp == nil {
						continue
					}
					data, err := protocol.EncodeResponse(resp)
					if err != nil {
						return
					}
					if err := protocol.WriteFrame(conn, data); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func okResponse(req *protocol.Request) *protocol.Response {
	resp, _ := protocol.NewResponse(req.CorrelationID, protocol.StatusOK, protocol.PongPayload{
		ServerTimeUnixMillis: time.Now().UnixMilli(),
	})
	return resp
}

func pingRequest(t *testing.T, correlationID string) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(correlationID, protocol.ActionPing, protocol.PingRequest{})
	require.NoError(t, err)
	return req
}

func TestSendRequest_RoundTrip(t *testing.T) {
	addr := startTestAgent(t, okResponse)

	conn := New(addr, zap.NewNop())
	defer conn.Disconnect()

	resp, err := conn.SendRequest(context.Background(), pingRequest(t, "corr-1"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, uint64(1), conn.Generation())
	assert.WithinDuration(t, time.Now(), conn.LastActivity(), time.Second)
}

func TestSendRequest_TimeoutRebuildsChannel(t *testing.T) {
	var mu sync.Mutex
	swallowNext := true
	addr := startTestAgent(t, func(req *protocol.Request) *protocol.Response {
		mu.Lock()
		swallow := swallowNext
		swallowNext = false
		mu.Unlock()
		if swallow {
			return nil
		}
		return okResponse(req)
	})

	conn := New(addr, zap.NewNop())
	defer conn.Disconnect()

	// First request is swallowed: the client must classify this as "no
	// response", not failure
	_, err := conn.SendRequest(context.Background(), pingRequest(t, "corr-lost"), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrNoResponse)
	staleGen := conn.Generation()

	// The next exchange must run on a fresh handle, never a second send on
	// the stale one
	resp, err := conn.SendRequest(context.Background(), pingRequest(t, "corr-2"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "corr-2", resp.CorrelationID)
	assert.Greater(t, conn.Generation(), staleGen)
}

func TestSendRequest_DialFailureIsNotAmbiguous(t *testing.T) {
	// Grab a port and close it so nothing is listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	conn := New(addr, zap.NewNop())
	defer conn.Disconnect()

	_, err = conn.SendRequest(context.Background(), pingRequest(t, "corr-x"), time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrNoResponse)
}

func TestSendRequest_DialCappedByCallerTimeout(t *testing.T) {
	// 203.0.113.0/24 is reserved documentation space; connection attempts
	// black-hole on most networks and fail immediately on the rest. Either
	// way the call must return within the caller's timeout, not the full
	// dial timeout.
	conn := New("203.0.113.1:9100", zap.NewNop())
	defer conn.Disconnect()

	start := time.Now()
	_, err := conn.SendRequest(context.Background(), pingRequest(t, "corr-slow"), 200*time.Millisecond)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendRequest_DialBackoffFailsFast(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	conn := New(addr, zap.NewNop())
	defer conn.Disconnect()

	_, err = conn.SendRequest(context.Background(), pingRequest(t, "corr-a"), time.Second)
	require.ErrorIs(t, err, ErrNotConnected)

	// Within the backoff window the second attempt fails without dialing
	start := time.Now()
	_, err = conn.SendRequest(context.Background(), pingRequest(t, "corr-b"), time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestConnect_ClearsBackoff(t *testing.T) {
	var mu sync.Mutex
	started := false

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	conn := New(addr, zap.NewNop())
	defer conn.Disconnect()

	_, err = conn.SendRequest(context.Background(), pingRequest(t, "corr-a"), time.Second)
	require.ErrorIs(t, err, ErrNotConnected)

	// Bring an agent up on the same port
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port %s no longer available: %v", addr, err)
	}
	t.Cleanup(func() { ln2.Close() })
	go func() {
		for {
			c, err := ln2.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			started = true
			mu.Unlock()
			go func(c net.Conn) {
				defer c.Close()
				for {
					frame, err := protocol.ReadFrame(c)
					if err != nil {
						return
					}
					req, err := protocol.DecodeRequest(frame)
					if err != nil {
						return
					}
					data, _ := protocol.EncodeResponse(okResponse(req))
					if err := protocol.WriteFrame(c, data); err != nil {
						return
					}
				}
			}(c)
		}
	}()

	// Explicit connect bypasses the redial backoff window
	require.NoError(t, conn.Connect())

	resp, err := conn.SendRequest(context.Background(), pingRequest(t, "corr-b"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "corr-b", resp.CorrelationID)

	mu.Lock()
	assert.True(t, started)
	mu.Unlock()
}

func TestSendRequest_SerializesConcurrentCallers(t *testing.T) {
	addr := startTestAgent(t, okResponse)

	conn := New(addr, zap.NewNop())
	defer conn.Disconnect()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	resps := make([]*protocol.Response, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("corr-%d", i)
			resps[i], errs[i] = conn.SendRequest(context.Background(), pingRequest(t, id), 2*time.Second)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("corr-%d", i), resps[i].CorrelationID)
	}
	// All exchanges shared one serialized channel
	assert.Equal(t, uint64(1), conn.Generation())
}
