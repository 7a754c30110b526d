package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ismaiel54/order-bridge/internal/auth"
	"github.com/ismaiel54/order-bridge/internal/breaker"
	"github.com/ismaiel54/order-bridge/internal/config"
	"github.com/ismaiel54/order-bridge/internal/executor"
	"github.com/ismaiel54/order-bridge/internal/logging"
	"github.com/ismaiel54/order-bridge/internal/protocol"
	"github.com/ismaiel54/order-bridge/internal/transport"
)

// bridge-cli is a one-shot operator tool against a running bridge-agent:
//
//	bridge-cli -action ping
//	bridge-cli -action open -symbol EURUSD -side BUY -volume 0.01
//	bridge-cli -action close -ref P-000001 -symbol EURUSD -volume 0.01
//	bridge-cli -action account
//	bridge-cli -action positions -symbol EURUSD
func main() {
	var (
		action  = flag.String("action", "ping", "ping | open | close | account | positions")
		symbol  = flag.String("symbol", "", "trading symbol")
		side    = flag.String("side", "BUY", "BUY or SELL")
		volume  = flag.Float64("volume", 0, "order volume")
		price   = flag.Float64("price", 0, "limit price, 0 for market")
		stop    = flag.Float64("sl", 0, "stop loss")
		target  = flag.Float64("tp", 0, "take profit")
		ref     = flag.String("ref", "", "broker reference for close")
		comment = flag.String("comment", "bridge-cli", "order comment")
	)
	flag.Parse()

	cfg := config.LoadConfig("bridge-cli")

	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	conn := transport.New(cfg.AgentAddr, logger)
	defer conn.Disconnect()

	if err := conn.Connect(); err != nil {
		logger.Fatal("failed to connect to agent", zap.String("addr", cfg.AgentAddr), zap.Error(err))
	}

	brk := breaker.New(logger)
	exec := executor.New(conn, brk, executor.NopSink{}, cfg.OrderTimeout, logger)
	authorizer := auth.NewAuthorizer(cfg.AuthSecret)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch *action {
	case "ping":
		req, err := protocol.NewRequest(uuid.New().String(), protocol.ActionPing, protocol.PingRequest{})
		if err != nil {
			logger.Fatal("failed to build ping", zap.Error(err))
		}
		resp, err := conn.SendRequest(ctx, req, cfg.PingTimeout)
		if err != nil {
			logger.Fatal("ping failed", zap.Error(err))
		}
		var pong protocol.PongPayload
		if err := resp.DecodePayload(&pong); err != nil {
			logger.Fatal("bad pong payload", zap.Error(err))
		}
		render(pong)

	case "open":
		token := authorizer.Issue(auth.Fields{
			Symbol:     *symbol,
			Side:       *side,
			Volume:     *volume,
			Price:      *price,
			StopLoss:   *stop,
			TakeProfit: *target,
		}, time.Now())
		result := exec.ExecuteOrder(ctx, executor.Intent{
			Symbol:        *symbol,
			Side:          *side,
			Volume:        *volume,
			Price:         *price,
			StopLoss:      *stop,
			TakeProfit:    *target,
			Comment:       *comment,
			Authorization: token,
		})
		render(result)

	case "close":
		result := exec.CloseOrder(ctx, *ref, *symbol, *volume)
		render(result)

	case "account":
		acct, err := exec.QueryAccount(ctx)
		if err != nil {
			logger.Fatal("account query failed", zap.Error(err))
		}
		render(acct)

	case "positions":
		positions, err := exec.QueryPositions(ctx, *symbol)
		if err != nil {
			logger.Fatal("positions query failed", zap.Error(err))
		}
		render(positions)

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(2)
	}
}

func render(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
