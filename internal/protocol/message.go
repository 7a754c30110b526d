package protocol

import "encoding/json"

// Action identifies a wire message kind
type Action string

const (
	ActionPing           Action = "PING"
	ActionOrderOpen      Action = "ORDER_OPEN"
	ActionOrderClose     Action = "ORDER_CLOSE"
	ActionAccountQuery   Action = "ACCOUNT_QUERY"
	ActionPositionsQuery Action = "POSITIONS_QUERY"
)

// Known reports whether the action is part of the protocol
func (a Action) Known() bool {
	switch a {
	case ActionPing, ActionOrderOpen, ActionOrderClose, ActionAccountQuery, ActionPositionsQuery:
		return true
	}
	return false
}

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// ValidSide reports whether side is part of the fixed enumeration
func ValidSide(side string) bool {
	return side == SideBuy || side == SideSell
}

// Response statuses
const (
	StatusOK       = "ok"
	StatusFilled   = "FILLED"
	StatusRejected = "REJECTED"
	StatusError    = "error"
)

// Machine-readable rejection codes
const (
	CodeUnsupportedAction = "UNSUPPORTED_ACTION"
	CodeMalformed         = "MALFORMED_MESSAGE"
	CodeMissingAuth       = "MISSING_AUTH"
	CodeInvalidAuth       = "INVALID_AUTH"
	CodeExpiredAuth       = "EXPIRED_AUTH"
	CodeBrokerRejected    = "BROKER_REJECTED"
	CodeForbiddenSource   = "FORBIDDEN_SOURCE"
)

// Request is the envelope for every client-to-agent message.
// CorrelationID is generated client-side and is the idempotency key; it is
// echoed verbatim in the response.
type Request struct {
	CorrelationID string          `json:"correlation_id"`
	Action        Action          `json:"action"`
	TsUnixMillis  int64           `json:"ts_unix_millis"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope for every agent-to-client message
type Response struct {
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMsg      string          `json:"error_msg,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// PingRequest carries no fields beyond the envelope
type PingRequest struct{}

// OrderOpenRequest opens a position
type OrderOpenRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "BUY" or "SELL"
	Volume        float64 `json:"volume"`
	Price         float64 `json:"price,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	Comment       string  `json:"comment,omitempty"`
	Authorization string  `json:"authorization"`
}

// OrderCloseRequest closes an open position by broker reference
type OrderCloseRequest struct {
	BrokerRef string  `json:"broker_ref"`
	Symbol    string  `json:"symbol"`
	Volume    float64 `json:"volume"`
}

// AccountQueryRequest carries no fields beyond the envelope
type AccountQueryRequest struct{}

// PositionsQueryRequest optionally filters by symbol
type PositionsQueryRequest struct {
	Symbol string `json:"symbol,omitempty"`
}

// PongPayload answers a PING
type PongPayload struct {
	ServerTimeUnixMillis int64   `json:"server_time_unix_millis"`
	LatencyMs            float64 `json:"latency_ms"`
}

// OrderPayload answers ORDER_OPEN and ORDER_CLOSE on success.
// Duplicate marks an echoed prior result for a retried correlation id.
type OrderPayload struct {
	BrokerRef string  `json:"broker_ref"`
	FillPrice float64 `json:"fill_price,omitempty"`
	Duplicate bool    `json:"duplicate,omitempty"`
}

// AccountPayload answers ACCOUNT_QUERY
type AccountPayload struct {
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	Margin       float64 `json:"margin"`
	FreeMargin   float64 `json:"free_margin"`
	Currency     string  `json:"currency"`
	TsUnixMillis int64   `json:"ts_unix_millis"`
}

// Position describes one open position
type Position struct {
	BrokerRef          string  `json:"broker_ref"`
	Symbol             string  `json:"symbol"`
	Side               string  `json:"side"`
	Volume             float64 `json:"volume"`
	OpenPrice          float64 `json:"open_price"`
	CurrentPrice       float64 `json:"current_price"`
	Profit             float64 `json:"profit"`
	OpenTimeUnixMillis int64   `json:"open_time_unix_millis"`
}

// PositionsPayload answers POSITIONS_QUERY
type PositionsPayload struct {
	Positions []Position `json:"positions"`
}
