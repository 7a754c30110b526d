package msg

// Topic names
const (
	// TopicOrderCommands carries trading intents from the strategy host
	TopicOrderCommands = "orders.commands"
	// TopicOrderResults carries OrderResult events to the reporting sink
	TopicOrderResults = "orders.results"
)

// OrderIntentMsg is a trading intent produced by the strategy collaborator.
// The authorization token is obtained per intent by the gateway, not carried
// on the topic.
type OrderIntentMsg struct {
	EventID      string  `json:"event_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"` // "BUY" or "SELL"
	Volume       float64 `json:"volume"`
	Price        float64 `json:"price,omitempty"`
	StopLoss     float64 `json:"stop_loss,omitempty"`
	TakeProfit   float64 `json:"take_profit,omitempty"`
	Comment      string  `json:"comment,omitempty"`
	TsUnixMillis int64   `json:"ts_unix_millis"`
}

// Record is a consumed Kafka record
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp int64
}
