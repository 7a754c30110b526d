package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for both bridge hosts
type Config struct {
	// Service name
	ServiceName string

	// Execution agent address (client side dials this)
	AgentAddr string

	// Listen address for the protocol server (agent side)
	ListenAddr string

	// HTTP health server port
	HTTPPort int

	// gRPC health server port
	GRPCPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// Heartbeat PING interval
	PingInterval time.Duration

	// Per-PING timeout, must stay below PingInterval
	PingTimeout time.Duration

	// Consecutive PING failures before the breaker engages
	MaxPingFailures int

	// Order round-trip timeout
	OrderTimeout time.Duration

	// How often latched symbols are reconciled with a positions query
	ReconcileInterval time.Duration

	// Authorization token time-to-live
	AuthTTL time.Duration

	// Shared secret for the authorization checksum
	AuthSecret string

	// Hosts allowed to open the protocol channel (agent side)
	AllowedHosts []string

	// How long the agent remembers seen correlation ids
	DedupeTTL time.Duration

	// Kafka brokers (comma-separated), empty disables Kafka wiring
	KafkaBrokers string

	// Local data directory for sqlite stores
	DataDir string
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig(serviceName string) *Config {
	cfg := &Config{
		ServiceName:       serviceName,
		AgentAddr:         getEnvAsString("AGENT_ADDR", "127.0.0.1:9100"),
		ListenAddr:        getEnvAsString("LISTEN_ADDR", "0.0.0.0:9100"),
		HTTPPort:          getEnvAsInt("PORT_HTTP", 8080),
		GRPCPort:          getEnvAsInt("PORT_GRPC", 50051),
		LogLevel:          getEnvAsString("LOG_LEVEL", "info"),
		PingInterval:      getEnvAsMillis("PING_INTERVAL_MS", 5000),
		PingTimeout:       getEnvAsMillis("PING_TIMEOUT_MS", 2000),
		MaxPingFailures:   getEnvAsInt("MAX_PING_FAILURES", 3),
		OrderTimeout:      getEnvAsMillis("ORDER_TIMEOUT_MS", 10000),
		ReconcileInterval: getEnvAsMillis("RECONCILE_INTERVAL_MS", 5000),
		AuthTTL:           getEnvAsMillis("AUTH_TTL_MS", 2000),
		AuthSecret:        getEnvAsString("AUTH_SECRET", "dev-secret"),
		AllowedHosts:      getEnvAsList("ALLOWED_HOSTS", "127.0.0.1,::1"),
		DedupeTTL:         getEnvAsMillis("DEDUPE_TTL_MS", 24*60*60*1000),
		KafkaBrokers:      getEnvAsString("KAFKA_BROKERS", ""),
		DataDir:           getEnvAsString("DATA_DIR", "./data"),
	}

	return cfg
}

// HTTPAddr returns the HTTP health server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GRPCAddr returns the gRPC health server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// Brokers returns the Kafka broker list, or nil when Kafka is disabled
func (c *Config) Brokers() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	brokers := strings.Split(c.KafkaBrokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	return brokers
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}

func getEnvAsList(key, defaultValue string) []string {
	raw := getEnvAsString(key, defaultValue)
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
