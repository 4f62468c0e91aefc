package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for all services.
type Config struct {
	// Service name
	ServiceName string

	// gRPC health port
	GRPCPort int

	// HTTP port (healthz, metrics, and the gateway snapshot API)
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// Bus backend: "memory" or "kafka"
	BusBackend string

	// Kafka brokers (comma-separated), used when BusBackend is "kafka"
	KafkaBrokers string

	// Local data directory for the sqlite journal
	DataDir string

	// Gateway snapshot API listen port (gateway process)
	SnapshotPort int

	// Gateway snapshot API address (for the trading process)
	SnapshotAddr string

	// Daily session rollover time, "HH:MM" local
	RolloverAt string

	// Symbols handled by this deployment (comma-separated)
	Symbols []string

	// Bar aggregation interval (market-data process)
	BarInterval time.Duration

	// Durable-log retention bounds
	RetainCount int
	RetainAge   time.Duration

	// Heartbeat staleness before the gateway link is considered down
	HeartbeatTimeout time.Duration
}

// Load loads configuration from environment variables with defaults.
func Load(serviceName string) *Config {
	defaultGRPCPort := 50051
	defaultHTTPPort := 8080
	switch serviceName {
	case "trading":
		defaultGRPCPort, defaultHTTPPort = 50052, 8081
	case "marketdata":
		defaultGRPCPort, defaultHTTPPort = 50053, 8082
	case "strategy":
		defaultGRPCPort, defaultHTTPPort = 50054, 8083
	}

	cfg := &Config{
		ServiceName:      serviceName,
		GRPCPort:         getEnvAsInt("PORT_GRPC", defaultGRPCPort),
		HTTPPort:         getEnvAsInt("PORT_HTTP", defaultHTTPPort),
		LogLevel:         getEnvAsString("LOG_LEVEL", "info"),
		BusBackend:       getEnvAsString("BUS_BACKEND", "kafka"),
		KafkaBrokers:     getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092"),
		DataDir:          getEnvAsString("DATA_DIR", "./data/"+serviceName),
		SnapshotPort:     getEnvAsInt("SNAPSHOT_PORT", 8090),
		SnapshotAddr:     getEnvAsString("SNAPSHOT_ADDR", "http://127.0.0.1:8090"),
		RolloverAt:       getEnvAsString("ROLLOVER_AT", "17:00"),
		Symbols:          splitList(getEnvAsString("SYMBOLS", "IF2509")),
		BarInterval:      getEnvAsDuration("BAR_INTERVAL", time.Minute),
		RetainCount:      getEnvAsInt("RETAIN_COUNT", 10000),
		RetainAge:        getEnvAsDuration("RETAIN_AGE", 24*time.Hour),
		HeartbeatTimeout: getEnvAsDuration("HEARTBEAT_TIMEOUT", 10*time.Second),
	}

	return cfg
}

// GRPCAddr returns the gRPC server address.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// SnapshotListenAddr returns the snapshot API listen address.
func (c *Config) SnapshotListenAddr() string {
	return fmt.Sprintf(":%d", c.SnapshotPort)
}

// RolloverClock parses RolloverAt into hour and minute.
func (c *Config) RolloverClock() (hour, minute int) {
	hour, minute = 17, 0
	parts := strings.Split(c.RolloverAt, ":")
	if len(parts) == 2 {
		if h, err := strconv.Atoi(parts[0]); err == nil && h >= 0 && h < 24 {
			if m, err := strconv.Atoi(parts[1]); err == nil && m >= 0 && m < 60 {
				hour, minute = h, m
			}
		}
	}
	return hour, minute
}

// Brokers returns the Kafka broker list.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
