package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"chat-sync/pkg/logger"

	"github.com/joho/godotenv"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

type Config struct {
	Env         string
	Server      ServerConfig
	Stream      StreamConfig
	Reconnect   ReconnectConfig
	Fanout      FanoutConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Credentials CredentialsConfig
}

type ServerConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

type StreamConfig struct {
	Transport    string
	PingInterval time.Duration
	ReadTimeout  time.Duration
	ResyncOnOpen bool
}

// ReconnectConfig bounds how a dropped stream is retried. MaxRetries of zero
// means retry forever.
type ReconnectConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxRetries          int
}

type FanoutConfig struct {
	Concurrency int
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	Addr string
}

type CredentialsConfig struct {
	EmployeeID string
	Password   string
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded: %v", err)
	}

	return &Config{
		Env: getEnvOrDefault("ENV", "development"),
		Server: ServerConfig{
			BaseURL:        strings.TrimRight(getEnvOrDefault("CHAT_BASE_URL", "http://localhost:8080"), "/"),
			RequestTimeout: getDurationOrDefault("CHAT_REQUEST_TIMEOUT", "15s"),
		},
		Stream: StreamConfig{
			Transport:    getTransportOrDefault("CHAT_STREAM_TRANSPORT", TransportSSE),
			PingInterval: getDurationOrDefault("CHAT_STREAM_PING_INTERVAL", "54s"),
			ReadTimeout:  getDurationOrDefault("CHAT_STREAM_READ_TIMEOUT", "60s"),
			ResyncOnOpen: getBoolOrDefault("CHAT_STREAM_RESYNC", true),
		},
		Reconnect: ReconnectConfig{
			InitialInterval:     getDurationOrDefault("RECONNECT_INITIAL_INTERVAL", "500ms"),
			MaxInterval:         getDurationOrDefault("RECONNECT_MAX_INTERVAL", "30s"),
			Multiplier:          getFloatOrDefault("RECONNECT_MULTIPLIER", 2),
			RandomizationFactor: getFloatOrDefault("RECONNECT_JITTER", 0.5),
			MaxRetries:          getIntOrDefault("RECONNECT_MAX_RETRIES", 10),
		},
		Fanout: FanoutConfig{
			Concurrency: getIntOrDefault("FANOUT_CONCURRENCY", 8),
		},
		Log: LogConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Addr: os.Getenv("METRICS_ADDR"),
		},
		Credentials: CredentialsConfig{
			EmployeeID: os.Getenv("CHAT_EMPLOYEE_ID"),
			Password:   os.Getenv("CHAT_PASSWORD"),
		},
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key, defaultValue string) time.Duration {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		logger.Fatal("Invalid duration for %s: %v", key, err)
	}
	return duration
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil || intValue < 0 {
		logger.Fatal("Invalid integer for %s: %q", key, value)
	}
	return intValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil || floatValue < 0 {
		logger.Fatal("Invalid number for %s: %q", key, value)
	}
	return floatValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		logger.Fatal("Invalid boolean for %s: %q", key, value)
	}
	return boolValue
}

func getTransportOrDefault(key, defaultValue string) string {
	value := strings.ToLower(getEnvOrDefault(key, defaultValue))
	switch value {
	case TransportSSE, TransportWebSocket:
		return value
	case "ws":
		return TransportWebSocket
	}
	logger.Fatal("Invalid stream transport for %s: %q", key, value)
	return ""
}
