package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	WebSocket      WebSocketConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Enabled reports whether the presence mirror should be used.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

type WebSocketConfig struct {
	SendBuffer      int
	MaxMessageBytes int64
	PongWait        time.Duration
	WriteWait       time.Duration
}

// PingInterval is how often the relay pings a client. It must be shorter
// than PongWait so a healthy client always answers in time.
func (w WebSocketConfig) PingInterval() time.Duration {
	return (w.PongWait * 9) / 10
}

// CallbotConfig configures the headless call client.
type CallbotConfig struct {
	Environment    string
	SignalingURL   string
	Token          string
	Room           string
	Kind           string
	ICEServers     []string
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: splitList(originsStr),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		WebSocket: WebSocketConfig{
			SendBuffer:      getEnvInt("WS_SEND_BUFFER", 256),
			MaxMessageBytes: int64(getEnvInt("WS_MAX_MESSAGE_BYTES", 64*1024)),
			PongWait:        getEnvDuration("WS_PONG_WAIT", 60*time.Second),
			WriteWait:       getEnvDuration("WS_WRITE_WAIT", 10*time.Second),
		},
	}
}

func LoadCallbot() *CallbotConfig {
	return &CallbotConfig{
		Environment:    getEnv("ENVIRONMENT", "development"),
		SignalingURL:   getEnv("SIGNALING_URL", "ws://localhost:8080/ws"),
		Token:          getEnv("SIGNALING_TOKEN", ""),
		Room:           getEnv("CALL_ROOM", "support-call-1"),
		Kind:           getEnv("CALL_KIND", "audio"),
		ICEServers:     splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
		RingTimeout:    getEnvDuration("CALL_RING_TIMEOUT", 0),
		ConnectTimeout: getEnvDuration("CALL_CONNECT_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
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
