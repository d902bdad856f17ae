package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Host               string
	Port               string
	LogLevel           string
	RoomCapacity       int
	SessionIdleTimeout time.Duration
	RoomIdleTimeout    time.Duration
	SweepInterval      time.Duration
	SendBufferSize     int
	// AllowedOrigins empty means any origin may open a websocket.
	AllowedOrigins []string
}

// Load reads .env if present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	roomCapacity, err := positiveInt("ROOM_CAPACITY", "20")
	if err != nil {
		return nil, err
	}
	sendBuffer, err := positiveInt("SEND_BUFFER_SIZE", "256")
	if err != nil {
		return nil, err
	}
	sessionIdle, err := positiveDuration("SESSION_IDLE_TIMEOUT", "5m")
	if err != nil {
		return nil, err
	}
	roomIdle, err := positiveDuration("ROOM_IDLE_TIMEOUT", "30m")
	if err != nil {
		return nil, err
	}
	sweepInterval, err := positiveDuration("SWEEP_INTERVAL", "60s")
	if err != nil {
		return nil, err
	}

	return &Config{
		Host:               getEnv("HOST", ""),
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RoomCapacity:       roomCapacity,
		SessionIdleTimeout: sessionIdle,
		RoomIdleTimeout:    roomIdle,
		SweepInterval:      sweepInterval,
		SendBufferSize:     sendBuffer,
		AllowedOrigins:     parseList(getEnv("ALLOWED_ORIGINS", "")),
	}, nil
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// OriginAllowed reports whether a websocket upgrade from origin is accepted.
// Requests without an Origin header are not from browsers and always pass.
func (c *Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func positiveInt(key, defaultValue string) (int, error) {
	n, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s value: must be positive, got %d", key, n)
	}
	return n, nil
}

func positiveDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s value: must be positive, got %s", key, d)
	}
	return d, nil
}

func parseList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
