package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable of the presence subsystem. All durations are
// sensitivity/latency trade-offs with no structural effect on the algorithms.
type Config struct {
	// NATS connection
	NATSURL  string
	NATSUser string
	NATSPass string

	// Presence controller
	HeartbeatInterval  time.Duration
	DisconnectDebounce time.Duration

	// Disconnect triggers
	SessionTTL  time.Duration // store-side liveness window
	GracePeriod time.Duration // sweeper must not reap inside this window after a trigger fires

	// Reconciliation sweeps
	UserTimeout             time.Duration // primary staleness threshold
	SweepInterval           time.Duration
	FirstSweepDelay         time.Duration
	SweepVerifyDelay        time.Duration
	FailsafeSweepMultiplier int // failsafe threshold and interval = multiplier × primary

	// Room membership
	RoomCapacity int

	// Tab registry
	TabLedgerPath string
	TabTimeout    time.Duration

	// Typing indicator
	TypingTimeout      time.Duration
	TypingWritesPerSec float64
	TypingBurst        int
}

// Load reads configuration from the environment, with .env support.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		NATSURL:  getEnv("NATS_URL", "nats://localhost:4222"),
		NATSUser: getEnv("NATS_USER", "presence"),
		NATSPass: getEnv("NATS_PASS", "presence-secret"),

		HeartbeatInterval:  getEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		DisconnectDebounce: getEnvAsDuration("DISCONNECT_DEBOUNCE", 10*time.Second),

		SessionTTL:  getEnvAsDuration("SESSION_TTL", 45*time.Second),
		GracePeriod: getEnvAsDuration("GRACE_PERIOD", 2*time.Minute),

		UserTimeout:             getEnvAsDuration("USER_TIMEOUT", 15*time.Minute),
		SweepInterval:           getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		FirstSweepDelay:         getEnvAsDuration("FIRST_SWEEP_DELAY", 30*time.Second),
		SweepVerifyDelay:        getEnvAsDuration("SWEEP_VERIFY_DELAY", 5*time.Second),
		FailsafeSweepMultiplier: getEnvAsInt("FAILSAFE_SWEEP_MULTIPLIER", 2),

		RoomCapacity: getEnvAsInt("ROOM_CAPACITY", 20),

		TabLedgerPath: getEnv("TAB_LEDGER_PATH", filepath.Join(os.TempDir(), "realtime-chat-tabs.json")),
		TabTimeout:    getEnvAsDuration("TAB_TIMEOUT", time.Minute),

		TypingTimeout:      getEnvAsDuration("TYPING_TIMEOUT", 5*time.Second),
		TypingWritesPerSec: getEnvAsFloat("TYPING_WRITES_PER_SEC", 1),
		TypingBurst:        getEnvAsInt("TYPING_BURST", 2),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return n
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("Invalid float in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return f
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return d
}
