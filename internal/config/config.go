package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                 int
	StoreBackend         string
	DatabaseURL          string
	SQLitePath           string
	NatsURL              string
	NatsToken            string
	LogLevel             string
	LogFile              string
	AudioBaseDir         string
	AudioHeaderSize      int
	AudioFixWAVHeader    bool
	InvitationTTL        time.Duration
	ReschedulePolicyFile string
	EventQueueSize       int
	MetricsExportFile    string
	MetricsInterval      time.Duration
}

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

func Load() Config {
	return Config{
		Port:                 envInt("INTERVIEWD_PORT", 8760),
		StoreBackend:         strings.ToLower(envStr("STORE_BACKEND", BackendSQLite)),
		DatabaseURL:          envStr("DATABASE_URL", ""),
		SQLitePath:           envStr("SQLITE_PATH", "./data/interviewd.db"),
		NatsURL:              envStr("NATS_URL", ""),
		NatsToken:            envStr("NATS_TOKEN", ""),
		LogLevel:             envStr("LOG_LEVEL", "info"),
		LogFile:              envStr("LOG_FILE", ""),
		AudioBaseDir:         envStr("AUDIO_BASE_DIR", "./data/audio"),
		AudioHeaderSize:      envInt("AUDIO_HEADER_SIZE", 44),
		AudioFixWAVHeader:    envBool("AUDIO_FIX_WAV_HEADER", false),
		InvitationTTL:        envDuration("INVITATION_TTL", 72*time.Hour),
		ReschedulePolicyFile: envStr("RESCHEDULE_POLICY_FILE", ""),
		EventQueueSize:       envInt("EVENT_QUEUE_SIZE", 256),
		MetricsExportFile:    envStr("METRICS_EXPORT_FILE", ""),
		MetricsInterval:      envDuration("METRICS_EXPORT_INTERVAL", 30*time.Second),
	}
}

// Validate reports the first setting that cannot be used to start the service.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s backend", BackendPostgres)
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.AudioBaseDir == "" {
		return fmt.Errorf("AUDIO_BASE_DIR cannot be empty")
	}
	if c.AudioHeaderSize < 0 {
		return fmt.Errorf("AUDIO_HEADER_SIZE must be >= 0")
	}
	if c.InvitationTTL <= 0 {
		return fmt.Errorf("INVITATION_TTL must be > 0")
	}
	if c.MetricsExportFile != "" && c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_EXPORT_INTERVAL must be > 0")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be > 0")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
