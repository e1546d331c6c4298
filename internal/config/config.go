// Package config loads the pipeline's configuration surface from environment
// variables with sensible defaults, following the same helper-function shape
// used throughout this repository's predecessor service.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// HTTPAddr is the operator adapter's HTTP listen address (default: ":8080").
	HTTPAddr string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error".
	LogLevel string

	// DataDir is the directory for persistent data (database, logs, backups).
	DataDir string

	// DatabasePath is the SQLite Permanent Store file path.
	DatabasePath string

	// LogDir is the directory for log files.
	LogDir string
	// LogMaxSizeMB, LogMaxBackups, LogMaxAgeDays tune lumberjack rotation.
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// BatchWindow is C5's coalescing window (WINDOW_MS, default 50ms).
	BatchWindow time.Duration
	// BatchMax is C5's flush-on-size trigger (BATCH_MAX, default 100).
	BatchMax int
	// BufferCap is C5's hard cap before drop-oldest applies (BUFFER_CAP, default 500).
	BufferCap int

	// PersistWorkers bounds concurrent persistence workers (default 15).
	PersistWorkers int

	// RetryMaxAttempts is C6's retry budget (default 5).
	RetryMaxAttempts int
	// RetryDelays holds the exponential backoff schedule in seconds.
	RetryDelays []time.Duration

	// TransientTTL is C2's per-entry retention (default 7 days).
	TransientTTL time.Duration

	// DLQWarnThreshold and DLQCriticalThreshold gate C6's alert policy.
	DLQWarnThreshold     int
	DLQCriticalThreshold int

	// AdminAPIKeyHash gates the operator adapter's admin routes (bcrypt hash).
	AdminAPIKeyHash string

	// NotifyURLs holds shoutrrr service URLs for DLQ critical alerts.
	NotifyURLs []string

	// CircuitBreakerFailureThreshold and CircuitBreakerOpenDuration tune the
	// breaker guarding calls into the Permanent Store.
	CircuitBreakerFailureThreshold int
	CircuitBreakerOpenDuration     time.Duration

	// MaintenanceCron is the schedule for the periodic maintenance sweep.
	MaintenanceCron string
}

var cfg *Config

// Load reads configuration from environment variables with sensible defaults.
// Should be called once at application startup.
func Load() *Config {
	dataDir := getEnvOrDefault("EVENTPIPE_DATA_DIR", "")
	if dataDir == "" {
		if info, err := os.Stat("/data"); err == nil && info.IsDir() {
			dataDir = "/data"
		} else if cwd, err := os.Getwd(); err == nil {
			dataDir = filepath.Join(cwd, "data")
		} else {
			dataDir = "./data"
		}
	}
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}
	_ = os.MkdirAll(dataDir, 0755)

	dbPath := getEnvOrDefault("DB_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "events.db")
	}

	logDir := getEnvOrDefault("LOG_PATH", filepath.Join(dataDir, "logs"))
	_ = os.MkdirAll(logDir, 0755)

	cfg = &Config{
		HTTPAddr:         getEnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:         strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		DataDir:          dataDir,
		DatabasePath:     dbPath,
		LogDir:           logDir,
		LogMaxSizeMB:     getEnvIntOrDefault("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:    getEnvIntOrDefault("LOG_MAX_BACKUPS", 3),
		LogMaxAgeDays:    getEnvIntOrDefault("LOG_MAX_AGE_DAYS", 28),
		BatchWindow:      getEnvDurationMSOrDefault("BATCH_WINDOW_MS", 50*time.Millisecond),
		BatchMax:         getEnvIntOrDefault("BATCH_MAX", 100),
		BufferCap:        getEnvIntOrDefault("BUFFER_CAP", 500),
		PersistWorkers:   getEnvIntOrDefault("PERSIST_WORKERS", 15),
		RetryMaxAttempts: getEnvIntOrDefault("RETRY_MAX_ATTEMPTS", 5),
		RetryDelays:      getEnvDelaysOrDefault("RETRY_DELAYS_SECONDS", DefaultRetryDelaySeconds),
		TransientTTL:     getEnvDurationSecOrDefault("TRANSIENT_TTL_SECONDS", 604800*time.Second),
		DLQWarnThreshold:     getEnvIntOrDefault("DLQ_WARN_THRESHOLD", 50),
		DLQCriticalThreshold: getEnvIntOrDefault("DLQ_CRITICAL_THRESHOLD", 200),
		AdminAPIKeyHash:  getEnvOrDefault("ADMIN_API_KEY_HASH", ""),
		NotifyURLs:       splitNonEmpty(getEnvOrDefault("NOTIFY_URLS", "")),
		CircuitBreakerFailureThreshold: getEnvIntOrDefault("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		CircuitBreakerOpenDuration:     getEnvDurationMSOrDefault("CIRCUIT_BREAKER_OPEN_DURATION_MS", 30*time.Second),
		MaintenanceCron:  getEnvOrDefault("MAINTENANCE_CRON", "0 */6 * * *"),
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		cfg.LogLevel = "info"
	}

	return cfg
}

// DefaultRetryDelaySeconds is C6's exponential backoff schedule.
var DefaultRetryDelaySeconds = []int{60, 120, 300, 600, 1800}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		HTTPAddr:             ":0",
		LogLevel:             "debug",
		DataDir:              "/tmp/eventpipe-test",
		DatabasePath:         ":memory:",
		LogDir:               "/tmp/eventpipe-test/logs",
		LogMaxSizeMB:         10,
		LogMaxBackups:        1,
		LogMaxAgeDays:        1,
		BatchWindow:          50 * time.Millisecond,
		BatchMax:             100,
		BufferCap:            500,
		PersistWorkers:       15,
		RetryMaxAttempts:     5,
		RetryDelays:          secondsToDurations(DefaultRetryDelaySeconds),
		TransientTTL:         604800 * time.Second,
		DLQWarnThreshold:     50,
		DLQCriticalThreshold: 200,
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerOpenDuration:     30 * time.Second,
		MaintenanceCron:      "0 */6 * * *",
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDurationMSOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvDurationSecOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if s, err := strconv.Atoi(value); err == nil {
			return time.Duration(s) * time.Second
		}
	}
	return defaultValue
}

func getEnvDelaysOrDefault(key string, defaultSeconds []int) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return secondsToDurations(defaultSeconds)
	}
	parts := strings.Split(value, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		s, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return secondsToDurations(defaultSeconds)
		}
		delays = append(delays, time.Duration(s)*time.Second)
	}
	return delays
}

func secondsToDurations(seconds []int) []time.Duration {
	out := make([]time.Duration, len(seconds))
	for i, s := range seconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

func splitNonEmpty(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FlagOverrides holds command-line flag values that can override environment variables.
type FlagOverrides struct {
	HTTPAddr *string
	LogLevel *string
	DataDir  *string
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Should be called after Load() and after flag parsing.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}
	if flags.HTTPAddr != nil && *flags.HTTPAddr != "" {
		cfg.HTTPAddr = *flags.HTTPAddr
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
	}
}
