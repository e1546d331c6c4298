package config

import (
	"os"
	"testing"
	"time"
)

// =============================================================================
// Helper function tests
// =============================================================================

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue string
		expected     string
	}{
		{name: "env set", envValue: "custom-value", defaultValue: "default", expected: "custom-value"},
		{name: "env not set", envValue: "", defaultValue: "default", expected: "default"},
		{name: "empty default", envValue: "", defaultValue: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_ENV_VAR_" + tt.name
			if tt.envValue != "" {
				t.Setenv(key, tt.envValue)
			}
			got := getEnvOrDefault(key, tt.defaultValue)
			if got != tt.expected {
				t.Errorf("getEnvOrDefault() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetEnvIntOrDefault(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue int
		expected     int
	}{
		{name: "valid int", envValue: "42", defaultValue: 10, expected: 42},
		{name: "invalid int", envValue: "not-a-number", defaultValue: 10, expected: 10},
		{name: "env not set", envValue: "", defaultValue: 10, expected: 10},
		{name: "zero", envValue: "0", defaultValue: 10, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_INT_VAR_" + tt.name
			if tt.envValue != "" {
				t.Setenv(key, tt.envValue)
			}
			got := getEnvIntOrDefault(key, tt.defaultValue)
			if got != tt.expected {
				t.Errorf("getEnvIntOrDefault() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestGetEnvDurationMSOrDefault(t *testing.T) {
	t.Setenv("TEST_DUR_MS_VALID", "250")
	if got := getEnvDurationMSOrDefault("TEST_DUR_MS_VALID", time.Second); got != 250*time.Millisecond {
		t.Errorf("getEnvDurationMSOrDefault() = %v, want 250ms", got)
	}

	t.Setenv("TEST_DUR_MS_INVALID", "not-a-number")
	if got := getEnvDurationMSOrDefault("TEST_DUR_MS_INVALID", time.Second); got != time.Second {
		t.Errorf("getEnvDurationMSOrDefault() with invalid value = %v, want 1s default", got)
	}

	if got := getEnvDurationMSOrDefault("TEST_DUR_MS_UNSET", time.Second); got != time.Second {
		t.Errorf("getEnvDurationMSOrDefault() unset = %v, want 1s default", got)
	}
}

func TestGetEnvDurationSecOrDefault(t *testing.T) {
	t.Setenv("TEST_DUR_SEC_VALID", "90")
	if got := getEnvDurationSecOrDefault("TEST_DUR_SEC_VALID", time.Minute); got != 90*time.Second {
		t.Errorf("getEnvDurationSecOrDefault() = %v, want 90s", got)
	}

	if got := getEnvDurationSecOrDefault("TEST_DUR_SEC_UNSET", time.Minute); got != time.Minute {
		t.Errorf("getEnvDurationSecOrDefault() unset = %v, want 1m default", got)
	}
}

func TestGetEnvDelaysOrDefault(t *testing.T) {
	t.Setenv("TEST_DELAYS_VALID", "1,2,3")
	got := getEnvDelaysOrDefault("TEST_DELAYS_VALID", []int{10})
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("getEnvDelaysOrDefault() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("getEnvDelaysOrDefault()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	t.Setenv("TEST_DELAYS_INVALID", "1,not-a-number,3")
	got = getEnvDelaysOrDefault("TEST_DELAYS_INVALID", []int{10, 20})
	want = []time.Duration{10 * time.Second, 20 * time.Second}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("getEnvDelaysOrDefault() with a malformed entry = %v, want fallback %v", got, want)
	}

	got = getEnvDelaysOrDefault("TEST_DELAYS_UNSET", []int{60, 120})
	want = []time.Duration{60 * time.Second, 120 * time.Second}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("getEnvDelaysOrDefault() unset = %v, want %v", got, want)
	}
}

func TestSplitNonEmpty(t *testing.T) {
	if got := splitNonEmpty(""); got != nil {
		t.Errorf("splitNonEmpty(\"\") = %v, want nil", got)
	}
	got := splitNonEmpty("a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitNonEmpty() len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitNonEmpty()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// =============================================================================
// NewTestConfig tests
// =============================================================================

func TestNewTestConfig(t *testing.T) {
	c := NewTestConfig()

	if c == nil {
		t.Fatal("NewTestConfig() should not return nil")
	}
	if c.HTTPAddr != ":0" {
		t.Errorf("HTTPAddr = %s, want :0", c.HTTPAddr)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", c.LogLevel)
	}
	if c.BatchWindow != 50*time.Millisecond {
		t.Errorf("BatchWindow = %v, want 50ms", c.BatchWindow)
	}
	if c.PersistWorkers != 15 {
		t.Errorf("PersistWorkers = %d, want 15", c.PersistWorkers)
	}
	if c.RetryMaxAttempts != 5 {
		t.Errorf("RetryMaxAttempts = %d, want 5", c.RetryMaxAttempts)
	}
	if c.TransientTTL != 604800*time.Second {
		t.Errorf("TransientTTL = %v, want 7 days", c.TransientTTL)
	}
	if c.DLQWarnThreshold != 50 || c.DLQCriticalThreshold != 200 {
		t.Errorf("DLQ thresholds = %d/%d, want 50/200", c.DLQWarnThreshold, c.DLQCriticalThreshold)
	}
}

// =============================================================================
// SetForTesting / Get tests
// =============================================================================

func TestSetForTesting(t *testing.T) {
	original := cfg
	defer func() { cfg = original }()

	testCfg := &Config{HTTPAddr: ":9999"}
	SetForTesting(testCfg)

	got := Get()
	if got.HTTPAddr != ":9999" {
		t.Errorf("SetForTesting did not set config, HTTPAddr = %s, want :9999", got.HTTPAddr)
	}
}

func TestGet_PanicsWhenNotLoaded(t *testing.T) {
	original := cfg
	cfg = nil
	defer func() { cfg = original }()

	defer func() {
		if r := recover(); r == nil {
			t.Error("Get() should panic when config is not loaded")
		}
	}()
	_ = Get()
}

func TestGet_ReturnsConfig(t *testing.T) {
	testCfg := &Config{HTTPAddr: ":7777"}
	original := cfg
	cfg = testCfg
	defer func() { cfg = original }()

	got := Get()
	if got != testCfg {
		t.Error("Get() should return the global config")
	}
}

// =============================================================================
// Load tests
// =============================================================================

func clearEventpipeEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"EVENTPIPE_DATA_DIR", "DB_PATH", "LOG_PATH", "HTTP_ADDR", "LOG_LEVEL",
		"LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
		"BATCH_WINDOW_MS", "BATCH_MAX", "BUFFER_CAP", "PERSIST_WORKERS",
		"RETRY_MAX_ATTEMPTS", "RETRY_DELAYS_SECONDS", "TRANSIENT_TTL_SECONDS",
		"DLQ_WARN_THRESHOLD", "DLQ_CRITICAL_THRESHOLD", "ADMIN_API_KEY_HASH",
		"NOTIFY_URLS", "CIRCUIT_BREAKER_FAILURE_THRESHOLD",
		"CIRCUIT_BREAKER_OPEN_DURATION_MS", "MAINTENANCE_CRON",
	} {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEventpipeEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("EVENTPIPE_DATA_DIR", tmpDir)

	c := Load()

	if c.HTTPAddr != ":8080" {
		t.Errorf("Default HTTPAddr = %s, want :8080", c.HTTPAddr)
	}
	if c.LogLevel != "info" {
		t.Errorf("Default LogLevel = %s, want info", c.LogLevel)
	}
	if c.BatchWindow != 50*time.Millisecond {
		t.Errorf("Default BatchWindow = %v, want 50ms", c.BatchWindow)
	}
	if c.BatchMax != 100 {
		t.Errorf("Default BatchMax = %d, want 100", c.BatchMax)
	}
	if c.BufferCap != 500 {
		t.Errorf("Default BufferCap = %d, want 500", c.BufferCap)
	}
	if c.PersistWorkers != 15 {
		t.Errorf("Default PersistWorkers = %d, want 15", c.PersistWorkers)
	}
	if c.RetryMaxAttempts != 5 {
		t.Errorf("Default RetryMaxAttempts = %d, want 5", c.RetryMaxAttempts)
	}
	if len(c.RetryDelays) != len(DefaultRetryDelaySeconds) {
		t.Errorf("Default RetryDelays len = %d, want %d", len(c.RetryDelays), len(DefaultRetryDelaySeconds))
	}
	if c.TransientTTL != 604800*time.Second {
		t.Errorf("Default TransientTTL = %v, want 7 days", c.TransientTTL)
	}
	if c.DLQWarnThreshold != 50 {
		t.Errorf("Default DLQWarnThreshold = %d, want 50", c.DLQWarnThreshold)
	}
	if c.DLQCriticalThreshold != 200 {
		t.Errorf("Default DLQCriticalThreshold = %d, want 200", c.DLQCriticalThreshold)
	}
	if c.CircuitBreakerFailureThreshold != 5 {
		t.Errorf("Default CircuitBreakerFailureThreshold = %d, want 5", c.CircuitBreakerFailureThreshold)
	}
	if c.CircuitBreakerOpenDuration != 30*time.Second {
		t.Errorf("Default CircuitBreakerOpenDuration = %v, want 30s", c.CircuitBreakerOpenDuration)
	}
	if c.MaintenanceCron != "0 */6 * * *" {
		t.Errorf("Default MaintenanceCron = %s, want '0 */6 * * *'", c.MaintenanceCron)
	}
	if _, err := os.Stat(c.DataDir); os.IsNotExist(err) {
		t.Error("Load() should create the data directory")
	}
	if _, err := os.Stat(c.LogDir); os.IsNotExist(err) {
		t.Error("Load() should create the log directory")
	}
}

func TestLoad_CustomEnvVars(t *testing.T) {
	clearEventpipeEnv(t)
	tmpDir := t.TempDir()

	t.Setenv("EVENTPIPE_DATA_DIR", tmpDir)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BATCH_WINDOW_MS", "25")
	t.Setenv("BATCH_MAX", "200")
	t.Setenv("BUFFER_CAP", "1000")
	t.Setenv("PERSIST_WORKERS", "4")
	t.Setenv("RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("RETRY_DELAYS_SECONDS", "1,2,4")
	t.Setenv("TRANSIENT_TTL_SECONDS", "3600")
	t.Setenv("DLQ_WARN_THRESHOLD", "10")
	t.Setenv("DLQ_CRITICAL_THRESHOLD", "20")
	t.Setenv("NOTIFY_URLS", "https://example.com/a, https://example.com/b")
	t.Setenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD", "8")
	t.Setenv("CIRCUIT_BREAKER_OPEN_DURATION_MS", "5000")
	t.Setenv("MAINTENANCE_CRON", "*/5 * * * *")

	c := Load()

	if c.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %s, want :9090", c.HTTPAddr)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", c.LogLevel)
	}
	if c.BatchWindow != 25*time.Millisecond {
		t.Errorf("BatchWindow = %v, want 25ms", c.BatchWindow)
	}
	if c.BatchMax != 200 {
		t.Errorf("BatchMax = %d, want 200", c.BatchMax)
	}
	if c.BufferCap != 1000 {
		t.Errorf("BufferCap = %d, want 1000", c.BufferCap)
	}
	if c.PersistWorkers != 4 {
		t.Errorf("PersistWorkers = %d, want 4", c.PersistWorkers)
	}
	if c.RetryMaxAttempts != 3 {
		t.Errorf("RetryMaxAttempts = %d, want 3", c.RetryMaxAttempts)
	}
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(c.RetryDelays) != len(wantDelays) {
		t.Fatalf("RetryDelays len = %d, want %d", len(c.RetryDelays), len(wantDelays))
	}
	for i := range wantDelays {
		if c.RetryDelays[i] != wantDelays[i] {
			t.Errorf("RetryDelays[%d] = %v, want %v", i, c.RetryDelays[i], wantDelays[i])
		}
	}
	if c.TransientTTL != time.Hour {
		t.Errorf("TransientTTL = %v, want 1h", c.TransientTTL)
	}
	if c.DLQWarnThreshold != 10 || c.DLQCriticalThreshold != 20 {
		t.Errorf("DLQ thresholds = %d/%d, want 10/20", c.DLQWarnThreshold, c.DLQCriticalThreshold)
	}
	if len(c.NotifyURLs) != 2 || c.NotifyURLs[0] != "https://example.com/a" || c.NotifyURLs[1] != "https://example.com/b" {
		t.Errorf("NotifyURLs = %v, want [https://example.com/a https://example.com/b]", c.NotifyURLs)
	}
	if c.CircuitBreakerFailureThreshold != 8 {
		t.Errorf("CircuitBreakerFailureThreshold = %d, want 8", c.CircuitBreakerFailureThreshold)
	}
	if c.CircuitBreakerOpenDuration != 5*time.Second {
		t.Errorf("CircuitBreakerOpenDuration = %v, want 5s", c.CircuitBreakerOpenDuration)
	}
	if c.MaintenanceCron != "*/5 * * * *" {
		t.Errorf("MaintenanceCron = %s, want */5 * * * *", c.MaintenanceCron)
	}
}

func TestLoad_InvalidLogLevelFallsBackToInfo(t *testing.T) {
	clearEventpipeEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("EVENTPIPE_DATA_DIR", tmpDir)
	t.Setenv("LOG_LEVEL", "invalid")

	c := Load()
	if c.LogLevel != "info" {
		t.Errorf("Invalid log level should fall back to info, got %s", c.LogLevel)
	}
}

func TestLoad_ValidLogLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			clearEventpipeEnv(t)
			tmpDir := t.TempDir()
			t.Setenv("EVENTPIPE_DATA_DIR", tmpDir)
			t.Setenv("LOG_LEVEL", level)

			c := Load()
			if c.LogLevel != level {
				t.Errorf("LogLevel = %s, want %s", c.LogLevel, level)
			}
		})
	}
}

func TestLoad_DatabasePathDefaultsUnderDataDir(t *testing.T) {
	clearEventpipeEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("EVENTPIPE_DATA_DIR", tmpDir)

	c := Load()
	want := tmpDir + "/events.db"
	if c.DatabasePath != want {
		t.Errorf("DatabasePath = %s, want %s", c.DatabasePath, want)
	}
}

func TestLoad_DatabasePathOverride(t *testing.T) {
	clearEventpipeEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("EVENTPIPE_DATA_DIR", tmpDir)
	t.Setenv("DB_PATH", "/custom/path/events.db")

	c := Load()
	if c.DatabasePath != "/custom/path/events.db" {
		t.Errorf("DatabasePath = %s, want /custom/path/events.db", c.DatabasePath)
	}
}

// =============================================================================
// ApplyFlags tests
// =============================================================================

func TestApplyFlags_NilConfig(t *testing.T) {
	original := cfg
	cfg = nil
	defer func() { cfg = original }()

	// Should not panic.
	ApplyFlags(FlagOverrides{})
}

func TestApplyFlags_AllFlags(t *testing.T) {
	c := NewTestConfig()
	SetForTesting(c)
	defer func() { cfg = nil }()

	addr := ":9999"
	logLevel := "error"
	dataDir := "/custom/data"

	ApplyFlags(FlagOverrides{
		HTTPAddr: &addr,
		LogLevel: &logLevel,
		DataDir:  &dataDir,
	})

	if c.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %s, want :9999", c.HTTPAddr)
	}
	if c.LogLevel != "error" {
		t.Errorf("LogLevel = %s, want error", c.LogLevel)
	}
	if c.DataDir != "/custom/data" {
		t.Errorf("DataDir = %s, want /custom/data", c.DataDir)
	}
}

func TestApplyFlags_EmptyStringsNotApplied(t *testing.T) {
	c := NewTestConfig()
	c.HTTPAddr = "original"
	SetForTesting(c)
	defer func() { cfg = nil }()

	empty := ""
	ApplyFlags(FlagOverrides{HTTPAddr: &empty})

	if c.HTTPAddr != "original" {
		t.Errorf("Empty string should not override, HTTPAddr = %s, want original", c.HTTPAddr)
	}
}

func TestApplyFlags_LogLevelLowercased(t *testing.T) {
	c := NewTestConfig()
	SetForTesting(c)
	defer func() { cfg = nil }()

	level := "WARN"
	ApplyFlags(FlagOverrides{LogLevel: &level})

	if c.LogLevel != "warn" {
		t.Errorf("LogLevel = %s, want warn", c.LogLevel)
	}
}
