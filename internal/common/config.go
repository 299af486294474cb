package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	Session     SessionConfig   `toml:"session"`
	Browser     BrowserConfig   `toml:"browser"`
	Breaker     BreakerConfig   `toml:"breaker"`
	Monitor     MonitorConfig   `toml:"monitor"`
	Jobs        JobsConfig      `toml:"jobs"`
	Processor   ProcessorConfig `toml:"processor"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// SessionConfig tunes the session manager and stale-session limits
type SessionConfig struct {
	AcquireTimeout string `toml:"acquire_timeout"` // e.g. "60s" - timeout for session creation
	MaxSessionAge  string `toml:"max_session_age"` // e.g. "30m" - sessions older than this are reaped
	MaxIdleTime    string `toml:"max_idle_time"`   // e.g. "5m" - idle sessions are reaped
}

// BrowserConfig controls the chromedp session provider
type BrowserConfig struct {
	UserAgent   string `toml:"user_agent"`
	Headless    bool   `toml:"headless"`
	DisableGPU  bool   `toml:"disable_gpu"`
	NoSandbox   bool   `toml:"no_sandbox"`
	StartupTest string `toml:"startup_test_timeout"` // e.g. "30s"
}

// BreakerConfig controls the session-acquisition circuit breaker
type BreakerConfig struct {
	FailureThreshold int    `toml:"failure_threshold"` // Failures within the window that trip the breaker
	MonitoringPeriod string `toml:"monitoring_period"` // e.g. "2m" - sliding failure window
	ResetTimeout     string `toml:"reset_timeout"`     // e.g. "30s" - OPEN duration before a probe
}

// MonitorConfig controls the background resource monitor
type MonitorConfig struct {
	SampleInterval     string `toml:"sample_interval"`      // e.g. "30s"
	WarningThresholdMB int    `toml:"warning_threshold_mb"` // Memory warning level
	MaxThresholdMB     int    `toml:"max_threshold_mb"`     // Memory exhaustion level
	WarningCooldown    string `toml:"warning_cooldown"`     // e.g. "5m" - debounce between warnings
	ReapSchedule       string `toml:"reap_schedule"`        // Cron schedule for stale session sweeps
}

// JobsConfig controls scheduling, recovery pacing and retention
type JobsConfig struct {
	InterBatchDelay   string `toml:"inter_batch_delay"`   // e.g. "2s"
	MaxBackoff        string `toml:"max_backoff"`         // e.g. "2m" - cap for recovery backoff
	RetentionWindow   string `toml:"retention_window"`    // e.g. "1h" - terminal jobs kept this long
	GCInterval        string `toml:"gc_interval"`         // e.g. "5m"
	EstimatePerRecord string `toml:"estimate_per_record"` // e.g. "3s"
}

// ProcessorConfig describes the target form driven by the web form processor
type ProcessorConfig struct {
	FormURL         string `toml:"form_url"`
	SubmitSelector  string `toml:"submit_selector"`
	SuccessSelector string `toml:"success_selector"`
	ErrorSelector   string `toml:"error_selector"`
	NavigateTimeout string `toml:"navigate_timeout"` // e.g. "30s"
	SubmitTimeout   string `toml:"submit_timeout"`   // e.g. "20s"
	RecordDelay     string `toml:"record_delay"`     // e.g. "500ms"
}

// WebSocketConfig contains configuration for WebSocket event streaming
type WebSocketConfig struct {
	// Whitelist of event types to broadcast via WebSocket. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"job_progress": "1s"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig returns the production defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Session: SessionConfig{
			AcquireTimeout: "60s",
			MaxSessionAge:  "30m",
			MaxIdleTime:    "5m",
		},
		Browser: BrowserConfig{
			UserAgent:   "Conveyor/1.0",
			Headless:    true,
			DisableGPU:  true,
			NoSandbox:   true,
			StartupTest: "30s",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			MonitoringPeriod: "2m",
			ResetTimeout:     "30s",
		},
		Monitor: MonitorConfig{
			SampleInterval:     "30s",
			WarningThresholdMB: 1024,
			MaxThresholdMB:     2048,
			WarningCooldown:    "5m",
			ReapSchedule:       "*/2 * * * *",
		},
		Jobs: JobsConfig{
			InterBatchDelay:   "2s",
			MaxBackoff:        "2m",
			RetentionWindow:   "1h",
			GCInterval:        "5m",
			EstimatePerRecord: "3s",
		},
		Processor: ProcessorConfig{
			SubmitSelector:  `button[type="submit"]`,
			SuccessSelector: ".submission-success",
			ErrorSelector:   ".submission-error",
			NavigateTimeout: "30s",
			SubmitTimeout:   "20s",
			RecordDelay:     "500ms",
		},
		WebSocket: WebSocketConfig{
			// Empty AllowedEvents allows all events
			AllowedEvents: []string{},
			// Throttle high-frequency events to prevent WebSocket flooding
			ThrottleIntervals: map[string]string{
				"job_progress": "1s",
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CONVEYOR_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("CONVEYOR_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CONVEYOR_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if level := os.Getenv("CONVEYOR_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if url := os.Getenv("CONVEYOR_FORM_URL"); url != "" {
		config.Processor.FormURL = url
	}
}

// Duration parses a duration string from config, falling back on the
// supplied default when the field is empty or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
