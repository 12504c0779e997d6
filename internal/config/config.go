// Package config provides configuration types and defaults for bidfabric.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration options for the bidfabric runtime.
type Config struct {
	// DataDir is the root directory for persisted state (snapshots, sqlite).
	// Default: ~/.bidfabric
	DataDir string `mapstructure:"data_dir"`

	Log      LogConfig      `mapstructure:"log"`
	Fabric   FabricConfig   `mapstructure:"fabric"`
	Store    StoreConfig    `mapstructure:"store"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	API      APIConfig      `mapstructure:"api"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Broker   BrokerConfig   `mapstructure:"broker"`
}

// LogConfig holds logging options.
type LogConfig struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Path is the log file path. Empty logs to stderr.
	Path string `mapstructure:"path"`
}

// FabricConfig holds messaging fabric tunables. Field names and defaults
// follow the recognized option set in the external interface contract.
type FabricConfig struct {
	// QueueCapacity is the per-queue bound.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// RequestTimeoutMs is the default await for request/response calls.
	RequestTimeoutMs int `mapstructure:"request_timeout_ms"`
	// MaxAttempts is the retry limit before dead-lettering.
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryStrategy is one of immediate, linear, exponential, fibonacci.
	RetryStrategy string `mapstructure:"retry_strategy"`
	// BreakerFailureThreshold opens the breaker after this many consecutive failures.
	BreakerFailureThreshold int `mapstructure:"breaker_failure_threshold"`
	// BreakerCooldownMs is the initial open-state cooldown.
	BreakerCooldownMs int `mapstructure:"breaker_cooldown_ms"`
	// BreakerCooldownCapMs caps the exponentially extended cooldown.
	BreakerCooldownCapMs int `mapstructure:"breaker_cooldown_cap_ms"`
	// HeartbeatIntervalMs is how often agents are expected to heartbeat.
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	// StaleAfterMs flips an agent to unavailable when its heartbeat is older.
	StaleAfterMs int `mapstructure:"stale_after_ms"`
	// MaxOutstandingRequests is the global in-flight request cap.
	MaxOutstandingRequests int `mapstructure:"max_outstanding_requests"`
	// AckTimeoutMs bounds the wait for an ack on requires_ack envelopes.
	AckTimeoutMs int `mapstructure:"ack_timeout_ms"`
	// DLQMaxEntries bounds each destination's dead-letter queue.
	DLQMaxEntries int `mapstructure:"dlq_max_entries"`
	// HistogramWindow is the latency histogram sample window.
	HistogramWindow int `mapstructure:"histogram_window"`
	// TraceBufferSize bounds the tracer's in-memory ring buffer.
	TraceBufferSize int `mapstructure:"trace_buffer_size"`
	// DeliveryWorkers sizes the fabric worker pool. 0 means max(2, cores).
	DeliveryWorkers int `mapstructure:"delivery_workers"`
}

// StoreConfig holds state store options.
type StoreConfig struct {
	// Backend selects the store implementation: "memory" (NDJSON snapshots)
	// or "sqlite".
	Backend string `mapstructure:"backend"`
	// SnapshotIntervalMs is the snapshot cadence for the memory backend.
	SnapshotIntervalMs int `mapstructure:"snapshot_interval_ms"`
	// SnapshotPath overrides the snapshot file location.
	SnapshotPath string `mapstructure:"snapshot_path"`
	// SQLitePath overrides the sqlite database location.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// WorkflowConfig holds workflow engine options.
type WorkflowConfig struct {
	// TemplateDir is an optional directory of user-defined templates,
	// watched for changes.
	TemplateDir string `mapstructure:"template_dir"`
	// ApprovalDefaultTimeoutMs bounds approval waits (default 24h).
	ApprovalDefaultTimeoutMs int `mapstructure:"approval_default_timeout_ms"`
	// OnApprovalTimeout is the default timeout policy: reject, auto_approve, escalate.
	OnApprovalTimeout string `mapstructure:"on_approval_timeout"`
	// StageHistogramWindow is the per-stage duration sample window.
	StageHistogramWindow int `mapstructure:"stage_histogram_window"`
}

// APIConfig holds the HTTP surface options.
type APIConfig struct {
	// Addr is the listen address for the daemon API.
	Addr string `mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry tracing options.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // "none", "file", "stdout", "otlp"
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

// BrokerConfig selects the fan-out transport backing topics and broadcast.
type BrokerConfig struct {
	// Backend is "memory" (in-process reference) or "nats".
	Backend string `mapstructure:"backend"`
	// NATSURL is the server URL for the nats backend.
	NATSURL string `mapstructure:"nats_url"`
	// SubjectPrefix namespaces topic subjects on the nats backend.
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Defaults returns a Config populated with default values.
func Defaults() Config {
	return Config{
		DataDir: defaultDataDir(),
		Log: LogConfig{
			Level: "info",
		},
		Fabric: FabricConfig{
			QueueCapacity:           10000,
			RequestTimeoutMs:        30000,
			MaxAttempts:             3,
			RetryStrategy:           "exponential",
			BreakerFailureThreshold: 5,
			BreakerCooldownMs:       5000,
			BreakerCooldownCapMs:    60000,
			HeartbeatIntervalMs:     5000,
			StaleAfterMs:            15000,
			MaxOutstandingRequests:  100000,
			AckTimeoutMs:            5000,
			DLQMaxEntries:           1000,
			HistogramWindow:         10000,
			TraceBufferSize:         4096,
			DeliveryWorkers:         0,
		},
		Store: StoreConfig{
			Backend:            "memory",
			SnapshotIntervalMs: 10000,
		},
		Workflow: WorkflowConfig{
			ApprovalDefaultTimeoutMs: 86400000,
			OnApprovalTimeout:        "reject",
			StageHistogramWindow:     1000,
		},
		API: APIConfig{
			Addr: "localhost:18600",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "bidfabric",
		},
		Broker: BrokerConfig{
			Backend:       "memory",
			SubjectPrefix: "bidfabric",
		},
	}
}

// Load reads configuration from the given viper instance, layering file
// values over Defaults(). Unknown keys are ignored so old configs keep
// loading across upgrades.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants that viper cannot express.
func (c *Config) Validate() error {
	switch c.Fabric.RetryStrategy {
	case "immediate", "linear", "exponential", "fibonacci":
	default:
		return fmt.Errorf("invalid retry_strategy %q", c.Fabric.RetryStrategy)
	}
	switch c.Workflow.OnApprovalTimeout {
	case "reject", "auto_approve", "escalate":
	default:
		return fmt.Errorf("invalid on_approval_timeout %q", c.Workflow.OnApprovalTimeout)
	}
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid store backend %q", c.Store.Backend)
	}
	switch c.Broker.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("invalid broker backend %q", c.Broker.Backend)
	}
	if c.Fabric.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.Fabric.QueueCapacity)
	}
	if c.Fabric.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.Fabric.MaxAttempts)
	}
	return nil
}

// RequestTimeout returns the default request timeout as a Duration.
func (c *FabricConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// StaleAfter returns the heartbeat staleness cutoff as a Duration.
func (c *FabricConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

// HeartbeatInterval returns the expected heartbeat cadence as a Duration.
func (c *FabricConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// BreakerCooldown returns the initial breaker cooldown as a Duration.
func (c *FabricConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownMs) * time.Millisecond
}

// BreakerCooldownCap returns the breaker cooldown cap as a Duration.
func (c *FabricConfig) BreakerCooldownCap() time.Duration {
	return time.Duration(c.BreakerCooldownCapMs) * time.Millisecond
}

// AckTimeout returns the requires_ack wait bound as a Duration.
func (c *FabricConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

// SnapshotInterval returns the snapshot cadence as a Duration.
func (c *StoreConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMs) * time.Millisecond
}

// ApprovalDefaultTimeout returns the approval wait bound as a Duration.
func (c *WorkflowConfig) ApprovalDefaultTimeout() time.Duration {
	return time.Duration(c.ApprovalDefaultTimeoutMs) * time.Millisecond
}

// SnapshotFile resolves the snapshot path, defaulting under DataDir.
func (c *Config) SnapshotFile() string {
	if c.Store.SnapshotPath != "" {
		return c.Store.SnapshotPath
	}
	return filepath.Join(c.DataDir, "state.ndjson")
}

// SQLiteFile resolves the sqlite path, defaulting under DataDir.
func (c *Config) SQLiteFile() string {
	if c.Store.SQLitePath != "" {
		return c.Store.SQLitePath
	}
	return filepath.Join(c.DataDir, "state.db")
}

// EnsureDataDir creates DataDir if it does not exist.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bidfabric"
	}
	return filepath.Join(home, ".bidfabric")
}
