package config

import "time"

// Config is the host configuration for the runtime.
type Config struct {
	// DataDir roots the journal and file snapshots.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// SnapshotBackend selects "file" or "sqlite".
	SnapshotBackend string `json:"snapshot_backend" yaml:"snapshot_backend"`

	// SnapshotDBPath is the SQLite database path for the sqlite backend.
	SnapshotDBPath string `json:"snapshot_db_path" yaml:"snapshot_db_path"`

	// NavigateTimeoutSec bounds how long SendEvent callers wait.
	NavigateTimeoutSec int `json:"navigate_timeout_sec" yaml:"navigate_timeout_sec"`

	// NATSURL enables the pub/sub bridge when non-empty.
	NATSURL string `json:"nats_url" yaml:"nats_url"`

	// MetricsAddr serves Prometheus metrics when non-empty (":9091").
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	Pools PoolConfig `json:"pools" yaml:"pools"`

	AI AIConfig `json:"ai" yaml:"ai"`
}

// PoolConfig sizes the per-class effect worker pools.
type PoolConfig struct {
	Simple      int `json:"simple" yaml:"simple"`
	Medium      int `json:"medium" yaml:"medium"`
	Complex     int `json:"complex" yaml:"complex"`
	AIIntensive int `json:"ai_intensive" yaml:"ai_intensive"`
	Queue       int `json:"queue" yaml:"queue"`
}

// AIConfig configures the LLM provider. When APIKey is empty and
// OPENAI_API_KEY is unset, the host falls back to the stub provider.
type AIConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:            "data",
		SnapshotBackend:    "file",
		SnapshotDBPath:     "data/snapshots.db",
		NavigateTimeoutSec: 60,
	}
}

// NavigateTimeout returns the configured timeout as a duration.
func (c Config) NavigateTimeout() time.Duration {
	if c.NavigateTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.NavigateTimeoutSec) * time.Second
}

// Validators returns the validation chain applied after loading.
func Validators() []Validator {
	return []Validator{
		Required("DataDir"),
		OneOf("SnapshotBackend", "file", "sqlite"),
	}
}
