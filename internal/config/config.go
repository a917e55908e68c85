// Package config loads and validates the DAL core's process-level TOML
// configuration: node/gateway lists, retry and breaker tunables, and local
// paths. Per-project Configuration (datasets, workflows, extensions) is a
// different concern and lives in internal/configstore.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the DAL core's process configuration.
type Config struct {
	General    General    `toml:"general"`
	Governance Governance `toml:"governance"`
	Store      ObjectStoreCfg `toml:"object_store"`
	ML         MLService  `toml:"ml_service"`
	Retry      RetryTuning `toml:"retry"`
	Breaker    BreakerTuning `toml:"breaker"`
	EventBus   EventBus   `toml:"event_bus"`
	API        API        `toml:"api"`
	Signer     SignerCfg  `toml:"signer"`
}

// General holds process-wide paths and timeouts.
type General struct {
	LogLevel           string   `toml:"log_level"`
	StateDB            string   `toml:"state_db"`
	LockFile           string   `toml:"lock_file"`
	TrainingPhaseBudget   Duration `toml:"training_phase_budget"`   // minutes-scale
	QueryingPhaseBudget   Duration `toml:"querying_phase_budget"`   // seconds-scale
	VotingPhaseBudget     Duration `toml:"voting_phase_budget"`     // minutes-to-hours
	InlineDatasetMaxBytes int64    `toml:"inline_dataset_max_bytes"` // bundle builder inline-vs-reference threshold
}

// Governance configures the blockchain-resident governance layer client.
type Governance struct {
	Nodes            []string `toml:"nodes"` // round-robin node URLs for read fallback
	ConfirmPollEvery Duration `toml:"confirm_poll_every"`
	ConfirmTimeout   Duration `toml:"confirm_timeout"`
}

// ObjectStoreCfg configures the content-addressed object store client.
type ObjectStoreCfg struct {
	Gateways []string `toml:"gateways"`
}

// MLService configures the local ML execution service client.
type MLService struct {
	Endpoint string   `toml:"endpoint"`
	Timeout  Duration `toml:"timeout"`
}

// RetryTuning holds backoff settings that are loaded and defaulted here.
// The resilience callers take their policies from
// resilience.DefaultReadPolicy and DefaultWritePolicy and do not read these
// values.
type RetryTuning struct {
	ReadBase        Duration `toml:"read_base"`
	ReadCap         Duration `toml:"read_cap"`
	ReadMaxAttempts int      `toml:"read_max_attempts"`

	WriteBase        Duration `toml:"write_base"`
	WriteCap         Duration `toml:"write_cap"`
	WriteMaxAttempts int      `toml:"write_max_attempts"`
}

// BreakerTuning overrides the default circuit breaker settings.
type BreakerTuning struct {
	FailureRatio float64  `toml:"failure_ratio"`
	MinRequests  int      `toml:"min_requests"`
	Interval     Duration `toml:"interval"`
	OpenTimeout  Duration `toml:"open_timeout"`
}

// EventBus configures the in-process pub/sub bus.
type EventBus struct {
	QueueSize int `toml:"queue_size"`
}

// API configures the HTTP status and iteration-control surface.
type API struct {
	Bind             string `toml:"bind"`
	RequireLocalOnly bool   `toml:"require_local_only"`
	AuditLog         string `toml:"audit_log"`
}

// SignerCfg configures the HTTP delegate to the external signer daemon
// that alone holds this identity's key material.
type SignerCfg struct {
	Endpoint string `toml:"endpoint"`
	Identity string `toml:"identity"`
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Governance.Nodes = cloneStringSlice(cfg.Governance.Nodes)
	cloned.Store.Gateways = cloneStringSlice(cfg.Store.Gateways)
	return &cloned
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Load reads and validates a DAL core TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads path, for use from a SIGHUP handler.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager loads path and wraps it in a ConfigManager.
func LoadManager(path string) (ConfigManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "~/.daloraclehub/state.db"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "/tmp/daloraclehub.lock"
	}
	if cfg.General.TrainingPhaseBudget.Duration == 0 {
		cfg.General.TrainingPhaseBudget.Duration = 30 * time.Minute
	}
	if cfg.General.QueryingPhaseBudget.Duration == 0 {
		cfg.General.QueryingPhaseBudget.Duration = 60 * time.Second
	}
	if cfg.General.VotingPhaseBudget.Duration == 0 {
		cfg.General.VotingPhaseBudget.Duration = 2 * time.Hour
	}
	if cfg.General.InlineDatasetMaxBytes == 0 {
		cfg.General.InlineDatasetMaxBytes = 1 << 20 // 1 MiB
	}

	if cfg.Governance.ConfirmPollEvery.Duration == 0 {
		cfg.Governance.ConfirmPollEvery.Duration = 2 * time.Second
	}
	if cfg.Governance.ConfirmTimeout.Duration == 0 {
		cfg.Governance.ConfirmTimeout.Duration = 2 * time.Minute
	}

	if cfg.ML.Timeout.Duration == 0 {
		cfg.ML.Timeout.Duration = 30 * time.Second
	}

	if cfg.Retry.ReadBase.Duration == 0 {
		cfg.Retry.ReadBase.Duration = 200 * time.Millisecond
	}
	if cfg.Retry.ReadCap.Duration == 0 {
		cfg.Retry.ReadCap.Duration = 30 * time.Second
	}
	if cfg.Retry.ReadMaxAttempts == 0 {
		cfg.Retry.ReadMaxAttempts = 8
	}
	if cfg.Retry.WriteBase.Duration == 0 {
		cfg.Retry.WriteBase.Duration = 200 * time.Millisecond
	}
	if cfg.Retry.WriteCap.Duration == 0 {
		cfg.Retry.WriteCap.Duration = 30 * time.Second
	}
	if cfg.Retry.WriteMaxAttempts == 0 {
		cfg.Retry.WriteMaxAttempts = 5
	}

	if cfg.Breaker.FailureRatio == 0 {
		cfg.Breaker.FailureRatio = 0.5
	}
	if cfg.Breaker.MinRequests == 0 {
		cfg.Breaker.MinRequests = 5
	}
	if cfg.Breaker.Interval.Duration == 0 {
		cfg.Breaker.Interval.Duration = time.Minute
	}
	if cfg.Breaker.OpenTimeout.Duration == 0 {
		cfg.Breaker.OpenTimeout.Duration = 30 * time.Second
	}

	if cfg.EventBus.QueueSize == 0 {
		cfg.EventBus.QueueSize = 1024
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8089"
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
}

// ExpandHome expands a leading "~" into the current user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	u, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return u.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(u.HomeDir, path[2:])
	}
	return path
}

func validate(cfg *Config) error {
	if len(cfg.Governance.Nodes) == 0 {
		return fmt.Errorf("governance.nodes must list at least one node URL")
	}
	if len(cfg.Store.Gateways) == 0 {
		return fmt.Errorf("object_store.gateways must list at least one gateway URL")
	}
	if strings.TrimSpace(cfg.ML.Endpoint) == "" {
		return fmt.Errorf("ml_service.endpoint is required")
	}
	if strings.TrimSpace(cfg.Signer.Endpoint) == "" {
		return fmt.Errorf("signer.endpoint is required")
	}
	if strings.TrimSpace(cfg.Signer.Identity) == "" {
		return fmt.Errorf("signer.identity is required")
	}
	if cfg.General.InlineDatasetMaxBytes < 0 {
		return fmt.Errorf("general.inline_dataset_max_bytes must be >= 0")
	}
	if cfg.Breaker.FailureRatio <= 0 || cfg.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker.failure_ratio must be in (0, 1]")
	}
	return nil
}
