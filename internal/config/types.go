package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"trackgate/internal/carrier"
	"trackgate/internal/ops"
	"trackgate/internal/sched"
	"trackgate/internal/storage"
	logx "trackgate/pkg/logx"
)

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos fail fast.
type Config struct {
	Logging   LoggingConfig            `json:"logging"`
	Scheduler SchedulerConfig          `json:"scheduler"`
	Carriers  map[string]CarrierConfig `json:"carriers"`

	Ops         *OpsConfig         `json:"ops,omitempty"`
	Storage     *StorageConfig     `json:"storage,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func (c LoggingConfig) Runtime() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// SchedulerConfig controls the dispatch core.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 6
//   - cap_retry_delay: "100ms"
//   - default_timeout: "15s"
//   - auth_check_timeout: "10s"
//   - history_size: 200
//   - sweep_interval: "30s"
type SchedulerConfig struct {
	MaxConcurrent    int    `json:"max_concurrent,omitempty"`
	CapRetryDelay    string `json:"cap_retry_delay,omitempty"`
	DefaultTimeout   string `json:"default_timeout,omitempty"`
	AuthCheckTimeout string `json:"auth_check_timeout,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	SweepInterval    string `json:"sweep_interval,omitempty"`
}

func (c SchedulerConfig) Runtime() (sched.Config, error) {
	out := sched.Config{
		MaxConcurrent: c.MaxConcurrent,
		HistorySize:   c.HistorySize,
	}
	var err error
	if out.CapRetryDelay, err = ParseDurationField("scheduler.cap_retry_delay", c.CapRetryDelay); err != nil {
		return out, err
	}
	if out.DefaultTimeout, err = ParseDurationField("scheduler.default_timeout", c.DefaultTimeout); err != nil {
		return out, err
	}
	if out.AuthCheckTimeout, err = ParseDurationField("scheduler.auth_check_timeout", c.AuthCheckTimeout); err != nil {
		return out, err
	}
	if out.SweepInterval, err = ParseDurationField("scheduler.sweep_interval", c.SweepInterval); err != nil {
		return out, err
	}
	return out, nil
}

// CarrierConfig tunes one backend profile.
type CarrierConfig struct {
	Window         string  `json:"window,omitempty"`
	MaxRequests    int     `json:"max_requests,omitempty"`
	BufferFraction float64 `json:"buffer_fraction,omitempty"`
	MinWait        string  `json:"min_wait,omitempty"`

	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	MinTimeout    string `json:"min_timeout,omitempty"`
	MaxRetries    int    `json:"max_retries,omitempty"`

	RetryBase        string  `json:"retry_base,omitempty"`
	RetryMaxDelay    string  `json:"retry_max_delay,omitempty"`
	RetryJitter      float64 `json:"retry_jitter,omitempty"`
	AuthRetryCeiling int     `json:"auth_retry_ceiling,omitempty"`

	Auth *CarrierAuthConfig `json:"auth,omitempty"`
}

type CarrierAuthConfig struct {
	CheckInterval  string `json:"check_interval,omitempty"`
	FailureCeiling int    `json:"failure_ceiling,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
	DecayAfter     string `json:"decay_after,omitempty"`
	SearchExempt   bool   `json:"search_exempt,omitempty"`

	// TokenEnv names the environment variable holding this carrier's API
	// credential. Empty means the env-based token source is not used.
	TokenEnv string `json:"token_env,omitempty"`
}

func (c CarrierConfig) Runtime(name string) (carrier.Config, error) {
	out := carrier.Config{
		MaxRequests:      c.MaxRequests,
		BufferFraction:   c.BufferFraction,
		MaxConcurrent:    c.MaxConcurrent,
		MaxRetries:       c.MaxRetries,
		RetryJitter:      c.RetryJitter,
		AuthRetryCeiling: c.AuthRetryCeiling,
	}
	var err error
	prefix := "carriers." + name
	if out.Window, err = ParseDurationField(prefix+".window", c.Window); err != nil {
		return out, err
	}
	if out.MinWait, err = ParseDurationField(prefix+".min_wait", c.MinWait); err != nil {
		return out, err
	}
	if out.MinTimeout, err = ParseDurationField(prefix+".min_timeout", c.MinTimeout); err != nil {
		return out, err
	}
	if out.RetryBase, err = ParseDurationField(prefix+".retry_base", c.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = ParseDurationField(prefix+".retry_max_delay", c.RetryMaxDelay); err != nil {
		return out, err
	}
	if c.Auth != nil {
		a := carrier.AuthConfig{
			FailureCeiling: c.Auth.FailureCeiling,
			SearchExempt:   c.Auth.SearchExempt,
		}
		if a.CheckInterval, err = ParseDurationField(prefix+".auth.check_interval", c.Auth.CheckInterval); err != nil {
			return out, err
		}
		if a.RetryDelay, err = ParseDurationField(prefix+".auth.retry_delay", c.Auth.RetryDelay); err != nil {
			return out, err
		}
		if a.DecayAfter, err = ParseDurationField(prefix+".auth.decay_after", c.Auth.DecayAfter); err != nil {
			return out, err
		}
		out.Auth = &a
	}
	return out, nil
}

// OpsConfig controls the HTTP observability/admin surface.
//
// Security note: prefer binding to localhost. The admin endpoints mutate
// scheduler state and carry no authentication of their own.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8662"

	// RatePerSec throttles inbound ops requests (token bucket).
	RatePerSec int `json:"rate_per_sec,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

func (c *OpsConfig) Runtime() (ops.Config, error) {
	if c == nil {
		return ops.Config{}, nil
	}
	out := ops.Config{
		Enabled:    c.Enabled,
		Addr:       c.Addr,
		RatePerSec: c.RatePerSec,
	}
	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("ops.read_timeout", c.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = ParseDurationOrDefault("ops.write_timeout", c.WriteTimeout, 10*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// StorageConfig controls the optional dispatch-history persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./trackgate_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

func (c *StorageConfig) Runtime() (storage.Config, error) {
	if c == nil {
		return storage.Config{}, nil
	}
	out := storage.Config{Driver: c.Driver, Path: c.Path}
	var err error
	if out.BusyTimeout, err = ParseDurationField("storage.busy_timeout", c.BusyTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// MaintenanceConfig holds cron specs for periodic chores.
type MaintenanceConfig struct {
	// SnapshotCron persists a metrics snapshot on this schedule.
	SnapshotCron string `json:"snapshot_cron,omitempty"` // default: "@every 5m"
	// AuthProbeCron proactively validates carrier credentials.
	AuthProbeCron string `json:"auth_probe_cron,omitempty"` // default: "@every 15m"
}

// Validate checks cross-field consistency that strict decoding can't express.
func (c *Config) Validate() error {
	if len(c.Carriers) == 0 {
		return fmt.Errorf("config: at least one carrier must be configured")
	}
	for name, cc := range c.Carriers {
		if _, err := carrier.ParseID(name); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if _, err := cc.Runtime(name); err != nil {
			return err
		}
		if err := ParseFractionField(fmt.Sprintf("carriers.%s.buffer_fraction", name), cc.BufferFraction); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if err := ParseFractionField(fmt.Sprintf("carriers.%s.retry_jitter", name), cc.RetryJitter); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, err := c.Scheduler.Runtime(); err != nil {
		return err
	}
	if c.Ops != nil && c.Ops.Enabled {
		if strings.TrimSpace(c.Ops.Addr) == "" {
			c.Ops.Addr = "127.0.0.1:8662"
		}
	}
	if _, err := c.Ops.Runtime(); err != nil {
		return err
	}
	if _, err := c.Storage.Runtime(); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON keeps decoding strict for nested carrier blocks too.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	var a alias
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return err
	}
	*c = Config(a)
	return nil
}
