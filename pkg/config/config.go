// Package config loads the engine configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// an optional .env file, then process environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds engine configuration.
type Config struct {
	Circuit    CircuitConfig    `yaml:"circuit" json:"circuit"`
	Retry      RetryConfig      `yaml:"retry" json:"retry"`
	Worker     WorkerConfig     `yaml:"worker" json:"worker"`
	Repair     RepairConfig     `yaml:"repair" json:"repair"`
	Cycle      CycleConfig      `yaml:"cycle" json:"cycle"`
	Governance GovernanceConfig `yaml:"governance" json:"governance"`
	Escalation EscalationConfig `yaml:"escalation" json:"escalation"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// CircuitConfig configures per-component circuit breakers.
type CircuitConfig struct {
	FailureThreshold       int `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds" json:"recovery_timeout_seconds"`
}

// RetryConfig configures bounded retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" json:"max_attempts"`
	BaseDelaySeconds float64 `yaml:"base_delay_seconds" json:"base_delay_seconds"`
	MaxRestarts      int     `yaml:"max_restarts" json:"max_restarts"`
}

// WorkerConfig configures worker invocation.
type WorkerConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	CatalogDir     string `yaml:"catalog_dir" json:"catalog_dir"`
	ManifestPath   string `yaml:"manifest_path" json:"manifest_path"`
	SentinelDir    string `yaml:"sentinel_dir" json:"sentinel_dir"`
	NATSURL        string `yaml:"nats_url" json:"nats_url"`
}

// RepairConfig bounds the self-repair loop.
type RepairConfig struct {
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
}

// CycleConfig configures a single orchestration cycle.
type CycleConfig struct {
	MaxReexecutions    int                 `yaml:"max_reexecutions" json:"max_reexecutions"`
	KillSwitchPath     string              `yaml:"kill_switch_path" json:"kill_switch_path"`
	MaintenanceWindows []MaintenanceWindow `yaml:"maintenance_windows" json:"maintenance_windows"`
}

// MaintenanceWindow attaches a directive to cycles that start within
// [StartHour, EndHour) local time. EndHour may wrap past midnight.
type MaintenanceWindow struct {
	Name      string `yaml:"name" json:"name"`
	StartHour int    `yaml:"start_hour" json:"start_hour"`
	EndHour   int    `yaml:"end_hour" json:"end_hour"`
}

// GovernanceConfig configures risk classification and the audit trail.
type GovernanceConfig struct {
	HighRiskAgents          []string `yaml:"high_risk_agents" json:"high_risk_agents"`
	ApprovalAmountThreshold float64  `yaml:"approval_amount_threshold" json:"approval_amount_threshold"`
	CriticalActions         []string `yaml:"critical_actions" json:"critical_actions"`
	Rules                   []Rule   `yaml:"rules" json:"rules"`
	AuditLogPath            string   `yaml:"audit_log_path" json:"audit_log_path"`
	RetentionDays           int      `yaml:"retention_days" json:"retention_days"`
	ApprovalSecret          string   `yaml:"-" json:"-"`
}

// Rule is a CEL expression that raises an action's risk level when it
// evaluates to true.
type Rule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	RiskLevel  string `yaml:"risk_level" json:"risk_level"`
}

// EscalationConfig configures operator escalation on repeated failed cycles.
type EscalationConfig struct {
	RedCycles      int `yaml:"red_cycles" json:"red_cycles"`
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// StoreConfig selects persistence backends.
type StoreConfig struct {
	DataDir     string `yaml:"data_dir" json:"data_dir"`
	DatabaseURL string `yaml:"-" json:"-"`
	RedisURL    string `yaml:"redis_url" json:"redis_url"`
	Sentinels   string `yaml:"sentinels" json:"sentinels"` // "file" | "redis" | "memory"
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
	SpanBuffer   int     `yaml:"span_buffer" json:"span_buffer"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Circuit: CircuitConfig{
			FailureThreshold:       3,
			RecoveryTimeoutSeconds: 30,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 1,
			MaxRestarts:      3,
		},
		Worker: WorkerConfig{
			TimeoutSeconds: 60,
			CatalogDir:     "workers",
			SentinelDir:    "data/sentinels",
		},
		Repair: RepairConfig{MaxIterations: 3},
		Cycle: CycleConfig{
			MaxReexecutions: 1,
			KillSwitchPath:  ".system_kill",
		},
		Governance: GovernanceConfig{
			ApprovalAmountThreshold: 1000,
			CriticalActions:         []string{"execute_trade", "purchase_hardware", "transfer_funds"},
			AuditLogPath:            "data/audit/audit.ndjson",
			RetentionDays:           2555,
		},
		Escalation: EscalationConfig{
			RedCycles:      3,
			TimeoutSeconds: 3600,
		},
		Store: StoreConfig{
			DataDir:   "data",
			Sentinels: "file",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "monolith",
			Insecure:    true,
			SampleRate:  1.0,
			SpanBuffer:  1000,
		},
		Log: LogConfig{Level: "INFO", Format: "text"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	// .env is optional; existing environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	ints := map[string]*int{
		"MONOLITH_CIRCUIT_FAILURE_THRESHOLD":        &c.Circuit.FailureThreshold,
		"MONOLITH_CIRCUIT_RECOVERY_TIMEOUT_SECONDS": &c.Circuit.RecoveryTimeoutSeconds,
		"MONOLITH_RETRY_MAX_ATTEMPTS":               &c.Retry.MaxAttempts,
		"MONOLITH_WORKER_TIMEOUT_SECONDS":           &c.Worker.TimeoutSeconds,
		"MONOLITH_REPAIR_MAX_ITERATIONS":            &c.Repair.MaxIterations,
		"MONOLITH_ESCALATION_RED_CYCLES":            &c.Escalation.RedCycles,
	}
	for key, dst := range ints {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", key, v, err)
		}
		*dst = n
	}

	floats := map[string]*float64{
		"MONOLITH_RETRY_BASE_DELAY_SECONDS":             &c.Retry.BaseDelaySeconds,
		"MONOLITH_GOVERNANCE_APPROVAL_AMOUNT_THRESHOLD": &c.Governance.ApprovalAmountThreshold,
	}
	for key, dst := range floats {
		v := getenv(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", key, v, err)
		}
		*dst = f
	}

	if v := getenv("MONOLITH_GOVERNANCE_HIGH_RISK_AGENTS"); v != "" {
		c.Governance.HighRiskAgents = splitList(v)
	}
	strs := map[string]*string{
		"MONOLITH_CATALOG_DIR":        &c.Worker.CatalogDir,
		"MONOLITH_MANIFEST":           &c.Worker.ManifestPath,
		"MONOLITH_SENTINEL_DIR":       &c.Worker.SentinelDir,
		"MONOLITH_SENTINELS":          &c.Store.Sentinels,
		"MONOLITH_DATA_DIR":           &c.Store.DataDir,
		"MONOLITH_AUDIT_LOG":          &c.Governance.AuditLogPath,
		"MONOLITH_APPROVAL_SECRET":    &c.Governance.ApprovalSecret,
		"MONOLITH_KILL_SWITCH":        &c.Cycle.KillSwitchPath,
		"DATABASE_URL":                &c.Store.DatabaseURL,
		"REDIS_URL":                   &c.Store.RedisURL,
		"NATS_URL":                    &c.Worker.NATSURL,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &c.Telemetry.OTLPEndpoint,
		"OTEL_SERVICE_NAME":           &c.Telemetry.ServiceName,
		"LOG_LEVEL":                   &c.Log.Level,
		"LOG_FORMAT":                  &c.Log.Format,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Circuit.FailureThreshold <= 0 {
		errs = append(errs, errors.New("circuit.failure_threshold must be positive"))
	}
	if c.Circuit.RecoveryTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("circuit.recovery_timeout_seconds must be positive"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.BaseDelaySeconds < 0 {
		errs = append(errs, errors.New("retry.base_delay_seconds must not be negative"))
	}
	if c.Worker.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("worker.timeout_seconds must be positive"))
	}
	if c.Repair.MaxIterations <= 0 {
		errs = append(errs, errors.New("repair.max_iterations must be positive"))
	}
	if c.Cycle.MaxReexecutions < 0 {
		errs = append(errs, errors.New("cycle.max_reexecutions must not be negative"))
	}
	for _, w := range c.Cycle.MaintenanceWindows {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
			errs = append(errs, fmt.Errorf("maintenance window %q: hours out of range", w.Name))
		}
	}
	switch c.Store.Sentinels {
	case "file", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.sentinels: unknown backend %q", c.Store.Sentinels))
	}
	return errors.Join(errs...)
}

// RecoveryTimeout returns circuit.recovery_timeout_seconds as a duration.
func (c *Config) RecoveryTimeout() time.Duration {
	return time.Duration(c.Circuit.RecoveryTimeoutSeconds) * time.Second
}

// BaseDelay returns retry.base_delay_seconds as a duration.
func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelaySeconds * float64(time.Second))
}

// WorkerTimeout returns worker.timeout_seconds as a duration.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

// LiteMode reports whether the embedded sqlite store is used.
func (c *Config) LiteMode() bool {
	return c.Store.DatabaseURL == ""
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
