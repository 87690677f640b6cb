package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/types"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or bare integers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std converts to a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root declarative configuration, re-read on reload_config.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Supervisor  SupervisorConfig         `yaml:"supervisor"`
	Services    map[string]ServiceConfig `yaml:"services"`
	Coordinator CoordinatorConfig        `yaml:"coordinator"`
	Assigner    AssignerConfig           `yaml:"assigner"`
	Remote      RemoteConfig             `yaml:"remote"`
}

// SupervisorConfig holds global supervisor options
type SupervisorConfig struct {
	CheckInterval Duration `yaml:"check_interval"`
	RestartDelay  Duration `yaml:"restart_delay"`
	LogDirectory  string   `yaml:"log_directory"`
	PidDirectory  string   `yaml:"pid_directory"`
}

// ServiceConfig declares one supervised service
type ServiceConfig struct {
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args"`
	WorkingDir    string            `yaml:"working_directory"`
	Environment   map[string]string `yaml:"environment"`
	Priority      int               `yaml:"priority"`
	Enabled       *bool             `yaml:"enabled"`
	RestartOnExit *bool             `yaml:"restart_on_exit"`

	RestartPolicy struct {
		MaxRetries        int      `yaml:"max_retries"`
		RetryDelay        Duration `yaml:"retry_delay"`
		BackoffMultiplier float64  `yaml:"backoff_multiplier"`
		MaxBackoff        Duration `yaml:"max_backoff"`
	} `yaml:"restart_policy"`

	GracefulShutdown struct {
		Enabled *bool    `yaml:"enabled"`
		Timeout Duration `yaml:"timeout"`
		Signal  string   `yaml:"signal"`
	} `yaml:"graceful_shutdown"`

	ResourceLimits struct {
		MaxCPUPercent float64 `yaml:"max_cpu_percent"`
		MaxMemoryMB   float64 `yaml:"max_memory_mb"`
	} `yaml:"resource_limits"`

	HealthCheck *CheckConfig `yaml:"health_check"`
}

// CheckConfig declares a health check, with an optional fallback used
// when an HTTP check errors at the transport level.
type CheckConfig struct {
	Kind            string       `yaml:"kind"`
	URL             string       `yaml:"url"`
	ExpectedStatus  int          `yaml:"expected_status"`
	ExpectedContent string       `yaml:"expected_content"`
	Host            string       `yaml:"host"`
	Port            int          `yaml:"port"`
	Command         []string     `yaml:"command"`
	Timeout         Duration     `yaml:"timeout"`
	Interval        Duration     `yaml:"interval"`
	FallbackCheck   *CheckConfig `yaml:"fallback_check"`
}

// CoordinatorConfig holds cluster coordinator options
type CoordinatorConfig struct {
	NodeID              string   `yaml:"node_id"`
	Role                string   `yaml:"role"`
	Host                string   `yaml:"host"`
	Port                int      `yaml:"port"`
	HeartbeatInterval   Duration `yaml:"heartbeat_interval"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	FailoverThreshold   Duration `yaml:"failover_threshold"`
	RecoveryThreshold   Duration `yaml:"recovery_threshold"`
	MaxMissedHeartbeats int      `yaml:"max_missed_heartbeats"`
	PrimaryAddr         string   `yaml:"primary_addr"`
	Capabilities        []string `yaml:"capabilities"`
	ShareableResources  []string `yaml:"shareable_resources"`
}

// AssignerConfig holds prompt-routing options
type AssignerConfig struct {
	TickInterval     Duration           `yaml:"tick_interval"`
	CompletionTick   Duration           `yaml:"completion_tick"`
	MatchBatchSize   int                `yaml:"match_batch_size"`
	DefaultMaxRetry  int                `yaml:"default_max_retries"`
	DefaultTimeout   Duration           `yaml:"default_prompt_timeout"`
	ExcludedSessions []string           `yaml:"excluded_sessions"`
	Providers        map[string]Markers `yaml:"providers"`
}

// Markers are the per-provider idle/busy output patterns. A marker with
// the "re:" prefix is treated as a regular expression, otherwise as a
// literal substring.
type Markers struct {
	Idle    []string `yaml:"idle"`
	Busy    []string `yaml:"busy"`
	Waiting []string `yaml:"waiting"`
}

// RemoteConfig holds SSH executor options
type RemoteConfig struct {
	DefaultUser    string   `yaml:"default_user"`
	DefaultKeyPath string   `yaml:"default_key_path"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindConfig, "read config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindConfig, "parse config %s", path)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./drover-data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Supervisor.CheckInterval == 0 {
		c.Supervisor.CheckInterval = Duration(30 * time.Second)
	}
	if c.Supervisor.RestartDelay == 0 {
		c.Supervisor.RestartDelay = Duration(time.Second)
	}
	if c.Coordinator.HeartbeatInterval == 0 {
		c.Coordinator.HeartbeatInterval = Duration(10 * time.Second)
	}
	if c.Coordinator.HealthCheckInterval == 0 {
		c.Coordinator.HealthCheckInterval = Duration(15 * time.Second)
	}
	if c.Coordinator.FailoverThreshold == 0 {
		c.Coordinator.FailoverThreshold = Duration(30 * time.Second)
	}
	if c.Coordinator.MaxMissedHeartbeats == 0 {
		c.Coordinator.MaxMissedHeartbeats = 3
	}
	if c.Assigner.TickInterval == 0 {
		c.Assigner.TickInterval = Duration(3 * time.Second)
	}
	if c.Assigner.CompletionTick == 0 {
		c.Assigner.CompletionTick = Duration(5 * time.Second)
	}
	if c.Assigner.MatchBatchSize == 0 {
		c.Assigner.MatchBatchSize = 50
	}
	if c.Assigner.DefaultMaxRetry == 0 {
		c.Assigner.DefaultMaxRetry = 3
	}
	if c.Assigner.DefaultTimeout == 0 {
		c.Assigner.DefaultTimeout = Duration(30 * time.Minute)
	}
	if c.Remote.IdleTimeout == 0 {
		c.Remote.IdleTimeout = Duration(5 * time.Minute)
	}
	for name, svc := range c.Services {
		if svc.RestartPolicy.MaxRetries == 0 {
			svc.RestartPolicy.MaxRetries = 5
		}
		if svc.RestartPolicy.RetryDelay == 0 {
			svc.RestartPolicy.RetryDelay = c.Supervisor.RestartDelay
		}
		if svc.RestartPolicy.BackoffMultiplier == 0 {
			svc.RestartPolicy.BackoffMultiplier = 2
		}
		if svc.RestartPolicy.MaxBackoff == 0 {
			svc.RestartPolicy.MaxBackoff = Duration(5 * time.Minute)
		}
		if svc.GracefulShutdown.Timeout == 0 {
			svc.GracefulShutdown.Timeout = Duration(10 * time.Second)
		}
		if svc.GracefulShutdown.Signal == "" {
			svc.GracefulShutdown.Signal = "SIGTERM"
		}
		c.Services[name] = svc
	}
}

func (c *Config) validate() error {
	switch c.Coordinator.Role {
	case "", string(types.RolePrimary), string(types.RoleFailover), string(types.RoleWorker):
	default:
		return errdefs.New(errdefs.KindConfig, "invalid coordinator role %q", c.Coordinator.Role)
	}
	if c.Coordinator.Role != "" && c.Coordinator.NodeID == "" {
		return errdefs.New(errdefs.KindConfig, "coordinator.node_id is required")
	}
	for name, svc := range c.Services {
		if svc.Command == "" {
			return errdefs.New(errdefs.KindConfig, "service %q has no command", name)
		}
		if hc := svc.HealthCheck; hc != nil {
			if err := validateCheck(name, hc); err != nil {
				return err
			}
		}
	}
	for name, m := range c.Assigner.Providers {
		switch types.Provider(name) {
		case types.ProviderClaude, types.ProviderCodex, types.ProviderOllama, types.ProviderComet:
		default:
			return errdefs.New(errdefs.KindConfig, "unknown provider %q", name)
		}
		if len(m.Idle) == 0 {
			return errdefs.New(errdefs.KindConfig, "provider %q has no idle markers", name)
		}
	}
	return nil
}

func validateCheck(service string, hc *CheckConfig) error {
	switch types.CheckKind(hc.Kind) {
	case types.CheckHTTP:
		if hc.URL == "" {
			return errdefs.New(errdefs.KindConfig, "service %q: http check requires url", service)
		}
	case types.CheckTCP:
		if hc.Host == "" || hc.Port == 0 {
			return errdefs.New(errdefs.KindConfig, "service %q: tcp check requires host and port", service)
		}
	case types.CheckProcess:
	case types.CheckScript:
		if len(hc.Command) == 0 {
			return errdefs.New(errdefs.KindConfig, "service %q: script check requires command", service)
		}
	default:
		return errdefs.New(errdefs.KindConfig, "service %q: unknown check kind %q", service, hc.Kind)
	}
	if hc.FallbackCheck != nil {
		return validateCheck(service, hc.FallbackCheck)
	}
	return nil
}

// ServiceSpecs converts the declared services into supervisor specs,
// ordered later by the supervisor itself.
func (c *Config) ServiceSpecs() []*types.ServiceSpec {
	specs := make([]*types.ServiceSpec, 0, len(c.Services))
	for id, svc := range c.Services {
		enabled := true
		if svc.Enabled != nil {
			enabled = *svc.Enabled
		}
		restartOnExit := true
		if svc.RestartOnExit != nil {
			restartOnExit = *svc.RestartOnExit
		}
		gracefulEnabled := true
		if svc.GracefulShutdown.Enabled != nil {
			gracefulEnabled = *svc.GracefulShutdown.Enabled
		}
		spec := &types.ServiceSpec{
			ID:            id,
			Command:       svc.Command,
			Args:          svc.Args,
			WorkingDir:    svc.WorkingDir,
			Env:           svc.Environment,
			Priority:      svc.Priority,
			Enabled:       enabled,
			RestartOnExit: restartOnExit,
			RestartPolicy: types.RestartPolicy{
				MaxRetries:        svc.RestartPolicy.MaxRetries,
				RetryDelay:        svc.RestartPolicy.RetryDelay.Std(),
				BackoffMultiplier: svc.RestartPolicy.BackoffMultiplier,
				MaxBackoff:        svc.RestartPolicy.MaxBackoff.Std(),
			},
			Graceful: types.GracefulShutdown{
				Enabled: gracefulEnabled,
				Timeout: svc.GracefulShutdown.Timeout.Std(),
				Signal:  svc.GracefulShutdown.Signal,
			},
			Limits: types.ResourceLimits{
				MaxCPUPercent: svc.ResourceLimits.MaxCPUPercent,
				MaxMemoryMB:   svc.ResourceLimits.MaxMemoryMB,
			},
			HealthCheck: svc.HealthCheck.Spec(),
		}
		specs = append(specs, spec)
	}
	return specs
}

// Spec converts a CheckConfig to the typed check spec. Nil in, nil out.
func (cc *CheckConfig) Spec() *types.CheckSpec {
	if cc == nil {
		return nil
	}
	return &types.CheckSpec{
		Kind:            types.CheckKind(cc.Kind),
		URL:             cc.URL,
		ExpectedStatus:  cc.ExpectedStatus,
		ExpectedContent: cc.ExpectedContent,
		Host:            cc.Host,
		Port:            cc.Port,
		Command:         cc.Command,
		Timeout:         cc.Timeout.Std(),
		Interval:        cc.Interval.Std(),
		Fallback:        cc.FallbackCheck.Spec(),
	}
}
