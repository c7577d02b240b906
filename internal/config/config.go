// Package config loads the daemon's TOML configuration. Every knob has a
// default matching the production policy, so an empty file is a valid
// configuration.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/hostr/internal/logger"
	"github.com/loykin/hostr/internal/plan"
	"github.com/loykin/hostr/internal/store"
	"github.com/loykin/hostr/internal/supervisor"
)

// Config is the top-level TOML structure.
type Config struct {
	Server ServerConfig  `toml:"server" mapstructure:"server"`
	Store  store.Config  `toml:"store" mapstructure:"store"`
	Log    logger.Config `toml:"log" mapstructure:"log"`
	Notify NotifyConfig  `toml:"notify" mapstructure:"notify"`
	Audit  AuditConfig   `toml:"audit" mapstructure:"audit"`
	Policy PolicyConfig  `toml:"policy" mapstructure:"policy"`
}

type ServerConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// NotifyConfig selects the owner notification transport. "log" writes
// notifications to the diagnostic log; "webhook" POSTs them to URL.
type NotifyConfig struct {
	Transport string `toml:"transport" mapstructure:"transport"`
	URL       string `toml:"url" mapstructure:"url"`
}

// AuditConfig configures the optional ClickHouse lifecycle event sink.
type AuditConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Addr    string `toml:"addr" mapstructure:"addr"`
	Table   string `toml:"table" mapstructure:"table"`
}

// PolicyConfig mirrors supervisor.Config in TOML-friendly form.
type PolicyConfig struct {
	InstancesDir       string        `toml:"instances_dir" mapstructure:"instances_dir"`
	StopWait           time.Duration `toml:"stop_wait" mapstructure:"stop_wait"`
	RestartCooldown    time.Duration `toml:"restart_cooldown" mapstructure:"restart_cooldown"`
	RestartTimeCost    time.Duration `toml:"restart_time_cost" mapstructure:"restart_time_cost"`
	RestartPowerCost   float64       `toml:"restart_power_cost" mapstructure:"restart_power_cost"`
	AntiLoopLimit      int           `toml:"anti_loop_limit" mapstructure:"anti_loop_limit"`
	ExitPolicyDelay    time.Duration `toml:"exit_policy_delay" mapstructure:"exit_policy_delay"`
	RestartSettleDelay time.Duration `toml:"restart_settle_delay" mapstructure:"restart_settle_delay"`
	ExitPollInterval   time.Duration `toml:"exit_poll_interval" mapstructure:"exit_poll_interval"`
	LogPollInterval    time.Duration `toml:"log_poll_interval" mapstructure:"log_poll_interval"`
	EnforceInterval    time.Duration `toml:"enforce_interval" mapstructure:"enforce_interval"`
	LowTimeWarn        time.Duration `toml:"low_time_warn" mapstructure:"low_time_warn"`
	DrainFactor        float64       `toml:"drain_factor" mapstructure:"drain_factor"`
	IdleCPUThreshold   float64       `toml:"idle_cpu_threshold" mapstructure:"idle_cpu_threshold"`
	IdleDiscount       float64       `toml:"idle_discount" mapstructure:"idle_discount"`
	RecoverySeconds    int64         `toml:"recovery_seconds" mapstructure:"recovery_seconds"`
	RecoveryPower      float64       `toml:"recovery_power" mapstructure:"recovery_power"`
	NotifyClip         int           `toml:"notify_clip" mapstructure:"notify_clip"`
}

// Default returns the configuration the daemon runs with when the file sets
// nothing.
func Default() Config {
	sup := supervisor.DefaultConfig()
	return Config{
		Server: ServerConfig{Listen: ":8080"},
		Store:  store.Config{Type: "sqlite", Path: "hostr.db"},
		Log:    logger.Config{Level: "info", Color: true},
		Notify: NotifyConfig{Transport: "log"},
		Audit:  AuditConfig{Table: "hostr_events"},
		Policy: PolicyConfig{
			InstancesDir:       sup.InstancesDir,
			StopWait:           sup.StopWait,
			RestartCooldown:    sup.RestartCooldown,
			RestartTimeCost:    sup.RestartTimeCost,
			RestartPowerCost:   sup.RestartPowerCost,
			AntiLoopLimit:      sup.AntiLoopLimit,
			ExitPolicyDelay:    sup.ExitPolicyDelay,
			RestartSettleDelay: sup.RestartSettleDelay,
			ExitPollInterval:   sup.ExitPollInterval,
			LogPollInterval:    sup.LogPollInterval,
			EnforceInterval:    sup.EnforceInterval,
			LowTimeWarn:        sup.LowTimeWarn,
			DrainFactor:        sup.Drain.Factor,
			IdleCPUThreshold:   sup.Drain.IdleCPUThreshold,
			IdleDiscount:       sup.Drain.IdleDiscount,
			RecoverySeconds:    sup.RecoveryGrant.Seconds,
			RecoveryPower:      sup.RecoveryGrant.Power,
			NotifyClip:         sup.NotifyClip,
		},
	}
}

// Load reads a TOML config file. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Supervisor converts the policy section into the supervisor's config.
func (p PolicyConfig) Supervisor() supervisor.Config {
	return supervisor.Config{
		InstancesDir:       p.InstancesDir,
		StopWait:           p.StopWait,
		RestartCooldown:    p.RestartCooldown,
		RestartTimeCost:    p.RestartTimeCost,
		RestartPowerCost:   p.RestartPowerCost,
		AntiLoopLimit:      p.AntiLoopLimit,
		ExitPolicyDelay:    p.ExitPolicyDelay,
		RestartSettleDelay: p.RestartSettleDelay,
		ExitPollInterval:   p.ExitPollInterval,
		LogPollInterval:    p.LogPollInterval,
		EnforceInterval:    p.EnforceInterval,
		LowTimeWarn:        p.LowTimeWarn,
		Drain: plan.Drain{
			Factor:           p.DrainFactor,
			IdleCPUThreshold: p.IdleCPUThreshold,
			IdleDiscount:     p.IdleDiscount,
		},
		RecoveryGrant: plan.RecoveryGrant{
			Seconds: p.RecoverySeconds,
			Power:   p.RecoveryPower,
		},
		NotifyClip: p.NotifyClip,
	}
}
