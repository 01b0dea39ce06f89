// Package config loads and validates the YAML configuration and builds
// the immutable rule and task tables from it.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/craftbridge/craftbridge/internal/domain"
)

// Config is the full parsed configuration. Treated as immutable; a reload
// produces a fresh value.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	MSMP       MSMPConfig       `yaml:"msmp"`
	RCON       RCONConfig       `yaml:"rcon"`
	Connection ConnectionConfig `yaml:"connection"`
	Chat       ChatConfig       `yaml:"chat"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`

	ListenerRules []RuleConfig    `yaml:"listener_rules"`
	CommandRules  []RuleConfig    `yaml:"command_rules"`
	Scheduled     ScheduledConfig `yaml:"scheduled_tasks"`
}

type ServerConfig struct {
	StartScript           string `yaml:"start_script"`
	WorkingDirectory      string `yaml:"working_directory"`
	StartupTimeoutSeconds int    `yaml:"startup_timeout_seconds"`
	StopTimeoutSeconds    int    `yaml:"stop_timeout_seconds"`
	AutoRestartOnCrash    bool   `yaml:"auto_restart_on_crash"`
	CrashRestartDelay     int    `yaml:"crash_restart_delay_seconds"`
	IdleRestartTimeout    int    `yaml:"log_idle_restart_timeout_seconds"`
}

type MSMPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Token   string `yaml:"token"`
}

type RCONConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ConnectionConfig struct {
	ReconnectIntervalSeconds int `yaml:"reconnect_interval_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	CommandTimeoutSeconds    int `yaml:"command_timeout_seconds"`
}

type ChatConfig struct {
	ListenAddr         string  `yaml:"listen_addr"`
	AccessToken        string  `yaml:"access_token"`
	Groups             []int64 `yaml:"groups"`
	Admins             []int64 `yaml:"admins"`
	NotifyServerEvents bool    `yaml:"notify_server_events"`
	NotifyPlayerEvents bool    `yaml:"notify_player_events"`
}

type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type MetricsConfig struct {
	TPSCommand string `yaml:"tps_command"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// RuleConfig is the YAML form of one listener or command rule.
type RuleConfig struct {
	Name            string            `yaml:"name"`
	Pattern         string            `yaml:"pattern"`
	CaseSensitive   bool              `yaml:"case_sensitive"`
	Enabled         *bool             `yaml:"enabled"` // nil means enabled
	AdminOnly       bool              `yaml:"admin_only"`
	TriggerLimit    int               `yaml:"trigger_limit"`
	CooldownSeconds int               `yaml:"cooldown_seconds"`
	DailyLimit      int               `yaml:"daily_limit"`
	Conditions      []ConditionConfig `yaml:"conditions"`
	ChatMessage     string            `yaml:"chat_message"`
	ServerCommand   string            `yaml:"server_command"`
	Description     string            `yaml:"description"`
}

type ConditionConfig struct {
	Type     string  `yaml:"type"`
	Start    string  `yaml:"start"`
	End      string  `yaml:"end"`
	Require  *bool   `yaml:"require"`
	MinTPS   float64 `yaml:"min_tps"`
	MaxTPS   float64 `yaml:"max_tps"`
	MaxUsage float64 `yaml:"max_usage"`
}

// ScheduledConfig groups the three task kinds.
type ScheduledConfig struct {
	Enabled     bool       `yaml:"enabled"`
	AutoStart   TaskConfig `yaml:"auto_start"`
	AutoStop    TaskConfig `yaml:"auto_stop"`
	AutoRestart TaskConfig `yaml:"auto_restart"`
}

type TaskConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Times                []string `yaml:"times"`
	Weekdays             []int    `yaml:"weekdays"` // 0=Sunday .. 6=Saturday; empty means all
	PreNotifySeconds     int      `yaml:"pre_notify_seconds"`
	WarningBeforeSeconds int      `yaml:"warning_before_seconds"`
	WaitBeforeStartup    int      `yaml:"wait_before_startup"`
	NotifyMessage        string   `yaml:"notify_message"`
	FirstWarning         string   `yaml:"first_warning"`
	SecondWarning        string   `yaml:"second_warning"`
	DoneMessage          string   `yaml:"done_message"`
}

var hhmmRE = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

// Load parses and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if errs := cfg.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed: %v", errs)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			StartupTimeoutSeconds: 180,
			StopTimeoutSeconds:    60,
			CrashRestartDelay:     10,
		},
		Connection: ConnectionConfig{
			ReconnectIntervalSeconds: 300,
			HeartbeatIntervalSeconds: 30,
			CommandTimeoutSeconds:    10,
		},
		Chat: ChatConfig{
			ListenAddr:         ":8765",
			NotifyServerEvents: true,
			NotifyPlayerEvents: true,
		},
		Metrics: MetricsConfig{TPSCommand: "tps"},
		Logging: LoggingConfig{Level: "info"},
	}
}

func (c *Config) validate() []string {
	var errs []string
	if !c.MSMP.Enabled && !c.RCON.Enabled {
		errs = append(errs, "at least one of msmp or rcon must be enabled")
	}
	if c.MSMP.Enabled && (c.MSMP.Port <= 0 || c.MSMP.Port > 65535) {
		errs = append(errs, fmt.Sprintf("msmp.port %d out of range", c.MSMP.Port))
	}
	if c.RCON.Enabled && (c.RCON.Port <= 0 || c.RCON.Port > 65535) {
		errs = append(errs, fmt.Sprintf("rcon.port %d out of range", c.RCON.Port))
	}
	for _, task := range []struct {
		name string
		cfg  TaskConfig
	}{
		{"auto_start", c.Scheduled.AutoStart},
		{"auto_stop", c.Scheduled.AutoStop},
		{"auto_restart", c.Scheduled.AutoRestart},
	} {
		if !task.cfg.Enabled {
			continue
		}
		for _, t := range task.cfg.Times {
			if !hhmmRE.MatchString(t) {
				errs = append(errs, fmt.Sprintf("%s: invalid time %q", task.name, t))
			}
		}
		for _, wd := range task.cfg.Weekdays {
			if wd < 0 || wd > 6 {
				errs = append(errs, fmt.Sprintf("%s: invalid weekday %d", task.name, wd))
			}
		}
	}
	return errs
}

// BuildRules compiles the configured rules into the domain table. A rule
// with an invalid pattern is skipped (reported in the returned errors);
// the others stay active.
func (c *Config) BuildRules() ([]domain.Rule, []error) {
	var rules []domain.Rule
	var errs []error

	build := func(class domain.RuleClass, configs []RuleConfig) {
		for i, rc := range configs {
			name := rc.Name
			if name == "" {
				name = fmt.Sprintf("rule_%d", i)
			}
			if rc.Pattern == "" {
				errs = append(errs, fmt.Errorf("rule %q: empty pattern", name))
				continue
			}
			if rc.ChatMessage == "" && rc.ServerCommand == "" {
				errs = append(errs, fmt.Errorf("rule %q: no chat message or server command", name))
				continue
			}
			pattern := rc.Pattern
			if !rc.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %q: %w", name, err))
				continue
			}

			enabled := rc.Enabled == nil || *rc.Enabled
			rules = append(rules, domain.Rule{
				Name:            name,
				Class:           class,
				Pattern:         rc.Pattern,
				Regexp:          re,
				CaseSensitive:   rc.CaseSensitive,
				Enabled:         enabled,
				AdminOnly:       rc.AdminOnly,
				TriggerLimit:    rc.TriggerLimit,
				CooldownSeconds: rc.CooldownSeconds,
				DailyLimit:      rc.DailyLimit,
				Conditions:      buildConditions(rc.Conditions),
				ChatTemplate:    rc.ChatMessage,
				CommandTemplate: rc.ServerCommand,
				Description:     rc.Description,
			})
		}
	}
	build(domain.ClassListener, c.ListenerRules)
	build(domain.ClassCommand, c.CommandRules)
	return rules, errs
}

func buildConditions(configs []ConditionConfig) []domain.ConditionSpec {
	var out []domain.ConditionSpec
	for _, cc := range configs {
		spec := domain.ConditionSpec{Type: domain.ConditionType(cc.Type)}
		switch spec.Type {
		case domain.ConditionTimeRange:
			spec.Start, spec.End = cc.Start, cc.End
		case domain.ConditionPlayerOnline:
			spec.RequireOnline = cc.Require == nil || *cc.Require
		case domain.ConditionServerTPS:
			spec.MinTPS, spec.MaxTPS = cc.MinTPS, cc.MaxTPS
		case domain.ConditionMemoryUsage:
			spec.MaxMemoryPercent = cc.MaxUsage
		default:
			continue // unknown condition types are dropped at load
		}
		out = append(out, spec)
	}
	return out
}

// BuildTasks converts the scheduled-task configuration into the domain
// table. Disabled task groups yield nothing.
func (c *Config) BuildTasks() []domain.ScheduledTask {
	if !c.Scheduled.Enabled {
		return nil
	}
	var tasks []domain.ScheduledTask
	add := func(kind domain.TaskKind, tc TaskConfig) {
		if !tc.Enabled || len(tc.Times) == 0 {
			return
		}
		tasks = append(tasks, domain.ScheduledTask{
			Kind:                 kind,
			Times:                tc.Times,
			Weekdays:             weekdaySet(tc.Weekdays),
			Enabled:              true,
			PreNotifySeconds:     tc.PreNotifySeconds,
			WarningBeforeSeconds: tc.WarningBeforeSeconds,
			WaitBeforeStartup:    tc.WaitBeforeStartup,
			NotifyMessage:        tc.NotifyMessage,
			FirstWarning:         tc.FirstWarning,
			SecondWarning:        tc.SecondWarning,
			DoneMessage:          tc.DoneMessage,
		})
	}
	add(domain.TaskAutoStart, c.Scheduled.AutoStart)
	add(domain.TaskAutoStop, c.Scheduled.AutoStop)
	add(domain.TaskAutoRestart, c.Scheduled.AutoRestart)
	return tasks
}

func weekdaySet(days []int) map[time.Weekday]bool {
	if len(days) == 0 {
		return nil // all days
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[time.Weekday(d)] = true
	}
	return set
}
