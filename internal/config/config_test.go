package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
rcon:
  enabled: true
  host: localhost
  port: 25575
  password: secret
`

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 180, cfg.Server.StartupTimeoutSeconds)
	assert.Equal(t, 60, cfg.Server.StopTimeoutSeconds)
	assert.Equal(t, 300, cfg.Connection.ReconnectIntervalSeconds)
	assert.Equal(t, 30, cfg.Connection.HeartbeatIntervalSeconds)
	assert.Equal(t, ":8765", cfg.Chat.ListenAddr)
	assert.Equal(t, "tps", cfg.Metrics.TPSCommand)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsNoTransport(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  start_script: ./start.sh
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one")
}

func TestLoadRejectsBadPort(t *testing.T) {
	_, err := Load(writeConfig(t, `
rcon:
  enabled: true
  port: 70000
`))
	assert.Error(t, err)
}

func TestLoadRejectsBadTaskTime(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
scheduled_tasks:
  enabled: true
  auto_stop:
    enabled: true
    times: ["25:00"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid time")
}

func TestLoadRejectsBadWeekday(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
scheduled_tasks:
  enabled: true
  auto_start:
    enabled: true
    times: ["08:00"]
    weekdays: [7]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid weekday")
}

func TestBuildRulesCompilesCaseInsensitiveByDefault(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
listener_rules:
  - name: join
    pattern: '(\w+) joined'
    chat_message: "{group1} is here"
  - name: exact
    pattern: 'ERROR'
    case_sensitive: true
    chat_message: "error seen"
`))
	require.NoError(t, err)

	rules, errs := cfg.BuildRules()
	require.Empty(t, errs)
	require.Len(t, rules, 2)

	assert.True(t, rules[0].Regexp.MatchString("Steve JOINED"))
	assert.False(t, rules[1].Regexp.MatchString("error"))
	assert.True(t, rules[1].Regexp.MatchString("ERROR"))
	assert.Equal(t, domain.ClassListener, rules[0].Class)
}

func TestBuildRulesSkipsInvalidPatternOnly(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
command_rules:
  - name: broken
    pattern: '([unclosed'
    chat_message: "x"
  - name: good
    pattern: '^/status$'
    chat_message: "y"
`))
	require.NoError(t, err)

	rules, errs := cfg.BuildRules()
	require.Len(t, errs, 1)
	require.Len(t, rules, 1)
	assert.Equal(t, "good", rules[0].Name)
	assert.Equal(t, domain.ClassCommand, rules[0].Class)
}

func TestBuildRulesRejectsActionlessRule(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
listener_rules:
  - name: noop
    pattern: 'x'
`))
	require.NoError(t, err)

	rules, errs := cfg.BuildRules()
	assert.Empty(t, rules)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no chat message or server command")
}

func TestBuildRulesExplicitDisable(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
listener_rules:
  - name: off
    pattern: 'x'
    enabled: false
    chat_message: "y"
`))
	require.NoError(t, err)

	rules, errs := cfg.BuildRules()
	require.Empty(t, errs)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)
}

func TestBuildTasks(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
scheduled_tasks:
  enabled: true
  auto_start:
    enabled: true
    times: ["08:00"]
    weekdays: [1, 2, 3, 4, 5]
    pre_notify_seconds: 300
  auto_restart:
    enabled: true
    times: ["04:00", "16:00"]
    warning_before_seconds: 600
    wait_before_startup: 10
  auto_stop:
    enabled: false
    times: ["23:00"]
`))
	require.NoError(t, err)

	tasks := cfg.BuildTasks()
	require.Len(t, tasks, 2)

	assert.Equal(t, domain.TaskAutoStart, tasks[0].Kind)
	assert.True(t, tasks[0].Weekdays[time.Monday])
	assert.False(t, tasks[0].Weekdays[time.Sunday])

	assert.Equal(t, domain.TaskAutoRestart, tasks[1].Kind)
	assert.Equal(t, []string{"04:00", "16:00"}, tasks[1].Times)
	assert.Nil(t, tasks[1].Weekdays, "empty weekday list means every day")
}

func TestBuildTasksDisabledGroup(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
scheduled_tasks:
  enabled: false
  auto_stop:
    enabled: true
    times: ["23:00"]
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.BuildTasks())
}

func TestProviderReloadKeepsPreviousOnFailure(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	p, err := NewProvider(path, zap.NewNop())
	require.NoError(t, err)

	first := p.Snapshot()
	require.NoError(t, os.WriteFile(path, []byte("rcon: ["), 0o644))

	assert.Error(t, p.Reload())
	assert.Same(t, first, p.Snapshot())

	require.NoError(t, os.WriteFile(path, []byte(minimalConfig+`
chat:
  listen_addr: ":9000"
`), 0o644))
	require.NoError(t, p.Reload())
	assert.Equal(t, ":9000", p.Snapshot().Chat.ListenAddr)

	select {
	case <-p.Reloaded():
	default:
		t.Fatal("expected a reload notification")
	}
}
