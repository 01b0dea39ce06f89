// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"regexp"
	"time"
)

// ConnState is the lifecycle state of a single transport connection.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnAuthenticating
	ConnReady
	ConnDegraded
	ConnClosing
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnAuthenticating:
		return "authenticating"
	case ConnReady:
		return "ready"
	case ConnDegraded:
		return "degraded"
	case ConnClosing:
		return "closing"
	}
	return "unknown"
}

// TransportStatus is the externally visible state of one transport.
// Reason is only set while Degraded (e.g. "auth failure").
type TransportStatus struct {
	Name   string
	State  ConnState
	Reason string
}

// ProcState is the lifecycle state of the supervised server process.
type ProcState int

const (
	ProcStopped ProcState = iota
	ProcStarting
	ProcRunning
	ProcStopping
	ProcCrashed
)

func (s ProcState) String() string {
	switch s {
	case ProcStopped:
		return "stopped"
	case ProcStarting:
		return "starting"
	case ProcRunning:
		return "running"
	case ProcStopping:
		return "stopping"
	case ProcCrashed:
		return "crashed"
	}
	return "unknown"
}

// ProcessStatus is a snapshot of the supervised process.
// PID and StartedAt are valid while Running, ExitCode while Crashed,
// Deadline while Starting or Stopping.
type ProcessStatus struct {
	State     ProcState
	PID       int
	StartedAt time.Time
	ExitCode  int
	Deadline  time.Time
}

// EventSource identifies where a text event came from.
type EventSource int

const (
	SourceProcess EventSource = iota
	SourceChat
)

// LogEvent is one line of text flowing through the system: a server
// process output line or an incoming chat message. Immutable once produced.
// Stripped is Text with Minecraft color codes removed; rules match on it.
type LogEvent struct {
	Source    EventSource
	Text      string
	Stripped  string
	Timestamp time.Time

	// Chat-only fields.
	GroupID int64
	UserID  int64
	IsAdmin bool
}

// RuleClass selects which event sources a rule applies to.
type RuleClass int

const (
	// ClassListener rules match server process output lines.
	ClassListener RuleClass = iota
	// ClassCommand rules match incoming chat messages.
	ClassCommand
)

// Rule is one pattern rule. Immutable once loaded; the whole table is
// replaced on config reload.
type Rule struct {
	Name            string
	Class           RuleClass
	Pattern         string
	Regexp          *regexp.Regexp
	CaseSensitive   bool
	Enabled         bool
	AdminOnly       bool // command rules: only admin senders trigger
	TriggerLimit    int // lifetime cap, 0 = unbounded
	CooldownSeconds int
	DailyLimit      int // 0 = unbounded
	Conditions      []ConditionSpec
	ChatTemplate    string
	CommandTemplate string
	Description     string
}

// ConditionType tags a ConditionSpec variant.
type ConditionType string

const (
	ConditionTimeRange    ConditionType = "time_range"
	ConditionPlayerOnline ConditionType = "player_online"
	ConditionServerTPS    ConditionType = "server_tps"
	ConditionMemoryUsage  ConditionType = "memory_usage"
)

// ConditionSpec is a contextual gate evaluated at match time.
// Only the fields for its Type are meaningful.
type ConditionSpec struct {
	Type ConditionType

	// time_range: HH:MM bounds, may wrap past midnight.
	Start string
	End   string

	// player_online: require at least one player (true) or none (false).
	RequireOnline bool

	// server_tps
	MinTPS float64
	MaxTPS float64

	// memory_usage: maximum host memory usage percent.
	MaxMemoryPercent float64
}

// TriggerRecord holds the mutable rate-limit counters for one rule.
// DailyResetDate is the local calendar date the daily counter belongs to.
type TriggerRecord struct {
	TotalCount      int
	DailyCount      int
	DailyResetDate  string // YYYY-MM-DD, local time
	LastTriggeredAt time.Time
}

// TaskKind is the action a scheduled task performs.
type TaskKind string

const (
	TaskAutoStart   TaskKind = "auto_start"
	TaskAutoStop    TaskKind = "auto_stop"
	TaskAutoRestart TaskKind = "auto_restart"
)

// ScheduledTask fires at configured HH:MM times on configured weekdays.
type ScheduledTask struct {
	Kind                 TaskKind
	Times                []string // HH:MM
	Weekdays             map[time.Weekday]bool
	Enabled              bool
	PreNotifySeconds     int // auto_start: single notice offset
	WarningBeforeSeconds int // auto_stop/restart: first warning offset
	WaitBeforeStartup    int // auto_restart: pause between stop and start
	NotifyMessage        string
	FirstWarning         string
	SecondWarning        string
	DoneMessage          string
}

// PlayerList is the parsed online-player summary.
type PlayerList struct {
	Current int
	Max     int
	Names   []string
}

// ServerEventKind classifies server-originated push notifications.
type ServerEventKind string

const (
	EventServerStarted  ServerEventKind = "server_started"
	EventServerStopping ServerEventKind = "server_stopping"
	EventServerSaving   ServerEventKind = "server_saving"
	EventServerSaved    ServerEventKind = "server_saved"
	EventPlayerJoined   ServerEventKind = "player_joined"
	EventPlayerLeft     ServerEventKind = "player_left"
)

// ServerEvent is an asynchronous notification pushed by the managed server.
type ServerEvent struct {
	Kind   ServerEventKind
	Player string
	Raw    map[string]any
}
