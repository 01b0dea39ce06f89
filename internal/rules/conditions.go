package rules

import (
	"time"

	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
)

// liveContext is the queried state shared by every rule evaluated for one
// event. Fetched at most once per event, never cached across events.
type liveContext struct {
	tps     float64
	players int
	memory  float64
}

func (e *Engine) fetchLiveContext() *liveContext {
	return &liveContext{
		tps:     e.metrics.TPS(),
		players: e.metrics.PlayerCount(),
		memory:  e.metrics.MemoryUsagePercent(),
	}
}

func (e *Engine) evalCondition(cond domain.ConditionSpec, live *liveContext, now time.Time) bool {
	switch cond.Type {
	case domain.ConditionTimeRange:
		return e.inTimeRange(cond.Start, cond.End, now)
	case domain.ConditionPlayerOnline:
		if cond.RequireOnline {
			return live.players > 0
		}
		return live.players == 0
	case domain.ConditionServerTPS:
		min, max := cond.MinTPS, cond.MaxTPS
		if max <= 0 {
			max = 20.0
		}
		return live.tps >= min && live.tps <= max
	case domain.ConditionMemoryUsage:
		return live.memory <= cond.MaxMemoryPercent
	}
	e.logger.Warn("unknown condition type", zap.String("type", string(cond.Type)))
	return true
}

// inTimeRange checks now against an HH:MM window, handling ranges that
// wrap past midnight (e.g. 22:00-06:00). A malformed bound logs and
// passes: a broken condition should not silently mute a rule.
func (e *Engine) inTimeRange(startStr, endStr string, now time.Time) bool {
	if startStr == "" {
		startStr = "00:00"
	}
	if endStr == "" {
		endStr = "23:59"
	}
	start, err1 := time.Parse("15:04", startStr)
	end, err2 := time.Parse("15:04", endStr)
	if err1 != nil || err2 != nil {
		e.logger.Error("invalid time_range bounds",
			zap.String("start", startStr), zap.String("end", endStr))
		return true
	}

	cur := now.Hour()*60 + now.Minute()
	s := start.Hour()*60 + start.Minute()
	t := end.Hour()*60 + end.Minute()
	if s <= t {
		return cur >= s && cur <= t
	}
	return cur >= s || cur <= t
}
