// Package rules implements the rule engine: pattern matching over the
// merged event stream, per-rule rate limiting, condition gates and
// templated chat/server actions.
package rules

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
	"github.com/craftbridge/craftbridge/internal/rules/template"
)

// trackedRule pairs an immutable rule with its mutable trigger record.
// The mutex serializes the rate-limit check with the counter increment.
type trackedRule struct {
	rule domain.Rule

	mu     sync.Mutex
	record domain.TriggerRecord
}

type table struct {
	rules []*trackedRule
}

// RuleStat is a read-only view of one rule's counters, for the status API.
type RuleStat struct {
	Name            string    `json:"name"`
	Class           string    `json:"class"`
	Enabled         bool      `json:"enabled"`
	Pattern         string    `json:"pattern"`
	TotalCount      int       `json:"total_count"`
	DailyCount      int       `json:"daily_count"`
	LastTriggeredAt time.Time `json:"last_triggered_at,omitempty"`
}

// Engine evaluates incoming events against the active rule table. The
// table is an immutable snapshot swapped atomically on reload, so in-flight
// evaluations always see a consistent rule set.
type Engine struct {
	logger  *zap.Logger
	metrics domain.MetricsProvider
	egress  domain.ChatEgress
	sender  domain.CommandSender

	tbl atomic.Pointer[table]
	now func() time.Time
}

// NewEngine creates a rule engine with an empty table.
func NewEngine(metrics domain.MetricsProvider, egress domain.ChatEgress, sender domain.CommandSender, logger *zap.Logger) *Engine {
	e := &Engine{
		logger:  logger,
		metrics: metrics,
		egress:  egress,
		sender:  sender,
		now:     time.Now,
	}
	e.tbl.Store(&table{})
	return e
}

// Load replaces the active rule table. Trigger records carry over for
// rules whose name persists; removed or renamed rules lose their counters.
func (e *Engine) Load(rules []domain.Rule) {
	old := e.tbl.Load()
	prev := make(map[string]*trackedRule, len(old.rules))
	for _, tr := range old.rules {
		prev[tr.rule.Name] = tr
	}

	next := &table{rules: make([]*trackedRule, 0, len(rules))}
	for _, r := range rules {
		tr := &trackedRule{rule: r}
		if p, ok := prev[r.Name]; ok {
			p.mu.Lock()
			tr.record = p.record
			p.mu.Unlock()
		}
		next.rules = append(next.rules, tr)
	}
	e.tbl.Store(next)
	e.logger.Info("rule table loaded", zap.Int("rules", len(rules)))
}

// Run consumes the merged event stream until the context is canceled.
func (e *Engine) Run(ctx context.Context, events <-chan domain.LogEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.Evaluate(ctx, ev)
		}
	}
}

// Evaluate runs one event through every applicable rule in table order.
// Rules are independent: a failure in one never stops the others.
func (e *Engine) Evaluate(ctx context.Context, ev domain.LogEvent) {
	snapshot := e.tbl.Load()
	var live *liveContext // fetched once, on the first matching rule

	for _, tr := range snapshot.rules {
		if !e.ruleApplies(tr.rule, ev) {
			continue
		}
		match := tr.rule.Regexp.FindStringSubmatch(ev.Stripped)
		if match == nil {
			continue
		}
		if live == nil {
			live = e.fetchLiveContext()
		}
		e.fire(ctx, tr, ev, match, live)
	}
}

func (e *Engine) ruleApplies(r domain.Rule, ev domain.LogEvent) bool {
	if !r.Enabled || r.Regexp == nil {
		return false
	}
	switch r.Class {
	case domain.ClassListener:
		return ev.Source == domain.SourceProcess
	case domain.ClassCommand:
		if r.AdminOnly && !ev.IsAdmin {
			return false
		}
		return ev.Source == domain.SourceChat
	}
	return false
}

// fire applies rate limits and conditions under the rule's lock, then
// renders and dispatches outside it so a slow network send never blocks
// evaluation of the same rule for later events longer than necessary.
func (e *Engine) fire(ctx context.Context, tr *trackedRule, ev domain.LogEvent, match []string, live *liveContext) {
	now := e.now()

	tr.mu.Lock()
	today := now.Format("2006-01-02")
	if tr.record.DailyResetDate != today {
		tr.record.DailyCount = 0
		tr.record.DailyResetDate = today
	}

	r := tr.rule
	if r.TriggerLimit > 0 && tr.record.TotalCount >= r.TriggerLimit {
		tr.mu.Unlock()
		return
	}
	if r.CooldownSeconds > 0 && !tr.record.LastTriggeredAt.IsZero() &&
		now.Sub(tr.record.LastTriggeredAt) < time.Duration(r.CooldownSeconds)*time.Second {
		tr.mu.Unlock()
		return
	}
	if r.DailyLimit > 0 && tr.record.DailyCount >= r.DailyLimit {
		tr.mu.Unlock()
		return
	}

	// Conditions are conjunctive; any false condition skips the rule
	// without touching the counters.
	for _, cond := range r.Conditions {
		if !e.evalCondition(cond, live, now) {
			tr.mu.Unlock()
			return
		}
	}

	tr.record.TotalCount++
	tr.record.DailyCount++
	tr.record.LastTriggeredAt = now
	record := tr.record
	tr.mu.Unlock()

	e.logger.Info("rule triggered",
		zap.String("rule", r.Name),
		zap.String("text", truncate(ev.Stripped, 100)))

	tctx := e.buildContext(r, ev, match, record, live, now)

	if r.ChatTemplate != "" {
		if msg, err := template.Render(r.ChatTemplate, tctx); err != nil {
			e.logger.Error("chat template render failed",
				zap.String("rule", r.Name), zap.Error(err))
		} else if msg != "" {
			e.dispatchChat(ev, msg, r.Name)
		}
	}

	if r.CommandTemplate != "" {
		if cmd, err := template.Render(r.CommandTemplate, tctx); err != nil {
			e.logger.Error("command template render failed",
				zap.String("rule", r.Name), zap.Error(err))
		} else if cmd != "" {
			if _, err := e.sender.SendCommand(ctx, cmd); err != nil {
				// The chat message may already be out; the two outbound
				// actions are independent.
				e.logger.Warn("server command dispatch failed",
					zap.String("rule", r.Name),
					zap.String("command", cmd),
					zap.Error(err))
			}
		}
	}
}

// dispatchChat replies into the originating group for chat events and
// broadcasts for server log events.
func (e *Engine) dispatchChat(ev domain.LogEvent, msg, rule string) {
	var err error
	if ev.Source == domain.SourceChat && ev.GroupID != 0 {
		err = e.egress.Send(ev.GroupID, msg)
	} else {
		err = e.egress.Broadcast(msg)
	}
	if err != nil {
		e.logger.Warn("chat dispatch failed", zap.String("rule", rule), zap.Error(err))
	}
}

func (e *Engine) buildContext(r domain.Rule, ev domain.LogEvent, match []string, record domain.TriggerRecord, live *liveContext, now time.Time) template.Context {
	tctx := template.Context{
		"match":         match[0],
		"rule_name":     r.Name,
		"match_count":   strconv.Itoa(record.TotalCount),
		"trigger_today": strconv.Itoa(record.DailyCount),
		"timestamp":     now.Format("2006-01-02 15:04:05"),
		"date":          now.Format("2006-01-02"),
		"time":          now.Format("15:04:05"),
		"server_tps":    strconv.FormatFloat(live.tps, 'f', 1, 64),
		"player_count":  strconv.Itoa(live.players),
		"memory_usage":  strconv.FormatFloat(live.memory, 'f', 1, 64),
	}
	for i := 1; i < len(match); i++ {
		tctx[fmt.Sprintf("group%d", i)] = match[i]
	}
	if ev.Source == domain.SourceChat {
		tctx["group_id"] = strconv.FormatInt(ev.GroupID, 10)
		tctx["user_id"] = strconv.FormatInt(ev.UserID, 10)
	}
	return tctx
}

// Stats returns the current table with its counters, in table order.
func (e *Engine) Stats() []RuleStat {
	snapshot := e.tbl.Load()
	out := make([]RuleStat, 0, len(snapshot.rules))
	for _, tr := range snapshot.rules {
		tr.mu.Lock()
		record := tr.record
		tr.mu.Unlock()

		class := "listener"
		if tr.rule.Class == domain.ClassCommand {
			class = "command"
		}
		out = append(out, RuleStat{
			Name:            tr.rule.Name,
			Class:           class,
			Enabled:         tr.rule.Enabled,
			Pattern:         tr.rule.Pattern,
			TotalCount:      record.TotalCount,
			DailyCount:      record.DailyCount,
			LastTriggeredAt: record.LastTriggeredAt,
		})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
