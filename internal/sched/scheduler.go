// Package sched runs the wall-clock task loop: staged countdown warnings
// followed by automatic start/stop/restart of the supervised server.
package sched

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

// tickInterval is deliberately finer than the one-minute trigger
// resolution so countdown warnings land before the target minute.
const tickInterval = 10 * time.Second

// secondWarningOffset is the fixed offset of the final warning before a
// stop or restart action.
const secondWarningOffset = 60 * time.Second

// Scheduler fires configured tasks when local time and weekday match.
// The task table is an immutable snapshot swapped on config reload.
type Scheduler struct {
	logger *zap.Logger
	ctrl   domain.ServerController
	egress domain.ChatEgress
	now    func() time.Time

	tasks atomic.Pointer[[]domain.ScheduledTask]

	mu    sync.Mutex
	fired map[string]time.Time // stage guard: each stage fires once per target
}

// New creates a scheduler driving ctrl and notifying through egress.
func New(ctrl domain.ServerController, egress domain.ChatEgress, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		logger: logger,
		ctrl:   ctrl,
		egress: egress,
		now:    time.Now,
		fired:  make(map[string]time.Time),
	}
	empty := []domain.ScheduledTask{}
	s.tasks.Store(&empty)
	return s
}

// Load replaces the active task table.
func (s *Scheduler) Load(tasks []domain.ScheduledTask) {
	s.tasks.Store(&tasks)
	s.logger.Info("task table loaded", zap.Int("tasks", len(tasks)))
}

// Tasks returns the active task table.
func (s *Scheduler) Tasks() []domain.ScheduledTask {
	return *s.tasks.Load()
}

// Run drives the tick loop until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick evaluates every task/time pair against the current instant.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.pruneGuards(now)
	for _, task := range *s.tasks.Load() {
		if !task.Enabled {
			continue
		}
		for _, timeStr := range task.Times {
			target, ok := targetToday(timeStr, now)
			if !ok {
				continue
			}
			if len(task.Weekdays) > 0 && !task.Weekdays[target.Weekday()] {
				continue
			}
			s.evalStages(ctx, task, timeStr, target, now)
		}
	}
}

func (s *Scheduler) evalStages(ctx context.Context, task domain.ScheduledTask, timeStr string, target, now time.Time) {
	until := target.Sub(now)

	switch task.Kind {
	case domain.TaskAutoStart:
		offset := time.Duration(task.PreNotifySeconds) * time.Second
		if offset > 0 && until > 0 && until <= offset &&
			s.once(task.Kind, timeStr, "notify", target) {
			s.notify(task.NotifyMessage, until)
		}
	case domain.TaskAutoStop, domain.TaskAutoRestart:
		offset := time.Duration(task.WarningBeforeSeconds) * time.Second
		if offset > 0 && until > secondWarningOffset && until <= offset &&
			s.once(task.Kind, timeStr, "warn1", target) {
			s.notify(task.FirstWarning, until)
		}
		if until > 50*time.Second && until <= secondWarningOffset+10*time.Second &&
			s.once(task.Kind, timeStr, "warn2", target) {
			s.notify(task.SecondWarning, secondWarningOffset)
		}
	}

	// The action itself fires in the target minute, exactly once.
	if now.Format("15:04") == timeStr && s.once(task.Kind, timeStr, "action", target) {
		s.execute(ctx, task)
	}
}

func (s *Scheduler) execute(ctx context.Context, task domain.ScheduledTask) {
	status := s.ctrl.Status()
	s.logger.Info("executing scheduled task",
		zap.String("kind", string(task.Kind)),
		zap.String("process_state", status.State.String()))

	switch task.Kind {
	case domain.TaskAutoStart:
		if status.State == domain.ProcRunning || status.State == domain.ProcStarting {
			s.logger.Info("server already running, start task skipped")
			return
		}
		if err := s.ctrl.Start(ctx); err != nil {
			s.logger.Error("scheduled start failed", zap.Error(err))
			return
		}
		s.notify(task.DoneMessage, 0)

	case domain.TaskAutoStop:
		if status.State != domain.ProcRunning {
			s.logger.Info("server not running, stop task skipped")
			return
		}
		if err := s.ctrl.Stop(ctx, true); err != nil {
			s.logger.Error("scheduled stop failed", zap.Error(err))
			return
		}
		s.notify(task.DoneMessage, 0)

	case domain.TaskAutoRestart:
		if status.State != domain.ProcRunning {
			s.logger.Info("server not running, restart task skipped")
			return
		}
		// The stop/wait/start sequence must not stall the tick loop.
		go s.restart(ctx, task)
	}
}

func (s *Scheduler) restart(ctx context.Context, task domain.ScheduledTask) {
	if err := s.ctrl.Stop(ctx, true); err != nil {
		s.logger.Error("restart: stop failed", zap.Error(err))
		return
	}

	wait := time.Duration(task.WaitBeforeStartup) * time.Second
	if wait > 0 {
		s.logger.Info("waiting before startup", zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	if err := s.ctrl.Start(ctx); err != nil {
		s.logger.Error("restart: start failed", zap.Error(err))
		return
	}
	s.notify(task.DoneMessage, 0)
}

// notify renders the message with the shared templating path and
// broadcasts it. An empty template is a configured silence.
func (s *Scheduler) notify(tmpl string, countdown time.Duration) {
	if tmpl == "" {
		return
	}
	seconds := int(countdown.Round(time.Second) / time.Second)
	msg, err := template.Render(tmpl, template.Context{
		"countdown": strconv.Itoa(seconds),
		"time":      s.now().Format("15:04:05"),
	})
	if err != nil {
		s.logger.Error("scheduler message render failed", zap.Error(err))
		return
	}
	if err := s.egress.Broadcast(msg); err != nil {
		s.logger.Warn("scheduler notification failed", zap.Error(err))
	}
}

// once returns true the first time a stage is seen for a given target
// instant and false afterwards.
func (s *Scheduler) once(kind domain.TaskKind, timeStr, stage string, target time.Time) bool {
	key := fmt.Sprintf("%s|%s|%s", kind, timeStr, stage)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.fired[key]; ok && prev.Equal(target) {
		return false
	}
	s.fired[key] = target
	return true
}

// pruneGuards drops guard entries whose target is long past.
func (s *Scheduler) pruneGuards(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, target := range s.fired {
		if now.Sub(target) > 2*time.Hour {
			delete(s.fired, key)
		}
	}
}

// targetToday resolves an HH:MM string to today's matching instant.
func targetToday(timeStr string, now time.Time) (time.Time, bool) {
	t, err := time.Parse("15:04", timeStr)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(now.Year(), now.Month(), now.Day(),
		t.Hour(), t.Minute(), 0, 0, now.Location()), true
}
