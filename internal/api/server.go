// Package api exposes a read-only HTTP status surface for operators.
// Control stays chat-driven; these endpoints only report.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
	"github.com/craftbridge/craftbridge/internal/rules"
)

// ProcessInfo reports the supervised process state.
type ProcessInfo interface {
	Status() domain.ProcessStatus
}

// ChannelInfo reports transport states.
type ChannelInfo interface {
	Statuses() []domain.TransportStatus
	ActiveTransport() string
}

// RuleInfo reports the active rule table with counters.
type RuleInfo interface {
	Stats() []rules.RuleStat
}

// Server serves the status endpoints.
type Server struct {
	addr      string
	logger    *zap.Logger
	process   ProcessInfo
	channel   ChannelInfo
	rules     RuleInfo
	tasks     func() []domain.ScheduledTask
	dropped   func() uint64
	startedAt time.Time
}

// New creates the status API server.
func New(addr string, process ProcessInfo, ch ChannelInfo, ri RuleInfo, tasks func() []domain.ScheduledTask, dropped func() uint64, logger *zap.Logger) *Server {
	return &Server{
		addr:      addr,
		logger:    logger,
		process:   process,
		channel:   ch,
		rules:     ri,
		tasks:     tasks,
		dropped:   dropped,
		startedAt: time.Now(),
	}
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/rules", s.handleRules)
	r.Get("/api/tasks", s.handleTasks)

	srv := &http.Server{Addr: s.addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	proc := s.process.Status()

	type transportJSON struct {
		Name   string `json:"name"`
		State  string `json:"state"`
		Reason string `json:"reason,omitempty"`
	}
	transports := make([]transportJSON, 0)
	for _, t := range s.channel.Statuses() {
		transports = append(transports, transportJSON{
			Name: t.Name, State: t.State.String(), Reason: t.Reason,
		})
	}

	writeJSON(w, map[string]any{
		"process": map[string]any{
			"state":      proc.State.String(),
			"pid":        proc.PID,
			"started_at": proc.StartedAt,
			"exit_code":  proc.ExitCode,
		},
		"transports":       transports,
		"active_transport": s.channel.ActiveTransport(),
		"dropped_events":   s.dropped(),
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.rules.Stats())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	type taskJSON struct {
		Kind     string   `json:"kind"`
		Times    []string `json:"times"`
		Weekdays []int    `json:"weekdays,omitempty"`
		Enabled  bool     `json:"enabled"`
	}
	out := make([]taskJSON, 0)
	for _, t := range s.tasks() {
		var days []int
		for d := time.Sunday; d <= time.Saturday; d++ {
			if t.Weekdays[d] {
				days = append(days, int(d))
			}
		}
		out = append(out, taskJSON{
			Kind: string(t.Kind), Times: t.Times, Weekdays: days, Enabled: t.Enabled,
		})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
