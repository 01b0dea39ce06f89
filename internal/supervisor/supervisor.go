// Package supervisor owns the lifecycle of the game server's OS process:
// spawn, output capture, crash classification, restart policy and the idle
// watchdog.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
)

// Sink receives captured output lines. Implemented by bus.Queue.
type Sink interface {
	Publish(ev domain.LogEvent)
}

// GracefulStopper asks the server to shut itself down over the management
// channel. Implemented by channel.Channel.
type GracefulStopper interface {
	StopServer(ctx context.Context) error
}

// Config holds the supervisor knobs.
type Config struct {
	ScriptPath         string
	WorkDir            string
	StartupTimeout     time.Duration // elapsed + live process counts as started
	StopTimeout        time.Duration // grace period before the caller should Kill
	AutoRestartOnCrash bool
	CrashRestartDelay  time.Duration // default 10s
	IdleTimeout        time.Duration // no output for this long means hung; 0 disables
}

// Supervisor manages exactly one server process at a time.
type Supervisor struct {
	cfg     Config
	logger  *zap.Logger
	sink    Sink
	stopper GracefulStopper
	onState func(domain.ProcessStatus)

	mu         sync.Mutex
	status     domain.ProcessStatus
	cmd        *exec.Cmd
	stopping   bool // set before an intentional exit; its absence marks a crash
	lastOutput time.Time

	runCtx context.Context // set by Run; parents auto-restart attempts
}

// New creates a supervisor. The sink receives every captured output line;
// stopper (optional) is tried first on graceful stops.
func New(cfg Config, sink Sink, stopper GracefulStopper, logger *zap.Logger) *Supervisor {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 180 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 60 * time.Second
	}
	if cfg.CrashRestartDelay <= 0 {
		cfg.CrashRestartDelay = 10 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		sink:    sink,
		stopper: stopper,
		status:  domain.ProcessStatus{State: domain.ProcStopped},
	}
}

// SetStateListener registers a callback invoked after every state
// transition. Must be called before Run.
func (s *Supervisor) SetStateListener(fn func(domain.ProcessStatus)) {
	s.onState = fn
}

// Run drives the idle watchdog until the context is canceled. The server
// process itself is deliberately left running on cancellation; the
// orchestrator exiting must not take the game down with it.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping, leaving server process untouched")
			return ctx.Err()
		case <-ticker.C:
			s.checkIdle()
			s.checkStartupTimeout()
		}
	}
}

// Start spawns the server process. Fails with domain.ErrAlreadyRunning
// unless the current state is Stopped or Crashed.
//
// "Started" is declared on the first readiness line in the output
// ("Done"/"server started"), or - when no such line arrives - once the
// startup timeout elapses with the process still alive.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State != domain.ProcStopped && s.status.State != domain.ProcCrashed {
		return fmt.Errorf("%w: state %s", domain.ErrAlreadyRunning, s.status.State)
	}

	workDir := s.cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(s.cfg.ScriptPath)
	}

	cmd := exec.Command(s.cfg.ScriptPath)
	cmd.Dir = workDir

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("spawn %s: %w", s.cfg.ScriptPath, err)
	}
	pw.Close() // parent keeps only the read end

	s.cmd = cmd
	s.stopping = false
	s.lastOutput = time.Now()
	s.setStatusLocked(domain.ProcessStatus{
		State:    domain.ProcStarting,
		PID:      cmd.Process.Pid,
		Deadline: time.Now().Add(s.cfg.StartupTimeout),
	})
	s.logger.Info("server process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("script", s.cfg.ScriptPath),
		zap.String("workdir", workDir))

	go s.readOutput(pr)
	go s.waitProcess(cmd)
	return nil
}

// Stop initiates shutdown. Graceful stops go through the management
// channel when possible, falling back to SIGTERM; non-graceful stops
// signal directly. Stop returns once shutdown is initiated; the transition
// to Stopped happens when the process actually exits. A process that
// ignores the stop must be finished with Kill.
func (s *Supervisor) Stop(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	if s.status.State != domain.ProcRunning && s.status.State != domain.ProcStarting {
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	cmd := s.cmd
	s.stopping = true
	s.setStatusLocked(domain.ProcessStatus{
		State:    domain.ProcStopping,
		PID:      s.status.PID,
		Deadline: time.Now().Add(s.cfg.StopTimeout),
	})
	s.mu.Unlock()

	if graceful && s.stopper != nil {
		if err := s.stopper.StopServer(ctx); err == nil {
			s.logger.Info("graceful stop requested via management channel")
			return nil
		} else {
			s.logger.Warn("channel stop failed, falling back to SIGTERM", zap.Error(err))
		}
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process: %w", err)
	}
	s.logger.Info("sent SIGTERM to server process", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Kill forcefully terminates the process, bypassing graceful shutdown.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	if s.cmd == nil || (s.status.State != domain.ProcRunning &&
		s.status.State != domain.ProcStarting && s.status.State != domain.ProcStopping) {
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	cmd := s.cmd
	s.stopping = true
	s.mu.Unlock()

	s.logger.Warn("killing server process", zap.Int("pid", cmd.Process.Pid))
	return cmd.Process.Kill()
}

// Status returns a snapshot of the process state.
func (s *Supervisor) Status() domain.ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ConfirmStarted promotes Starting to Running on an external liveness
// signal, e.g. a successful management-channel heartbeat.
func (s *Supervisor) ConfirmStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State == domain.ProcStarting {
		s.logger.Info("startup confirmed externally")
		s.markRunningLocked()
	}
}

// CrashReport returns the newest crash report from the server's working
// directory, or "" when none exists. Read opportunistically, never tracked.
func (s *Supervisor) CrashReport() (string, error) {
	dir := filepath.Join(s.cfg.WorkDir, "crash-reports")
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	data, err := os.ReadFile(filepath.Join(dir, names[len(names)-1]))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Supervisor) readOutput(pr *os.File) {
	defer pr.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		s.mu.Lock()
		s.lastOutput = time.Now()
		starting := s.status.State == domain.ProcStarting
		if starting && isReadyLine(line) {
			s.logger.Info("server readiness line observed")
			s.markRunningLocked()
		}
		s.mu.Unlock()

		s.sink.Publish(domain.LogEvent{
			Source:    domain.SourceProcess,
			Text:      line,
			Stripped:  domain.StripColors(line),
			Timestamp: time.Now(),
		})
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("output scanner stopped", zap.Error(err))
	}
}

func (s *Supervisor) waitProcess(cmd *exec.Cmd) {
	err := cmd.Wait()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	s.mu.Lock()
	if s.cmd != cmd {
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	intentional := s.stopping
	s.stopping = false

	if intentional {
		s.setStatusLocked(domain.ProcessStatus{State: domain.ProcStopped, ExitCode: exitCode})
		s.mu.Unlock()
		s.logger.Info("server process stopped", zap.Int("exit_code", exitCode))
		return
	}

	// Exit without a preceding Stopping transition is a crash.
	s.setStatusLocked(domain.ProcessStatus{State: domain.ProcCrashed, ExitCode: exitCode})
	restart := s.cfg.AutoRestartOnCrash
	s.mu.Unlock()
	s.logger.Error("server process crashed", zap.Int("exit_code", exitCode))

	if restart {
		s.scheduleRestart("crash")
	}
}

func (s *Supervisor) scheduleRestart(reason string) {
	delay := s.cfg.CrashRestartDelay
	s.logger.Info("scheduling restart",
		zap.String("reason", reason), zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		if err := s.Start(ctx); err != nil {
			s.logger.Error("automatic restart failed", zap.Error(err))
		}
	})
}

// checkIdle declares the process hung after IdleTimeout without output,
// kills it and schedules a restart exactly as for a crash.
func (s *Supervisor) checkIdle() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	hung := s.status.State == domain.ProcRunning &&
		time.Since(s.lastOutput) > s.cfg.IdleTimeout
	cmd := s.cmd
	if hung {
		s.stopping = true // suppress the crash classification; we restart ourselves
	}
	s.mu.Unlock()
	if !hung || cmd == nil {
		return
	}

	s.logger.Error("no output within idle threshold, treating process as hung",
		zap.Duration("threshold", s.cfg.IdleTimeout))
	if err := cmd.Process.Kill(); err != nil {
		s.logger.Error("kill of hung process failed", zap.Error(err))
		return
	}
	s.scheduleRestart("idle watchdog")
}

// checkStartupTimeout promotes Starting to Running once the deadline has
// passed with the process still alive. A live process plus the elapsed
// timeout is the best available proof of "started" when no readiness line
// or heartbeat arrives.
func (s *Supervisor) checkStartupTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State == domain.ProcStarting && time.Now().After(s.status.Deadline) && s.cmd != nil {
		s.logger.Info("startup timeout elapsed with live process, assuming started")
		s.markRunningLocked()
	}
}

func (s *Supervisor) markRunningLocked() {
	s.setStatusLocked(domain.ProcessStatus{
		State:     domain.ProcRunning,
		PID:       s.status.PID,
		StartedAt: time.Now(),
	})
}

func (s *Supervisor) setStatusLocked(status domain.ProcessStatus) {
	s.status = status
	if s.onState != nil {
		// Deliver outside the lock.
		go s.onState(status)
	}
}

func isReadyLine(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "done") || strings.Contains(lower, "server started")
}

var _ domain.ServerController = (*Supervisor)(nil)
