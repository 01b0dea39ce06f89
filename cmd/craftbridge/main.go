// Package main is the CLI entry point for craftbridge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/craftbridge/craftbridge/internal/api"
	"github.com/craftbridge/craftbridge/internal/bus"
	"github.com/craftbridge/craftbridge/internal/channel"
	"github.com/craftbridge/craftbridge/internal/chat"
	"github.com/craftbridge/craftbridge/internal/config"
	"github.com/craftbridge/craftbridge/internal/domain"
	"github.com/craftbridge/craftbridge/internal/metrics"
	"github.com/craftbridge/craftbridge/internal/rules"
	"github.com/craftbridge/craftbridge/internal/sched"
	"github.com/craftbridge/craftbridge/internal/supervisor"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "craftbridge",
	Short: "Bridge between a game server and group chat",
	Long: `craftbridge supervises a game server process and bridges it to a
group chat platform. Server log lines and chat messages flow through a
configurable rule engine; scheduled tasks start, stop and restart the
server on a wall-clock timetable with countdown warnings.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long: `Starts every subsystem: the server process supervisor, the command
channel (MSMP and/or RCON), the chat gateway, the rule engine, the task
scheduler and the optional status API. Runs until SIGINT or SIGTERM;
SIGHUP reloads the configuration in place.`,
	RunE: runRun,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	Long:  `Loads and validates the configuration, compiles every rule pattern, and reports problems without starting anything.`,
	RunE:  runCheckConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	stopServer bool
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	runCmd.Flags().BoolVar(&stopServer, "stop-server", false, "Gracefully stop the game server on shutdown")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	provider, err := config.NewProvider(configPath, zap.NewNop())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := provider.Snapshot()

	logger := createLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()
	provider.SetLogger(logger)

	logger.Info("craftbridge starting",
		zap.String("version", Version),
		zap.String("config", configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("subsystem exited", zap.String("subsystem", name), zap.Error(err))
				cancel()
			}
		}()
	}

	start("channel", app.channel.Run)
	start("supervisor", app.supervisor.Run)
	start("gateway", app.gateway.Run)
	start("engine", func(ctx context.Context) error {
		return app.engine.Run(ctx, app.queue.Events())
	})
	start("scheduler", app.scheduler.Run)
	if app.api != nil {
		start("api", app.api.Run)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeServerEvents(ctx, app, cfg.Chat, logger)
	}()

	if cfg.Server.StartScript != "" {
		if err := app.supervisor.Start(ctx); err != nil {
			logger.Warn("initial server start failed", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading configuration")
			if err := provider.Reload(); err != nil {
				continue
			}
			next := provider.Snapshot()
			ruleTable, errs := next.BuildRules()
			for _, err := range errs {
				logger.Warn("rule skipped on reload", zap.Error(err))
			}
			app.engine.Load(ruleTable)
			app.scheduler.Load(next.BuildTasks())
			continue
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		break
	}

	if stopServer {
		stopCtx, stopCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.StopTimeoutSeconds)*time.Second)
		if err := app.supervisor.Stop(stopCtx, true); err != nil {
			logger.Warn("server stop on shutdown failed", zap.Error(err))
		}
		stopCancel()
	}

	cancel()
	wg.Wait()
	logger.Info("craftbridge stopped")
	return nil
}

// app bundles the wired subsystems.
type app struct {
	queue      *bus.Queue
	channel    *channel.Channel
	supervisor *supervisor.Supervisor
	gateway    *chat.Gateway
	engine     *rules.Engine
	scheduler  *sched.Scheduler
	api        *api.Server
}

func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	var transports []domain.Transport
	if cfg.MSMP.Enabled {
		transports = append(transports,
			channel.NewMSMPClient(cfg.MSMP.Host, cfg.MSMP.Port, cfg.MSMP.Token, logger))
	}
	if cfg.RCON.Enabled {
		transports = append(transports,
			channel.NewRCONClient(cfg.RCON.Host, cfg.RCON.Port, cfg.RCON.Password,
				time.Duration(cfg.RCON.TimeoutSeconds)*time.Second, logger))
	}

	ch := channel.New(channel.Config{
		RetryInterval:     time.Duration(cfg.Connection.ReconnectIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Connection.HeartbeatIntervalSeconds) * time.Second,
		CommandTimeout:    time.Duration(cfg.Connection.CommandTimeoutSeconds) * time.Second,
	}, logger, transports...)

	queue := bus.NewQueue(0)

	gateway := chat.New(chat.Config{
		ListenAddr:  cfg.Chat.ListenAddr,
		AccessToken: cfg.Chat.AccessToken,
		Groups:      cfg.Chat.Groups,
		Admins:      cfg.Chat.Admins,
	}, queue, logger)

	sup := supervisor.New(supervisor.Config{
		ScriptPath:         cfg.Server.StartScript,
		WorkDir:            cfg.Server.WorkingDirectory,
		StartupTimeout:     time.Duration(cfg.Server.StartupTimeoutSeconds) * time.Second,
		StopTimeout:        time.Duration(cfg.Server.StopTimeoutSeconds) * time.Second,
		AutoRestartOnCrash: cfg.Server.AutoRestartOnCrash,
		CrashRestartDelay:  time.Duration(cfg.Server.CrashRestartDelay) * time.Second,
		IdleTimeout:        time.Duration(cfg.Server.IdleRestartTimeout) * time.Second,
	}, queue, ch, logger)

	if cfg.Chat.NotifyServerEvents {
		sup.SetStateListener(func(status domain.ProcessStatus) {
			if status.State == domain.ProcCrashed {
				gateway.Broadcast(fmt.Sprintf(
					"Server crashed (exit code %d).", status.ExitCode))
			}
		})
	}

	metricsProvider := metrics.New(ch, cfg.Metrics.TPSCommand, logger)

	engine := rules.NewEngine(metricsProvider, gateway, ch, logger)
	ruleTable, errs := cfg.BuildRules()
	for _, err := range errs {
		logger.Warn("rule skipped", zap.Error(err))
	}
	engine.Load(ruleTable)

	scheduler := sched.New(sup, gateway, logger)
	scheduler.Load(cfg.BuildTasks())

	a := &app{
		queue:      queue,
		channel:    ch,
		supervisor: sup,
		gateway:    gateway,
		engine:     engine,
		scheduler:  scheduler,
	}
	if cfg.API.Enabled {
		a.api = api.New(cfg.API.ListenAddr, sup, ch, engine,
			scheduler.Tasks, queue.Dropped, logger)
	}
	return a, nil
}

// consumeServerEvents routes MSMP push notifications: readiness confirms
// the supervisor's startup, lifecycle and player events become chat
// notifications when configured.
func consumeServerEvents(ctx context.Context, a *app, chatCfg config.ChatConfig, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.channel.Events():
			if !ok {
				return
			}
			logger.Debug("server event", zap.String("kind", string(ev.Kind)))

			switch ev.Kind {
			case domain.EventServerStarted:
				a.supervisor.ConfirmStarted()
				if chatCfg.NotifyServerEvents {
					a.gateway.Broadcast("Server is up.")
				}
			case domain.EventServerStopping:
				if chatCfg.NotifyServerEvents {
					a.gateway.Broadcast("Server is shutting down.")
				}
			case domain.EventPlayerJoined:
				if chatCfg.NotifyPlayerEvents && ev.Player != "" {
					a.gateway.Broadcast(fmt.Sprintf("%s joined the server.", ev.Player))
				}
			case domain.EventPlayerLeft:
				if chatCfg.NotifyPlayerEvents && ev.Player != "" {
					a.gateway.Broadcast(fmt.Sprintf("%s left the server.", ev.Player))
				}
			}
		}
	}
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ruleTable, errs := cfg.BuildRules()
	for _, err := range errs {
		fmt.Printf("  warning: %v\n", err)
	}
	tasks := cfg.BuildTasks()

	fmt.Printf("%s: OK\n", configPath)
	fmt.Printf("  transports: msmp=%v rcon=%v\n", cfg.MSMP.Enabled, cfg.RCON.Enabled)
	fmt.Printf("  rules: %d active, %d skipped\n", len(ruleTable), len(errs))
	fmt.Printf("  scheduled tasks: %d\n", len(tasks))
	return nil
}

func createLogger(cfg config.LoggingConfig) *zap.Logger {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File, "stdout"}
	}

	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("craftbridge %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
