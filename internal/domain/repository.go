package domain

import "context"

// Transport is one management connection to the game server.
// Implementations: MSMP (JSON-RPC over WebSocket) and RCON (line commands).
type Transport interface {
	// Name returns the transport identifier ("msmp", "rcon").
	Name() string

	// Connect dials and authenticates. ErrAuthFailed is terminal: the
	// caller must not retry until manually reconnected.
	Connect(ctx context.Context) error

	// Close shuts the connection down, sending a protocol-level
	// disconnect where the transport defines one.
	Close() error

	// Ping verifies liveness of an established connection.
	Ping(ctx context.Context) error

	// Execute runs a server command and returns the text response.
	Execute(ctx context.Context, command string) (string, error)

	// Players returns the online-player summary.
	Players(ctx context.Context) (PlayerList, error)

	// Status returns the structured server status.
	// RCON has no status query and returns ErrUnsupported.
	Status(ctx context.Context) (map[string]any, error)

	// GameRules returns the server's game rules.
	// RCON has no gamerules query and returns ErrUnsupported.
	GameRules(ctx context.Context) (map[string]any, error)

	// StopServer requests a graceful server shutdown.
	StopServer(ctx context.Context) error

	// Events returns server-originated notifications, or nil if the
	// transport has no event push.
	Events() <-chan ServerEvent
}

// CommandSender issues commands through whichever transport is ready.
type CommandSender interface {
	SendCommand(ctx context.Context, command string) (string, error)
}

// ChatEgress delivers outbound text to the chat platform.
type ChatEgress interface {
	Send(groupID int64, text string) error
	Broadcast(text string) error
}

// MetricsProvider answers the live queries used as template context and
// as condition inputs. Implementations must be cheap: these are called
// once per rule evaluation.
type MetricsProvider interface {
	TPS() float64
	PlayerCount() int
	MemoryUsagePercent() float64
}

// ServerController is the supervisor surface the scheduler drives.
type ServerController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, graceful bool) error
	Kill() error
	Status() ProcessStatus
}
