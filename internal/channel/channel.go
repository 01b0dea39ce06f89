package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
)

// Config holds the channel's timing knobs.
type Config struct {
	RetryInterval     time.Duration // pause between failed connect attempts
	HeartbeatInterval time.Duration // ping cadence while Ready
	CommandTimeout    time.Duration // per-command deadline
}

// DefaultConfig returns the channel defaults.
func DefaultConfig() Config {
	return Config{
		RetryInterval:     300 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		CommandTimeout:    10 * time.Second,
	}
}

// Two consecutive heartbeat failures force the transport back to
// Disconnected.
const heartbeatFailureLimit = 2

// managed pairs a transport with its connection state machine. The state
// is mutated only by the transport's own run loop and by Reconnect.
type managed struct {
	transport domain.Transport

	mu     sync.Mutex
	state  domain.ConnState
	reason string

	// kick wakes the run loop out of any wait (manual reconnect).
	kick chan struct{}
}

func (m *managed) setState(state domain.ConnState, reason string) {
	m.mu.Lock()
	m.state = state
	m.reason = reason
	m.mu.Unlock()
}

func (m *managed) currentState() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *managed) status() domain.TransportStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.TransportStatus{Name: m.transport.Name(), State: m.state, Reason: m.reason}
}

func (m *managed) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Channel unifies the configured transports behind one command/query
// surface. Transports are tried in the order given to New; the first one
// in Ready state carries the call. No transport Ready means the call fails
// immediately with domain.ErrChannelUnavailable.
type Channel struct {
	cfg        Config
	transports []*managed
	logger     *zap.Logger
	events     chan domain.ServerEvent
}

// New creates a channel over the given transports in preference order.
func New(cfg Config, logger *zap.Logger, transports ...domain.Transport) *Channel {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultConfig().CommandTimeout
	}

	c := &Channel{
		cfg:    cfg,
		logger: logger,
		events: make(chan domain.ServerEvent, 32),
	}
	for _, t := range transports {
		c.transports = append(c.transports, &managed{
			transport: t,
			state:     domain.ConnDisconnected,
			kick:      make(chan struct{}, 1),
		})
	}
	return c
}

// Run drives the per-transport connection loops and event forwarding.
// It blocks until the context is canceled, then closes all transports.
func (c *Channel) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, m := range c.transports {
		wg.Add(1)
		go func(m *managed) {
			defer wg.Done()
			c.runTransport(ctx, m)
		}(m)

		if ev := m.transport.Events(); ev != nil {
			wg.Add(1)
			go func(ev <-chan domain.ServerEvent) {
				defer wg.Done()
				c.forwardEvents(ctx, ev)
			}(ev)
		}
	}

	<-ctx.Done()
	for _, m := range c.transports {
		m.setState(domain.ConnClosing, "")
		if err := m.transport.Close(); err != nil {
			c.logger.Warn("transport close failed",
				zap.String("transport", m.transport.Name()), zap.Error(err))
		}
		m.setState(domain.ConnDisconnected, "")
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Channel) runTransport(ctx context.Context, m *managed) {
	log := c.logger.With(zap.String("transport", m.transport.Name()))
	failures := 0

	for ctx.Err() == nil {
		switch m.currentState() {
		case domain.ConnDisconnected:
			m.setState(domain.ConnConnecting, "")
			m.setState(domain.ConnAuthenticating, "")
			err := m.transport.Connect(ctx)
			switch {
			case err == nil:
				failures = 0
				m.setState(domain.ConnReady, "")
				log.Info("transport ready")
			case errors.Is(err, domain.ErrAuthFailed):
				// Terminal: retrying a bad credential in a loop only
				// spams the server. Wait for a manual reconnect.
				m.setState(domain.ConnDegraded, "auth failure")
				log.Error("transport authentication failed, waiting for manual reconnect")
			default:
				m.setState(domain.ConnDisconnected, "")
				log.Warn("transport connect failed", zap.Error(err))
				if !c.wait(ctx, m, c.cfg.RetryInterval) {
					return
				}
			}

		case domain.ConnReady:
			if !c.wait(ctx, m, c.cfg.HeartbeatInterval) {
				return
			}
			if m.currentState() != domain.ConnReady {
				continue // state changed under us (manual reconnect)
			}
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
			err := m.transport.Ping(pingCtx)
			cancel()
			if err != nil {
				failures++
				log.Warn("heartbeat failed",
					zap.Int("consecutive", failures), zap.Error(err))
				if failures >= heartbeatFailureLimit {
					failures = 0
					m.transport.Close()
					m.setState(domain.ConnDisconnected, "")
					log.Info("heartbeat limit reached, reconnecting")
				}
			} else {
				failures = 0
			}

		case domain.ConnDegraded:
			// Parked until a manual reconnect kicks us.
			select {
			case <-ctx.Done():
				return
			case <-m.kick:
			}

		default:
			if !c.wait(ctx, m, time.Second) {
				return
			}
		}
	}
}

// wait sleeps for d, returning early when kicked. Returns false when the
// context is done.
func (c *Channel) wait(ctx context.Context, m *managed, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (c *Channel) forwardEvents(ctx context.Context, in <-chan domain.ServerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case c.events <- ev:
			default:
				c.logger.Warn("server event dropped", zap.String("kind", string(ev.Kind)))
			}
		}
	}
}

// Reconnect forces every transport back through Disconnected regardless of
// its current state, clearing a Degraded auth failure.
func (c *Channel) Reconnect() {
	c.logger.Info("manual reconnect requested")
	for _, m := range c.transports {
		m.transport.Close()
		m.setState(domain.ConnDisconnected, "")
		m.wake()
	}
}

// active returns the preferred Ready transport, or nil.
func (c *Channel) active() *managed {
	for _, m := range c.transports {
		if m.currentState() == domain.ConnReady {
			return m
		}
	}
	return nil
}

// ActiveTransport returns the name of the transport that would carry the
// next command, or "" when none is Ready.
func (c *Channel) ActiveTransport() string {
	if m := c.active(); m != nil {
		return m.transport.Name()
	}
	return ""
}

// Statuses reports the state of every transport in preference order.
func (c *Channel) Statuses() []domain.TransportStatus {
	out := make([]domain.TransportStatus, 0, len(c.transports))
	for _, m := range c.transports {
		out = append(out, m.status())
	}
	return out
}

// SendCommand routes a command through the active transport.
func (c *Channel) SendCommand(ctx context.Context, command string) (string, error) {
	m := c.active()
	if m == nil {
		return "", domain.ErrChannelUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	return m.transport.Execute(ctx, command)
}

// eachReady runs fn against Ready transports in preference order, moving
// on only when a transport does not support the query.
func (c *Channel) eachReady(fn func(t domain.Transport) error) error {
	any := false
	for _, m := range c.transports {
		if m.currentState() != domain.ConnReady {
			continue
		}
		any = true
		err := fn(m.transport)
		if errors.Is(err, domain.ErrUnsupported) {
			continue
		}
		return err
	}
	if !any {
		return domain.ErrChannelUnavailable
	}
	return domain.ErrUnsupported
}

// Players queries the online-player summary.
func (c *Channel) Players(ctx context.Context) (domain.PlayerList, error) {
	var out domain.PlayerList
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	err := c.eachReady(func(t domain.Transport) error {
		var err error
		out, err = t.Players(ctx)
		return err
	})
	return out, err
}

// ServerStatus queries the structured server status.
func (c *Channel) ServerStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	err := c.eachReady(func(t domain.Transport) error {
		var err error
		out, err = t.Status(ctx)
		return err
	})
	return out, err
}

// GameRules queries the server's game rules.
func (c *Channel) GameRules(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	err := c.eachReady(func(t domain.Transport) error {
		var err error
		out, err = t.GameRules(ctx)
		return err
	})
	return out, err
}

// StopServer requests a graceful shutdown through the active transport.
func (c *Channel) StopServer(ctx context.Context) error {
	m := c.active()
	if m == nil {
		return domain.ErrChannelUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	return m.transport.StopServer(ctx)
}

// Events yields server-originated notifications from all transports.
func (c *Channel) Events() <-chan domain.ServerEvent {
	return c.events
}

var _ domain.CommandSender = (*Channel)(nil)
