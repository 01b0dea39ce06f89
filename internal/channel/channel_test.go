package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
)

// fakeTransport implements domain.Transport for testing
type fakeTransport struct {
	name string

	mu         sync.Mutex
	connectErr error
	pingErr    error
	execResp   string
	execErr    error
	statusResp map[string]any
	statusErr  error
	commands   []string
	closed     int
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) Execute(ctx context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return "", f.execErr
	}
	f.commands = append(f.commands, command)
	return f.execResp, nil
}

func (f *fakeTransport) Players(ctx context.Context) (domain.PlayerList, error) {
	return domain.PlayerList{Current: 1, Max: 20}, nil
}

func (f *fakeTransport) Status(ctx context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusResp, f.statusErr
}

func (f *fakeTransport) GameRules(ctx context.Context) (map[string]any, error) {
	return nil, domain.ErrUnsupported
}

func (f *fakeTransport) StopServer(ctx context.Context) error {
	_, err := f.Execute(ctx, "stop")
	return err
}

func (f *fakeTransport) Events() <-chan domain.ServerEvent { return nil }

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func newTestChannel(transports ...domain.Transport) *Channel {
	return New(Config{
		RetryInterval:     20 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		CommandTimeout:    time.Second,
	}, zap.NewNop(), transports...)
}

func TestSendCommandUsesPreferredTransport(t *testing.T) {
	primary := &fakeTransport{name: "msmp", execResp: "ok"}
	fallback := &fakeTransport{name: "rcon", execResp: "ok"}
	c := newTestChannel(primary, fallback)

	c.transports[0].setState(domain.ConnReady, "")
	c.transports[1].setState(domain.ConnReady, "")

	_, err := c.SendCommand(context.Background(), "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"list"}, primary.commands)
	assert.Empty(t, fallback.commands)
	assert.Equal(t, "msmp", c.ActiveTransport())
}

func TestSendCommandFailsOverToSecondary(t *testing.T) {
	primary := &fakeTransport{name: "msmp"}
	fallback := &fakeTransport{name: "rcon", execResp: "ok"}
	c := newTestChannel(primary, fallback)

	c.transports[0].setState(domain.ConnDegraded, "auth failure")
	c.transports[1].setState(domain.ConnReady, "")

	_, err := c.SendCommand(context.Background(), "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"list"}, fallback.commands)
	assert.Equal(t, "rcon", c.ActiveTransport())
}

func TestSendCommandFailsFastWhenNothingReady(t *testing.T) {
	c := newTestChannel(&fakeTransport{name: "msmp"}, &fakeTransport{name: "rcon"})

	start := time.Now()
	_, err := c.SendCommand(context.Background(), "list")
	assert.ErrorIs(t, err, domain.ErrChannelUnavailable)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "no ready transport must fail immediately")
	assert.Equal(t, "", c.ActiveTransport())
}

func TestQueryFallsThroughUnsupported(t *testing.T) {
	// The preferred transport is up but cannot answer the query.
	primary := &fakeTransport{name: "rcon", statusErr: domain.ErrUnsupported}
	fallback := &fakeTransport{name: "msmp", statusResp: map[string]any{"started": true}}
	c := newTestChannel(primary, fallback)

	c.transports[0].setState(domain.ConnReady, "")
	c.transports[1].setState(domain.ConnReady, "")

	status, err := c.ServerStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, status["started"])
}

func TestQueryUnsupportedEverywhere(t *testing.T) {
	primary := &fakeTransport{name: "rcon", statusErr: domain.ErrUnsupported}
	c := newTestChannel(primary)
	c.transports[0].setState(domain.ConnReady, "")

	_, err := c.ServerStatus(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestRunConnectsTransports(t *testing.T) {
	transport := &fakeTransport{name: "msmp"}
	c := newTestChannel(transport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return c.ActiveTransport() == "msmp"
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, domain.ConnDisconnected, c.transports[0].currentState())
}

func TestAuthFailureParksTransport(t *testing.T) {
	transport := &fakeTransport{name: "rcon", connectErr: domain.ErrAuthFailed}
	c := newTestChannel(transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.transports[0].currentState() == domain.ConnDegraded
	}, time.Second, 5*time.Millisecond)

	// No automatic retry: the state holds until a manual reconnect.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, domain.ConnDegraded, c.transports[0].currentState())

	statuses := c.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "auth failure", statuses[0].Reason)

	// A manual reconnect with fixed credentials recovers.
	transport.setConnectErr(nil)
	c.Reconnect()
	require.Eventually(t, func() bool {
		return c.transports[0].currentState() == domain.ConnReady
	}, time.Second, 5*time.Millisecond)
}

func TestConnectErrorRetries(t *testing.T) {
	transport := &fakeTransport{name: "msmp", connectErr: errors.New("refused")}
	c := newTestChannel(transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.NotEqual(t, domain.ConnDegraded, c.transports[0].currentState())

	transport.setConnectErr(nil)
	require.Eventually(t, func() bool {
		return c.transports[0].currentState() == domain.ConnReady
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatFailureLimitTriggersReconnect(t *testing.T) {
	transport := &fakeTransport{name: "msmp"}
	c := newTestChannel(transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.transports[0].currentState() == domain.ConnReady
	}, time.Second, 5*time.Millisecond)

	transport.mu.Lock()
	transport.pingErr = errors.New("broken pipe")
	transport.mu.Unlock()

	// Two consecutive failures close and re-dial the transport.
	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.closed >= 1
	}, time.Second, 5*time.Millisecond)

	transport.mu.Lock()
	transport.pingErr = nil
	transport.mu.Unlock()
	require.Eventually(t, func() bool {
		return c.transports[0].currentState() == domain.ConnReady
	}, time.Second, 5*time.Millisecond)
}
