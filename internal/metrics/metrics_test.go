package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
)

// mockQuerier implements ServerQuerier for testing
type mockQuerier struct {
	mu       sync.Mutex
	resp     string
	err      error
	players  domain.PlayerList
	commands int
	queries  int
}

func (m *mockQuerier) SendCommand(ctx context.Context, command string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands++
	return m.resp, m.err
}

func (m *mockQuerier) Players(ctx context.Context) (domain.PlayerList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	return m.players, m.err
}

func TestParseTPS(t *testing.T) {
	tests := []struct {
		resp string
		want float64
		ok   bool
	}{
		{"TPS from last 1m, 5m, 15m: 19.94, 20.0, 20.0", 19.94, true},
		{"§6TPS from last 1m, 5m, 15m: §a20.0, 20.0, 20.0", 20.0, true},
		{"Current TPS: 20", 20.0, true},
		{"TPS: 18", 18.0, true},
		{"no numbers here", 0, false},
		{"TPS: 250", 0, false},
		{"TPS: 0", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseTPS(tt.resp)
		assert.Equal(t, tt.ok, ok, tt.resp)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 0.001, tt.resp)
		}
	}
}

func TestTPSQueriesAndCaches(t *testing.T) {
	q := &mockQuerier{resp: "TPS from last 1m, 5m, 15m: 19.5, 20.0, 20.0"}
	p := New(q, "tps", zap.NewNop())

	assert.InDelta(t, 19.5, p.TPS(), 0.001)
	assert.InDelta(t, 19.5, p.TPS(), 0.001)

	q.mu.Lock()
	commands := q.commands
	q.mu.Unlock()
	assert.Equal(t, 1, commands, "second read comes from the cache")
}

func TestTPSDefaultsWhenChannelDown(t *testing.T) {
	q := &mockQuerier{err: errors.New("unavailable")}
	p := New(q, "tps", zap.NewNop())

	assert.InDelta(t, 20.0, p.TPS(), 0.001)
}

func TestPlayerCount(t *testing.T) {
	q := &mockQuerier{players: domain.PlayerList{Current: 4, Max: 20}}
	p := New(q, "tps", zap.NewNop())

	assert.Equal(t, 4, p.PlayerCount())
	assert.Equal(t, 4, p.PlayerCount())

	q.mu.Lock()
	queries := q.queries
	q.mu.Unlock()
	assert.Equal(t, 1, queries)
}

func TestPlayerCountZeroWhenUnavailable(t *testing.T) {
	q := &mockQuerier{err: errors.New("unavailable")}
	p := New(q, "tps", zap.NewNop())

	assert.Equal(t, 0, p.PlayerCount())
}

func TestMemoryUsagePercent(t *testing.T) {
	p := New(&mockQuerier{}, "tps", zap.NewNop())

	usage := p.MemoryUsagePercent()
	require.GreaterOrEqual(t, usage, 0.0)
	assert.LessOrEqual(t, usage, 100.0)
}
