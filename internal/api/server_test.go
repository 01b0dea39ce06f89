package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
	"github.com/craftbridge/craftbridge/internal/rules"
)

// mockProcess implements ProcessInfo for testing
type mockProcess struct {
	status domain.ProcessStatus
}

func (m *mockProcess) Status() domain.ProcessStatus { return m.status }

// mockChannel implements ChannelInfo for testing
type mockChannel struct {
	statuses []domain.TransportStatus
	active   string
}

func (m *mockChannel) Statuses() []domain.TransportStatus { return m.statuses }

func (m *mockChannel) ActiveTransport() string { return m.active }

// mockRules implements RuleInfo for testing
type mockRules struct {
	stats []rules.RuleStat
}

func (m *mockRules) Stats() []rules.RuleStat { return m.stats }

func newTestServer() *Server {
	process := &mockProcess{status: domain.ProcessStatus{
		State:     domain.ProcRunning,
		PID:       4242,
		StartedAt: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC),
	}}
	ch := &mockChannel{
		statuses: []domain.TransportStatus{
			{Name: "msmp", State: domain.ConnReady},
			{Name: "rcon", State: domain.ConnDegraded, Reason: "auth failure"},
		},
		active: "msmp",
	}
	ri := &mockRules{stats: []rules.RuleStat{
		{Name: "join", Class: "listener", Enabled: true, TotalCount: 3},
	}}
	tasks := func() []domain.ScheduledTask {
		return []domain.ScheduledTask{{
			Kind:     domain.TaskAutoRestart,
			Times:    []string{"04:00"},
			Weekdays: map[time.Weekday]bool{time.Monday: true},
			Enabled:  true,
		}}
	}
	return New(":0", process, ch, ri, tasks, func() uint64 { return 5 }, zap.NewNop())
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest("GET", "/api/status", nil))

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Process struct {
			State string `json:"state"`
			PID   int    `json:"pid"`
		} `json:"process"`
		Transports []struct {
			Name   string `json:"name"`
			State  string `json:"state"`
			Reason string `json:"reason"`
		} `json:"transports"`
		ActiveTransport string `json:"active_transport"`
		DroppedEvents   uint64 `json:"dropped_events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "running", body.Process.State)
	assert.Equal(t, 4242, body.Process.PID)
	require.Len(t, body.Transports, 2)
	assert.Equal(t, "ready", body.Transports[0].State)
	assert.Equal(t, "auth failure", body.Transports[1].Reason)
	assert.Equal(t, "msmp", body.ActiveTransport)
	assert.Equal(t, uint64(5), body.DroppedEvents)
}

func TestHandleRules(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.handleRules(rec, httptest.NewRequest("GET", "/api/rules", nil))

	require.Equal(t, 200, rec.Code)
	var stats []rules.RuleStat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "join", stats[0].Name)
	assert.Equal(t, 3, stats[0].TotalCount)
}

func TestHandleTasks(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.handleTasks(rec, httptest.NewRequest("GET", "/api/tasks", nil))

	require.Equal(t, 200, rec.Code)
	var tasks []struct {
		Kind     string   `json:"kind"`
		Times    []string `json:"times"`
		Weekdays []int    `json:"weekdays"`
		Enabled  bool     `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "auto_restart", tasks[0].Kind)
	assert.Equal(t, []string{"04:00"}, tasks[0].Times)
	assert.Equal(t, []int{int(time.Monday)}, tasks[0].Weekdays)
	assert.True(t, tasks[0].Enabled)
}
