// Package metrics answers the live queries the rule engine and status API
// consume: server TPS and player count via the management channel, host
// memory via gopsutil.
package metrics

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/craftbridge/craftbridge/internal/domain"
)

// queryTTL keeps repeated rule evaluations from hammering the server with
// identical queries.
const queryTTL = 5 * time.Second

const defaultTPS = 20.0

// ServerQuerier is the channel surface the provider reads.
type ServerQuerier interface {
	SendCommand(ctx context.Context, command string) (string, error)
	Players(ctx context.Context) (domain.PlayerList, error)
}

// Provider implements domain.MetricsProvider with short-lived caching.
type Provider struct {
	querier    ServerQuerier
	tpsCommand string
	logger     *zap.Logger

	mu          sync.Mutex
	tps         cached[float64]
	playerCount cached[int]
}

type cached[T any] struct {
	value   T
	fetched time.Time
}

func (c cached[T]) fresh(now time.Time) bool {
	return !c.fetched.IsZero() && now.Sub(c.fetched) < queryTTL
}

// New creates a metrics provider. tpsCommand is the server command whose
// response carries the TPS figure (e.g. "tps" on Paper servers).
func New(querier ServerQuerier, tpsCommand string, logger *zap.Logger) *Provider {
	if tpsCommand == "" {
		tpsCommand = "tps"
	}
	return &Provider{querier: querier, tpsCommand: tpsCommand, logger: logger}
}

var (
	tpsFloatRE = regexp.MustCompile(`\d+\.\d+`)
	tpsIntRE   = regexp.MustCompile(`\d+`)
)

// parseTPS pulls the TPS figure out of a command response. Decimal figures
// win; labels like "last 1m" carry bare integers, so those only count after
// the final colon.
func parseTPS(resp string) (float64, bool) {
	s := domain.StripColors(resp)
	m := tpsFloatRE.FindString(s)
	if m == "" {
		if idx := strings.LastIndex(s, ":"); idx >= 0 {
			s = s[idx+1:]
		}
		m = tpsIntRE.FindString(s)
	}
	if m == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(m, 64)
	if err != nil || parsed <= 0 || parsed > 20 {
		return 0, false
	}
	return parsed, true
}

// TPS queries the server's ticks-per-second, defaulting to 20.0 when the
// channel is down or the response is unparseable.
func (p *Provider) TPS() float64 {
	now := time.Now()
	p.mu.Lock()
	if p.tps.fresh(now) {
		v := p.tps.value
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), queryTTL)
	defer cancel()
	resp, err := p.querier.SendCommand(ctx, p.tpsCommand)
	value := defaultTPS
	if err != nil {
		p.logger.Debug("tps query failed", zap.Error(err))
	} else if parsed, ok := parseTPS(resp); ok {
		value = parsed
	}

	p.mu.Lock()
	p.tps = cached[float64]{value: value, fetched: now}
	p.mu.Unlock()
	return value
}

// PlayerCount queries the online player count, 0 when unavailable.
func (p *Provider) PlayerCount() int {
	now := time.Now()
	p.mu.Lock()
	if p.playerCount.fresh(now) {
		v := p.playerCount.value
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), queryTTL)
	defer cancel()
	count := 0
	if list, err := p.querier.Players(ctx); err != nil {
		p.logger.Debug("player count query failed", zap.Error(err))
	} else {
		count = list.Current
	}

	p.mu.Lock()
	p.playerCount = cached[int]{value: count, fetched: now}
	p.mu.Unlock()
	return count
}

// MemoryUsagePercent reports host memory usage.
func (p *Provider) MemoryUsagePercent() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		p.logger.Debug("memory query failed", zap.Error(err))
		return 0
	}
	return vm.UsedPercent
}

// CPUPercent reports instantaneous host CPU usage.
func (p *Provider) CPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

// DiskUsagePercent reports usage of the filesystem holding path.
func (p *Provider) DiskUsagePercent(path string) float64 {
	if path == "" {
		path = "/"
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return 0
	}
	return usage.UsedPercent
}

var _ domain.MetricsProvider = (*Provider)(nil)
