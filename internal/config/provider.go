package config

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Provider holds the current configuration snapshot and notifies
// subscribers when it is replaced. Readers always see a complete,
// validated config.
type Provider struct {
	path   string
	logger *zap.Logger

	current atomic.Pointer[Config]
	reload  chan struct{}
}

// NewProvider loads the initial configuration from path.
func NewProvider(path string, logger *zap.Logger) (*Provider, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		path:   path,
		logger: logger,
		reload: make(chan struct{}, 1),
	}
	p.current.Store(cfg)
	return p, nil
}

// SetLogger swaps the provider's logger. The provider is created before
// the real logger exists (the logging config lives in the file it loads).
func (p *Provider) SetLogger(logger *zap.Logger) {
	p.logger = logger
}

// Snapshot returns the active configuration.
func (p *Provider) Snapshot() *Config {
	return p.current.Load()
}

// Reload re-reads the file and swaps the snapshot in. A file that no
// longer validates keeps the previous snapshot active.
func (p *Provider) Reload() error {
	cfg, err := Load(p.path)
	if err != nil {
		p.logger.Error("config reload failed, keeping previous config", zap.Error(err))
		return err
	}
	p.current.Store(cfg)
	p.logger.Info("configuration reloaded", zap.String("path", p.path))

	select {
	case p.reload <- struct{}{}:
	default:
	}
	return nil
}

// Reloaded signals after every successful Reload.
func (p *Provider) Reloaded() <-chan struct{} {
	return p.reload
}
