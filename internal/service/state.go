package service

import (
	"log/slog"
	"sync/atomic"
	"time"

	"api-broker/internal/authz"
	"api-broker/internal/config"
	"api-broker/internal/credential"
	"api-broker/internal/metrics"
)

// Snapshot is one loaded config together with everything derived from it.
// Snapshots are never modified; a request reads a single snapshot for its
// whole lifetime.
type Snapshot struct {
	Config     *config.Config
	Allow      *authz.AllowList
	Resolver   *credential.Resolver
	Generation uint64
	LoadedAt   time.Time
}

// Store holds the current Snapshot and swaps it atomically on reload.
type Store struct {
	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStore builds the first snapshot from cfg.
// The metrics parameter is optional; pass nil to disable reload metrics.
func NewStore(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Store {
	s := &Store{
		logger:  logger.With("component", "config_store"),
		metrics: m,
	}
	s.Replace(cfg)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Replace derives a new snapshot from cfg and publishes it.
func (s *Store) Replace(cfg *config.Config) *Snapshot {
	snap := &Snapshot{
		Config:     cfg,
		Allow:      authz.Build(cfg, s.logger),
		Resolver:   credential.NewResolver(cfg, s.logger),
		Generation: s.gen.Add(1),
		LoadedAt:   time.Now(),
	}
	s.current.Store(snap)
	s.logger.Info("config loaded",
		"generation", snap.Generation,
		"apis", len(cfg.APIs),
		"origins", snap.Allow.Len(),
	)
	return snap
}

// Reload calls load and publishes the result. On failure the active
// snapshot is kept and the error returned.
func (s *Store) Reload(load func() (*config.Config, error)) error {
	cfg, err := load()
	if err != nil {
		s.count("error")
		s.logger.Error("config reload failed; keeping previous config", "err", err)
		return err
	}
	prev := s.Current()
	if prev != nil && listenerChanged(prev.Config, cfg) {
		s.logger.Warn("listener settings changed; restart to apply them")
	}
	cfg.WarnSkipped(s.logger)
	s.Replace(cfg)
	s.count("ok")
	return nil
}

func (s *Store) count(result string) {
	if s.metrics != nil {
		s.metrics.ConfigReloads.WithLabelValues(result).Inc()
	}
}

func listenerChanged(a, b *config.Config) bool {
	return a.Proxy.Host != b.Proxy.Host || a.Proxy.Port != b.Proxy.Port || a.Proxy.Socket != b.Proxy.Socket
}
