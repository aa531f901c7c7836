package main

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Server is the top-level object cmd.go builds and runs: it owns the
// store, the executor, the optional thread pool, and whichever topology
// the configuration selects.
type Server struct {
	cfg    *Config
	log    *logrus.Entry
	stats  *Stats
	engine *Engine
	pool   *ThreadPool
}

// NewServer builds every component but does not start listening; call
// Start for that.
func NewServer(cfg *Config, log *logrus.Entry) (*Server, error) {
	stats := NewStats()

	// Any topology that lets more than one goroutine call into the
	// executor concurrently needs the synchronized store: the multi
	// topology always does (one worker per reactor), and so does the
	// single topology once command execution is offloaded to a thread
	// pool, since pool workers then run Execute from their own goroutines
	// instead of the single reactor goroutine.
	needsSync := cfg.Topology == "multi" || cfg.PoolEnabled

	var store Store
	if needsSync {
		s := NewSynchronizedLRU(cfg.MaxCacheBytes)
		s.OnEvict(func(string) {
			stats.mu.Lock()
			stats.Evictions++
			stats.mu.Unlock()
		})
		store = s
	} else {
		s := NewLRUCache(cfg.MaxCacheBytes)
		s.OnEvict(func(string) {
			stats.mu.Lock()
			stats.Evictions++
			stats.mu.Unlock()
		})
		store = s
	}

	executor := NewExecutor(store, stats)

	var pool *ThreadPool
	if cfg.PoolEnabled {
		pool = NewThreadPool(cfg.poolConfig(), log.WithField("component", "pool"))
	}

	listenFd, err := NewListener(cfg.Host, cfg.Port)
	if err != nil {
		return nil, errors.Wrap(err, "create listener")
	}

	var engine *Engine
	switch cfg.Topology {
	case "multi":
		engine, err = NewMultiReactorEngine(listenFd, cfg.WorkerCount, executor, stats, pool, log)
	default:
		engine, err = NewSingleReactorEngine(listenFd, executor, stats, pool, log)
	}
	if err != nil {
		return nil, errors.Wrap(err, "build engine")
	}

	return &Server{cfg: cfg, log: log, stats: stats, engine: engine, pool: pool}, nil
}

// Start launches every reactor goroutine and returns immediately.
func (s *Server) Start() {
	s.log.Infof("listening on %s:%d (%s)", s.cfg.Host, s.cfg.Port, s.cfg.Topology)
	s.engine.Start()
}

// Stop shuts the engine down and, if a thread pool is running, waits for it
// to drain before returning.
func (s *Server) Stop() {
	s.engine.Stop()
	if s.pool != nil {
		s.pool.Stop(true)
	}
}

// Stats exposes a snapshot of server-wide counters, e.g. for a status
// command or health endpoint.
func (s *Server) Stats() Snapshot {
	return s.stats.Snapshot()
}
