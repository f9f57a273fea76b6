// Package proxyprobe wires the probe engine together: manifest, port
// allocator, engine launcher, probe runner, result store, history sinks and
// the sweep scheduler, plus the optional results API and metrics endpoint.
package proxyprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/proxyprobe/internal/config"
	"github.com/loykin/proxyprobe/internal/history"
	"github.com/loykin/proxyprobe/internal/history/factory"
	"github.com/loykin/proxyprobe/internal/manifest"
	"github.com/loykin/proxyprobe/internal/metrics"
	"github.com/loykin/proxyprobe/internal/ports"
	"github.com/loykin/proxyprobe/internal/probe"
	"github.com/loykin/proxyprobe/internal/process"
	"github.com/loykin/proxyprobe/internal/results"
	"github.com/loykin/proxyprobe/internal/scheduler"
	iapi "github.com/loykin/proxyprobe/internal/server"
	itls "github.com/loykin/proxyprobe/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Result = results.Result

type Snapshot = results.Snapshot

type State = scheduler.State

type Summary = scheduler.Summary

type HistorySink = history.Sink

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Engine owns one configured probe pipeline.
type Engine struct {
	cfg   *Config
	log   *slog.Logger
	store *results.Store
	sched *scheduler.Scheduler
	sinks history.Multi
}

// New builds the pipeline from c. The store starts empty; the snapshot file
// is rewritten from the first probe result on.
func New(c *Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	interval, err := c.Interval()
	if err != nil {
		return nil, err
	}
	alloc, err := ports.New(c.Ports.Min, c.Ports.Max, c.Ports.MaxAttempts,
		ports.WithMissHook(func(base int, err error) {
			log.Debug("Port pair unavailable", "base", base, "error", err)
		}))
	if err != nil {
		return nil, err
	}

	store := results.NewStore(c.Results.File, results.WithAtomicWrite(c.Results.AtomicWrite))

	sinks, err := factory.NewSinks(c.History.Sinks())
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	var sink history.Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	binary := c.EngineBinary()
	log.Info("Engine binary", "path", binary)

	sched := scheduler.New(scheduler.Deps{
		Registry: manifest.New(c.Manifest.Dir, c.Manifest.File, log),
		Ports:    alloc,
		Launcher: &process.Launcher{
			Binary:      binary,
			WarmUp:      c.Engine.WarmUp,
			StopTimeout: c.Engine.StopTimeout,
			ScratchDir:  c.Engine.ScratchDir,
			Output:      c.EngineOutput(),
			Logger:      log,
		},
		Prober: &probe.Runner{
			TargetURL: c.Probe.Target,
			Timeout:   c.Probe.Timeout,
			Expected:  c.Probe.ExpectedStatus,
		},
		Store:  store,
		Sink:   sink,
		Logger: log,
	}, scheduler.Timing{
		Interval: interval,
		Backoff:  c.Schedule.Backoff,
		Pause:    c.Schedule.Pause,
		Tick:     c.Schedule.Tick,
	})

	return &Engine{cfg: c, log: log, store: store, sched: sched, sinks: sinks}, nil
}

// Snapshot returns a copy of the current results.
func (e *Engine) Snapshot() Snapshot { return e.store.Snapshot() }

// State returns the scheduler state.
func (e *Engine) State() State { return e.sched.State() }

// Trigger wakes the scheduler for an immediate sweep.
func (e *Engine) Trigger() { e.sched.Trigger() }

// Run runs the sweep loop alone until ctx is cancelled. Use it when the
// results API is mounted in another server.
func (e *Engine) Run(ctx context.Context) error { return e.sched.Run(ctx) }

// SweepOnce runs a single sweep and returns its summary.
func (e *Engine) SweepOnce(ctx context.Context) (Summary, error) { return e.sched.Sweep(ctx) }

// Router returns the results API bound to this engine, for embedding in
// another server.
func (e *Engine) Router() *iapi.Router {
	return iapi.NewRouter(e.store, e.sched, e.cfg.Server.BasePath)
}

// Serve runs the sweep loop plus the configured HTTP listeners until ctx is
// cancelled or one of them fails.
func (e *Engine) Serve(ctx context.Context) error {
	var servers []*http.Server
	if e.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	shared := e.cfg.Metrics.Enabled && e.cfg.Server.Enabled && e.cfg.Metrics.Listen == e.cfg.Server.Listen
	if e.cfg.Metrics.Enabled && !shared {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, iapi.NewServer(e.cfg.Metrics.Listen, mux))
	}
	if e.cfg.Server.Enabled {
		r := e.Router()
		if shared {
			r = r.WithMetrics(metrics.Handler())
		}
		srv := iapi.NewServer(e.cfg.Server.Listen, r.Handler())
		tlsCfg, err := itls.Setup(e.cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("server tls: %w", err)
		}
		srv.TLSConfig = tlsCfg
		servers = append(servers, srv)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.sched.Run(ctx) })
	for _, srv := range servers {
		e.listen(ctx, g, srv)
	}
	return g.Wait()
}

func (e *Engine) listen(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		e.log.Info("HTTP listener starting", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Engine.StopTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// Close releases the history sinks.
func (e *Engine) Close() error { return e.sinks.Close() }
