// Package scheduler drives repeated sweeps over the manifest. Each entry is
// probed in turn: allocate ports, launch the engine, probe through it, store
// the result, tear the engine down. Only one engine is alive at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/proxyprobe/internal/history"
	"github.com/loykin/proxyprobe/internal/manifest"
	"github.com/loykin/proxyprobe/internal/metrics"
	"github.com/loykin/proxyprobe/internal/ports"
	"github.com/loykin/proxyprobe/internal/probe"
	"github.com/loykin/proxyprobe/internal/process"
	"github.com/loykin/proxyprobe/internal/results"
)

// Defaults for Timing.
const (
	DefaultInterval = 300 * time.Second
	DefaultBackoff  = 10 * time.Second
	DefaultPause    = 1 * time.Second
	DefaultTick     = 1 * time.Second
)

var (
	ErrAlreadyRunning  = errors.New("scheduler already running")
	ErrSweepInProgress = errors.New("sweep already in progress")
	ErrSweepPanic      = errors.New("sweep panicked")
)

// Allocator hands out a port pair per attempt.
type Allocator interface {
	Allocate(ctx context.Context) (ports.Pair, error)
}

// Launcher starts a warm engine for one attempt.
type Launcher interface {
	Launch(ctx context.Context, name string, payload []byte, pair ports.Pair) (process.Instance, error)
}

// Prober runs the network test through a warm engine.
type Prober interface {
	Test(ctx context.Context, pair ports.Pair) probe.Outcome
}

// Deps are the collaborators of a Scheduler. Sink and Logger are optional.
type Deps struct {
	Registry manifest.Registry
	Ports    Allocator
	Launcher Launcher
	Prober   Prober
	Store    *results.Store
	Sink     history.Sink
	Logger   *slog.Logger
}

// Timing controls the loop. Zero Interval, Backoff and Tick take the defaults;
// a zero Pause means entries run back to back.
type Timing struct {
	Interval time.Duration // between sweeps
	Backoff  time.Duration // after a failed sweep
	Pause    time.Duration // between entries of a sweep
	Tick     time.Duration // granularity at which sleeps re-check the wall clock
}

func (t Timing) withDefaults() Timing {
	if t.Interval <= 0 {
		t.Interval = DefaultInterval
	}
	if t.Backoff <= 0 {
		t.Backoff = DefaultBackoff
	}
	if t.Pause < 0 {
		t.Pause = 0
	}
	if t.Tick <= 0 {
		t.Tick = DefaultTick
	}
	return t
}

// Summary describes one finished (or aborted) sweep.
type Summary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Entries    int       `json:"entries"`
	Probed     int       `json:"probed"`
	Online     int       `json:"online"`
	Offline    int       `json:"offline"`
	Result     string    `json:"result"` // completed, aborted, cancelled
	Error      string    `json:"error,omitempty"`
}

// Scheduler runs sweeps. Create it with New.
type Scheduler struct {
	deps   Deps
	timing Timing
	log    *slog.Logger
	now    func() time.Time

	trigger  chan struct{}
	running  atomic.Bool
	sweeping atomic.Bool

	mu    sync.RWMutex
	state State
}

func New(d Deps, t Timing) *Scheduler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		deps:    d,
		timing:  t.withDefaults(),
		log:     log,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		state:   State{Loop: LoopIdle},
	}
}

// Trigger wakes a sleeping Run loop so the next sweep starts now. It never
// starts a sweep concurrently with one in progress.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run sweeps until ctx is cancelled. A failed sweep is logged and followed
// by the backoff wait instead of the interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	defer s.setLoop(LoopStopped, time.Time{})

	s.log.Info("Scheduler started", "interval", s.timing.Interval, "backoff", s.timing.Backoff)
	for {
		_, err := s.Sweep(ctx)
		if ctx.Err() != nil {
			s.log.Info("Scheduler stopped")
			return nil
		}
		wait, loop := s.timing.Interval, LoopSleeping
		if err != nil {
			s.log.Error("Sweep failed, backing off", "error", err, "backoff", s.timing.Backoff)
			wait, loop = s.timing.Backoff, LoopBackoff
		}
		s.setLoop(loop, s.now().Add(wait))
		if !s.sleep(ctx, wait, true) {
			s.log.Info("Scheduler stopped")
			return nil
		}
	}
}

// Sweep probes every manifest entry once, in manifest order. The result of
// each entry is stored and persisted before the next entry starts. Names that
// left the manifest are dropped from the store. It returns an error when the
// manifest cannot be loaded, a collaborator panics or ctx is cancelled.
func (s *Scheduler) Sweep(ctx context.Context) (sum Summary, err error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return Summary{}, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)
	s.drainTrigger()

	sum = Summary{ID: uuid.NewString(), StartedAt: s.now()}
	log := s.log.With("sweep_id", sum.ID)
	s.beginSweep(sum.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Sweep panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrSweepPanic, r)
			sum.FinishedAt = s.now()
			sum.Result = "aborted"
			sum.Error = err.Error()
			metrics.ObserveSweep(sum.Result, sum.FinishedAt.Sub(sum.StartedAt))
			s.endSweep(sum)
		}
	}()

	err = s.sweep(ctx, log, &sum)
	return s.finishSweep(ctx, log, sum, err), err
}

func (s *Scheduler) sweep(ctx context.Context, log *slog.Logger, sum *Summary) error {
	entries, err := s.deps.Registry.Load(ctx)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, manifest.ErrManifestLoad) {
			err = fmt.Errorf("%w: %w", manifest.ErrManifestLoad, err)
		}
		return err
	}
	sum.Entries = len(entries)
	if len(entries) == 0 {
		log.Warn("No configurations to test")
	} else {
		log.Info("Starting sweep", "entries", len(entries))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.DisplayName)
	}
	defer s.prune(log, names)

	for i, e := range entries {
		if i > 0 && s.timing.Pause > 0 && !s.sleep(ctx, s.timing.Pause, false) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		res, stage, aerr := s.attempt(ctx, e)
		if ctx.Err() != nil {
			// interrupted attempts are cleaned up but not recorded
			log.Info("Attempt interrupted, result discarded", "name", e.DisplayName)
			break
		}
		s.record(ctx, log, sum.ID, res, stage, aerr)
		sum.Probed++
		if res.Status == results.StatusOnline {
			sum.Online++
		} else {
			sum.Offline++
		}
	}
	return ctx.Err()
}

// prune drops stored results whose names are not in the current manifest.
func (s *Scheduler) prune(log *slog.Logger, names []string) {
	removed := s.deps.Store.Retain(names)
	if removed == 0 {
		return
	}
	log.Info("Dropped results no longer in the manifest", "count", removed)
	if err := s.deps.Store.Persist(); err != nil {
		metrics.IncPersistError()
		log.Error("Failed to persist results", "error", err)
	}
}

func (s *Scheduler) record(ctx context.Context, log *slog.Logger, sweepID string, res results.Result, stage string, aerr error) {
	s.deps.Store.Update(res)
	if err := s.deps.Store.Persist(); err != nil {
		metrics.IncPersistError()
		log.Error("Failed to persist results", "error", err)
	}

	var delay time.Duration
	if res.Status == results.StatusOnline {
		delay = time.Duration(res.DelayMs * float64(time.Millisecond))
		log.Info("Probe finished", "name", res.DisplayName, "status", res.Status, "delay_ms", res.DelayMs)
	} else {
		metrics.IncFailure(stage)
		log.Warn("Probe failed", "name", res.DisplayName, "stage", stage, "error", aerr)
	}
	metrics.ObserveAttempt(string(res.Status), delay)

	e := history.Event{
		Type:       history.EventProbe,
		OccurredAt: res.TestedAt,
		SweepID:    sweepID,
		Name:       res.DisplayName,
		Status:     string(res.Status),
		DelayMs:    res.DelayMs,
		Stage:      stage,
	}
	if aerr != nil {
		e.Error = aerr.Error()
	}
	s.emit(ctx, log, e)
}

func (s *Scheduler) finishSweep(ctx context.Context, log *slog.Logger, sum Summary, err error) Summary {
	sum.FinishedAt = s.now()
	switch {
	case err == nil:
		sum.Result = "completed"
	case ctx.Err() != nil:
		sum.Result = "cancelled"
	default:
		sum.Result = "aborted"
		sum.Error = err.Error()
	}
	snap := s.deps.Store.Snapshot()
	metrics.SetConfigs(snap.Online(), snap.Total)
	metrics.ObserveSweep(sum.Result, sum.FinishedAt.Sub(sum.StartedAt))
	if sum.Result == "completed" {
		log.Info("Sweep finished", "probed", sum.Probed, "online", sum.Online, "offline", sum.Offline,
			"duration", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	}
	s.emit(ctx, log, history.Event{
		Type:       history.EventSweep,
		OccurredAt: sum.FinishedAt,
		SweepID:    sum.ID,
		Status:     sum.Result,
		Error:      sum.Error,
		Online:     sum.Online,
		Total:      sum.Probed,
	})
	s.endSweep(sum)
	return sum
}

func (s *Scheduler) emit(ctx context.Context, log *slog.Logger, e history.Event) {
	if s.deps.Sink == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deps.Sink.Send(sctx, e); err != nil {
		log.Warn("History sink failed", "type", e.Type, "error", err)
	}
}

// sleep waits for d or until ctx is done. The deadline is checked against
// the wall clock every tick. With wakeable set, Trigger ends the wait early.
// It reports false when ctx was cancelled.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	deadline := s.now().Add(d)
	tick := min(s.timing.Tick, d)
	t := time.NewTicker(tick)
	defer t.Stop()
	var wake <-chan struct{}
	if wakeable {
		wake = s.trigger
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-wake:
			s.log.Info("Sweep triggered")
			return true
		case <-t.C:
			if !s.now().Before(deadline) {
				return true
			}
		}
	}
}

func (s *Scheduler) drainTrigger() {
	select {
	case <-s.trigger:
	default:
	}
}
