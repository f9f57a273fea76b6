package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/proxyprobe/internal/manifest"
	"github.com/loykin/proxyprobe/internal/metrics"
	"github.com/loykin/proxyprobe/internal/process"
	"github.com/loykin/proxyprobe/internal/results"
)

// Failure stages reported for offline results.
const (
	StagePort   = "port"
	StageLaunch = "launch"
	StageProbe  = "probe"
	StagePanic  = "panic"
)

// attempt runs one entry through the phases and always reaches CleanedUp.
// Every failure, including a panic, yields an offline result.
func (s *Scheduler) attempt(ctx context.Context, e manifest.Entry) (res results.Result, stage string, err error) {
	log := s.log.With("name", e.DisplayName, "id", e.ID)
	s.setPhase(e.DisplayName, PhaseIdle)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Probe attempt panicked", "panic", r)
			res, stage, err = results.Offline(e.DisplayName, s.now()), StagePanic, fmt.Errorf("panic: %v", r)
		}
		s.setPhase(e.DisplayName, PhaseCleanedUp)
	}()

	pair, err := s.deps.Ports.Allocate(ctx)
	if err != nil {
		s.setPhase(e.DisplayName, PhaseFailed)
		return results.Offline(e.DisplayName, s.now()), StagePort, err
	}
	s.setPhase(e.DisplayName, PhasePortAllocated)

	s.setPhase(e.DisplayName, PhaseProcessStarting)
	inst, err := s.deps.Launcher.Launch(ctx, e.DisplayName, e.Payload, pair)
	if err != nil {
		s.setPhase(e.DisplayName, PhaseFailed)
		return results.Offline(e.DisplayName, s.now()), StageLaunch, err
	}
	defer s.terminate(log, inst)
	s.setPhase(e.DisplayName, PhaseProcessWarm)
	if u, err := metrics.SampleEngine(inst.PID()); err == nil {
		log.Debug("Engine warm", "pid", u.PID, "rss_bytes", u.RSSBytes, "cpu_percent", u.CPUPercent)
	}

	s.setPhase(e.DisplayName, PhaseProbing)
	out := s.deps.Prober.Test(ctx, pair)
	res = out.Result(e.DisplayName, s.now())
	if out.Err != nil {
		s.setPhase(e.DisplayName, PhaseFailed)
		return res, StageProbe, out.Err
	}
	s.setPhase(e.DisplayName, PhaseSucceeded)
	return res, "", nil
}

func (s *Scheduler) terminate(log *slog.Logger, inst process.Instance) {
	err := inst.Terminate()
	metrics.IncTermination(errors.Is(err, process.ErrTerminationTimeout))
	if err != nil {
		log.Warn("Engine termination", "pid", inst.PID(), "error", err)
	}
}
