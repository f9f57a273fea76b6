package scheduler

import "time"

// Phase of the current probe attempt.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhasePortAllocated   Phase = "port_allocated"
	PhaseProcessStarting Phase = "process_starting"
	PhaseProcessWarm     Phase = "process_warm"
	PhaseProbing         Phase = "probing"
	PhaseSucceeded       Phase = "succeeded"
	PhaseFailed          Phase = "failed"
	PhaseCleanedUp       Phase = "cleaned_up"
)

// Loop is the sweep-level state.
type Loop string

const (
	LoopIdle     Loop = "idle"
	LoopSweeping Loop = "sweeping"
	LoopSleeping Loop = "sleeping"
	LoopBackoff  Loop = "backoff"
	LoopStopped  Loop = "stopped"
)

// State is a point-in-time view of the scheduler.
type State struct {
	Loop      Loop      `json:"loop"`
	SweepID   string    `json:"sweep_id,omitempty"`
	Current   string    `json:"current,omitempty"`
	Phase     Phase     `json:"phase,omitempty"`
	NextSweep time.Time `json:"next_sweep,omitempty"`
	LastSweep *Summary  `json:"last_sweep,omitempty"`
}

// State returns a copy of the current state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	if st.LastSweep != nil {
		last := *st.LastSweep
		st.LastSweep = &last
	}
	return st
}

func (s *Scheduler) setPhase(name string, p Phase) {
	s.mu.Lock()
	s.state.Current = name
	s.state.Phase = p
	s.mu.Unlock()
}

func (s *Scheduler) setLoop(l Loop, next time.Time) {
	s.mu.Lock()
	s.state.Loop = l
	s.state.NextSweep = next
	s.mu.Unlock()
}

func (s *Scheduler) beginSweep(id string) {
	s.mu.Lock()
	s.state.Loop = LoopSweeping
	s.state.SweepID = id
	s.state.NextSweep = time.Time{}
	s.mu.Unlock()
}

func (s *Scheduler) endSweep(sum Summary) {
	s.mu.Lock()
	s.state.Current = ""
	s.state.Phase = ""
	s.state.LastSweep = &sum
	if s.state.Loop == LoopSweeping {
		s.state.Loop = LoopIdle
	}
	s.mu.Unlock()
}
