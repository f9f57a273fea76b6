package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// EventType defines the kind of history event.
type EventType string

const (
	// EventProbe is emitted once per probe attempt after its result is stored.
	EventProbe EventType = "probe"
	// EventSweep is emitted when a sweep finishes.
	EventSweep EventType = "sweep"
)

// Event is one row exported to analytics systems. Probe events carry the
// per-config fields; sweep events carry the counters.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	SweepID    string    `json:"sweep_id"`

	Name    string  `json:"name,omitempty"`
	Status  string  `json:"status,omitempty"`
	DelayMs float64 `json:"delay_ms,omitempty"`
	Stage   string  `json:"stage,omitempty"` // failing stage of an offline probe
	Error   string  `json:"error,omitempty"`

	Online int `json:"online,omitempty"`
	Total  int `json:"total,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
