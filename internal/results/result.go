package results

import (
	"encoding/json"
	"time"
)

// SentinelDelay is the delay recorded for every offline result.
const SentinelDelay = 9999.0

// Status is the outcome bucket of a probe attempt.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Result is the latest probe outcome for one display name.
// Status == StatusOffline if and only if DelayMs == SentinelDelay.
type Result struct {
	DisplayName string
	DelayMs     float64
	Status      Status
	TestedAt    time.Time
}

// Online builds an online result. Measured delays that would reach the
// sentinel, on their own or after rounding to the wire precision, are clamped
// just below it.
func Online(name string, delayMs float64, at time.Time) Result {
	if delayMs < 0 {
		delayMs = 0
	}
	if round2(delayMs) >= SentinelDelay {
		delayMs = SentinelDelay - 0.01
	}
	return Result{DisplayName: name, DelayMs: delayMs, Status: StatusOnline, TestedAt: at}
}

// Offline builds an offline result carrying the sentinel delay.
func Offline(name string, at time.Time) Result {
	return Result{DisplayName: name, DelayMs: SentinelDelay, Status: StatusOffline, TestedAt: at}
}

// Valid reports whether r satisfies the status/delay invariant.
func (r Result) Valid() bool {
	switch r.Status {
	case StatusOnline:
		return r.DelayMs >= 0 && round2(r.DelayMs) < SentinelDelay
	case StatusOffline:
		return r.DelayMs == SentinelDelay
	default:
		return false
	}
}

type resultJSON struct {
	Delay     float64 `json:"delay"`
	Timestamp string  `json:"timestamp"`
	Status    Status  `json:"status"`
}

// MarshalJSON writes the snapshot wire form; the display name is the map key.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Delay:     round2(r.DelayMs),
		Timestamp: r.TestedAt.Format(time.RFC3339Nano),
		Status:    r.Status,
	})
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var rj resultJSON
	if err := json.Unmarshal(b, &rj); err != nil {
		return err
	}
	r.DelayMs = rj.Delay
	r.Status = rj.Status
	if rj.Timestamp != "" {
		t, err := parseTime(rj.Timestamp)
		if err != nil {
			return err
		}
		r.TestedAt = t
	}
	return nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// parseTime accepts RFC3339 and the zone-less ISO form older snapshots used.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999", s, time.Local)
}
