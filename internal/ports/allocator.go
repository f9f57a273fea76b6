package ports

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
)

// ErrPortBind is returned when no free port pair was found within the attempt budget.
var ErrPortBind = errors.New("no free port pair")

// Default allocation policy.
const (
	DefaultMin         = 20000
	DefaultMax         = 30000
	DefaultMaxAttempts = 20
	DefaultHost        = "127.0.0.1"
)

// Pair is the port pair owned by one probe attempt.
// Data carries the SOCKS inbound, Control the engine API inbound (Data+1).
type Pair struct {
	Control uint16 `json:"control_port"`
	Data    uint16 `json:"data_port"`
}

// BindFunc checks that host:port can be bound right now and releases it.
type BindFunc func(host string, port int) error

// Allocator hands out disjoint port pairs from [Min, Max].
// It keeps no reservation table: attempts are sequential and every
// candidate is verified against the OS before being returned.
type Allocator struct {
	Min         int
	Max         int
	MaxAttempts int
	Host        string

	bind   BindFunc
	intn   func(n int) int
	onMiss func(base int, err error)
}

type Option func(*Allocator)

// WithBindFunc replaces the OS bind check.
func WithBindFunc(f BindFunc) Option {
	return func(a *Allocator) {
		if f != nil {
			a.bind = f
		}
	}
}

// WithRand replaces the base port source; intn must return [0, n).
func WithRand(intn func(n int) int) Option {
	return func(a *Allocator) {
		if intn != nil {
			a.intn = intn
		}
	}
}

// WithMissHook is called for each rejected candidate base.
func WithMissHook(f func(base int, err error)) Option {
	return func(a *Allocator) { a.onMiss = f }
}

// New builds an allocator; zero arguments fall back to the defaults.
func New(lo, hi, attempts int, opts ...Option) (*Allocator, error) {
	if lo == 0 && hi == 0 {
		lo, hi = DefaultMin, DefaultMax
	}
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	if lo < 1 || hi > 65535 || hi-lo < 1 {
		return nil, fmt.Errorf("invalid port range %d-%d", lo, hi)
	}
	a := &Allocator{
		Min:         lo,
		Max:         hi,
		MaxAttempts: attempts,
		Host:        DefaultHost,
		bind:        bindCheck,
		intn:        rand.Intn,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Allocate returns a verified pair {Data: base, Control: base+1}.
func (a *Allocator) Allocate(ctx context.Context) (Pair, error) {
	span := a.Max - a.Min // base in [Min, Max-1] keeps base+1 within range
	var lastErr error
	for i := 0; i < a.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return Pair{}, err
		}
		base := a.Min + a.intn(span)
		if err := a.bind(a.Host, base); err != nil {
			lastErr = err
			a.miss(base, err)
			continue
		}
		if err := a.bind(a.Host, base+1); err != nil {
			lastErr = err
			a.miss(base, err)
			continue
		}
		return Pair{Data: uint16(base), Control: uint16(base + 1)}, nil
	}
	return Pair{}, fmt.Errorf("%w after %d attempts in %d-%d: %v", ErrPortBind, a.MaxAttempts, a.Min, a.Max, lastErr)
}

func (a *Allocator) miss(base int, err error) {
	if a.onMiss != nil {
		a.onMiss(base, err)
	}
}

func bindCheck(host string, port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return l.Close()
}
