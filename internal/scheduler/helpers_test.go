package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/proxyprobe/internal/history"
	"github.com/loykin/proxyprobe/internal/manifest"
	"github.com/loykin/proxyprobe/internal/ports"
	"github.com/loykin/proxyprobe/internal/probe"
	"github.com/loykin/proxyprobe/internal/process"
	"github.com/loykin/proxyprobe/internal/results"
)

const payload = `{"inbounds":[{"tag":"socks","port":1080,"protocol":"socks"},{"tag":"api","port":10085}],"outbounds":[{"protocol":"freedom"}]}`

func entries(names ...string) manifest.Static {
	out := make(manifest.Static, 0, len(names))
	for i, n := range names {
		out = append(out, manifest.Entry{ID: fmt.Sprintf("config_%d", i), DisplayName: n, Payload: []byte(payload)})
	}
	return out
}

func newStore(t *testing.T) *results.Store {
	t.Helper()
	return results.NewStore(filepath.Join(t.TempDir(), "ping_results.json"))
}

// fastTiming keeps loops short in tests.
var fastTiming = Timing{Interval: time.Hour, Backoff: 50 * time.Millisecond, Pause: 5 * time.Millisecond, Tick: 20 * time.Millisecond}

// fakeInstance reports termination back to its launcher.
type fakeInstance struct {
	pid  int
	l    *fakeLauncher
	once sync.Once
}

func (f *fakeInstance) PID() int { return f.pid }

func (f *fakeInstance) Terminate() error {
	f.once.Do(func() {
		if f.l.onTerminate != nil {
			f.l.onTerminate(f)
		}
		f.l.inflight.Add(-1)
		f.l.terminated.Add(1)
	})
	return f.l.termErr
}

// fakeLauncher fails the test when a launch starts while another engine is alive.
type fakeLauncher struct {
	t          *testing.T
	inflight   atomic.Int32
	launched   atomic.Int32
	terminated atomic.Int32
	maxSeen    atomic.Int32

	failFor     map[string]error
	termErr     error
	onLaunch    func(name string, pair ports.Pair) error
	onTerminate func(*fakeInstance)

	mu    sync.Mutex
	names []string
}

func (l *fakeLauncher) Launch(_ context.Context, name string, _ []byte, pair ports.Pair) (process.Instance, error) {
	if n := l.inflight.Load(); n != 0 {
		l.t.Errorf("launch of %q while %d engine(s) alive", name, n)
	}
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
	if err := l.failFor[name]; err != nil {
		return nil, err
	}
	if l.onLaunch != nil {
		if err := l.onLaunch(name, pair); err != nil {
			return nil, err
		}
	}
	n := l.inflight.Add(1)
	if n > l.maxSeen.Load() {
		l.maxSeen.Store(n)
	}
	l.launched.Add(1)
	return &fakeInstance{pid: 900000 + int(l.launched.Load()), l: l}, nil
}

// funcProber adapts a function to Prober.
type funcProber func(ctx context.Context, pair ports.Pair) probe.Outcome

func (f funcProber) Test(ctx context.Context, pair ports.Pair) probe.Outcome { return f(ctx, pair) }

func onlineProber(delay float64) funcProber {
	return func(context.Context, ports.Pair) probe.Outcome {
		return probe.Outcome{DelayMs: delay, Status: results.StatusOnline}
	}
}

// failingRegistry fails every Load and counts calls.
type failingRegistry struct{ calls atomic.Int32 }

func (r *failingRegistry) Load(context.Context) ([]manifest.Entry, error) {
	r.calls.Add(1)
	return nil, errors.New("config list not found")
}

// countingRegistry wraps a registry and counts loads.
type countingRegistry struct {
	manifest.Registry
	calls atomic.Int32
}

func (r *countingRegistry) Load(ctx context.Context) ([]manifest.Entry, error) {
	r.calls.Add(1)
	return r.Registry.Load(ctx)
}

// panickingRegistry panics on every Load and counts calls.
type panickingRegistry struct{ calls atomic.Int32 }

func (r *panickingRegistry) Load(context.Context) ([]manifest.Entry, error) {
	r.calls.Add(1)
	panic("boom")
}

// swapRegistry serves whatever entries were last set.
type swapRegistry struct {
	mu      sync.Mutex
	current manifest.Static
}

func (r *swapRegistry) set(s manifest.Static) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
}

func (r *swapRegistry) Load(ctx context.Context) ([]manifest.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Load(ctx)
}

type panicSink struct{}

func (panicSink) Send(context.Context, history.Event) error { panic("sink driver crashed") }

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func mustAllocator(t *testing.T, opts ...ports.Option) *ports.Allocator {
	t.Helper()
	a, err := ports.New(0, 0, 0, opts...)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	return a
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", within)
}
