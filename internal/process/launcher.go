package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/proxyprobe/internal/logger"
	"github.com/loykin/proxyprobe/internal/ports"
)

var (
	// ErrLaunch covers every failure to get a warm engine: bad payload,
	// missing binary, spawn error or early exit.
	ErrLaunch = errors.New("engine launch failed")
	// ErrTerminationTimeout means graceful shutdown ran out of time and the engine was killed.
	ErrTerminationTimeout = errors.New("engine did not stop in time; killed")
)

// Defaults for the launch/teardown timing.
const (
	DefaultWarmUp      = 3 * time.Second
	DefaultStopTimeout = 5 * time.Second
	reapGrace          = 2 * time.Second
)

// Instance is a running engine owned by one probe attempt.
type Instance interface {
	PID() int
	Terminate() error
}

// Launcher starts engine processes against patched copies of manifest payloads.
type Launcher struct {
	Binary      string
	WarmUp      time.Duration
	StopTimeout time.Duration
	ScratchDir  string            // scratch config location; os.TempDir when empty
	Output      logger.FileConfig // optional rotating files for engine stdout/stderr
	Logger      *slog.Logger
}

func (l *Launcher) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Launch writes a patched config, starts the engine and waits for the warm-up
// period. On any error nothing is left behind: the process is stopped and the
// scratch file removed.
func (l *Launcher) Launch(ctx context.Context, name string, payload []byte, pair ports.Pair) (Instance, error) {
	patched, err := PatchPorts(payload, pair)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, name, err)
	}
	path, err := writeScratch(l.ScratchDir, patched)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, name, err)
	}

	binary := l.Binary
	if binary == "" {
		binary = BinaryName
	}
	// #nosec G204 -- binary comes from operator configuration
	cmd := exec.Command(binary, "-config", path)
	configureSysProcAttr(cmd)

	h := &Handle{
		name:        name,
		configPath:  path,
		cmd:         cmd,
		tail:        newTailBuffer(0),
		stopTimeout: valOr(l.StopTimeout, DefaultStopTimeout),
		waitDone:    make(chan struct{}),
		log:         l.log(),
	}
	outW, errW := l.Output.ProcessWriters("engine-" + name)
	h.closers = nonNil(outW, errW)
	cmd.Stdout = teeWriter(h.tail, outW)
	cmd.Stderr = teeWriter(h.tail, errW)

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %s: start %s: %v", ErrLaunch, name, binary, err)
	}
	h.pid = cmd.Process.Pid
	go func() {
		h.waitErr = cmd.Wait()
		close(h.waitDone)
	}()
	l.log().Debug("Engine started", "name", name, "pid", h.pid, "data_port", pair.Data, "control_port", pair.Control)

	timer := time.NewTimer(valOr(l.WarmUp, DefaultWarmUp))
	defer timer.Stop()
	select {
	case <-timer.C:
		return h, nil
	case <-h.waitDone:
		_ = h.Terminate()
		return nil, fmt.Errorf("%w: %s: engine exited during warm-up: %v; output: %s", ErrLaunch, name, h.waitErr, lastLine(h.Output()))
	case <-ctx.Done():
		_ = h.Terminate()
		return nil, ctx.Err()
	}
}

// Handle is a launched engine. Terminate must be called exactly once by the
// owner; further calls return the first result.
type Handle struct {
	name        string
	configPath  string
	cmd         *exec.Cmd
	pid         int
	tail        *tailBuffer
	closers     []io.WriteCloser
	stopTimeout time.Duration
	log         *slog.Logger

	waitDone chan struct{} // closed once cmd.Wait returns
	waitErr  error

	once    sync.Once
	termErr error
}

func (h *Handle) PID() int { return h.pid }

// ConfigPath is the scratch config the engine was started with.
func (h *Handle) ConfigPath() string { return h.configPath }

// Output returns the tail of the engine's combined stdout/stderr.
func (h *Handle) Output() string { return h.tail.String() }

// Exited reports whether the engine process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.waitDone:
		return true
	default:
		return false
	}
}

// Alive asks the OS whether the engine PID still exists.
func (h *Handle) Alive() bool {
	if h.Exited() {
		return false
	}
	ok, err := gopsproc.PidExists(int32(h.pid))
	return err == nil && ok
}

// Terminate stops the engine: graceful stop, bounded wait, forced kill on
// timeout. The scratch config is always removed.
func (h *Handle) Terminate() error {
	h.once.Do(func() {
		h.termErr = h.stop()
		h.closeWriters()
		if err := os.Remove(h.configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.log.Debug("Failed to remove scratch config", "path", h.configPath, "error", err)
		}
	})
	return h.termErr
}

func (h *Handle) stop() error {
	if h.Exited() {
		return nil
	}
	_ = requestStop(h.cmd)
	timer := time.NewTimer(h.stopTimeout)
	defer timer.Stop()
	select {
	case <-h.waitDone:
		return nil
	case <-timer.C:
	}

	h.log.Warn("Engine ignored stop request, killing", "name", h.name, "pid", h.pid, "timeout", h.stopTimeout)
	_ = forceKill(h.cmd)
	select {
	case <-h.waitDone:
	case <-time.After(reapGrace):
		h.log.Error("Engine not reaped after kill", "name", h.name, "pid", h.pid)
	}
	return fmt.Errorf("%w: %s (pid %d) after %s", ErrTerminationTimeout, h.name, h.pid, h.stopTimeout)
}

func (h *Handle) closeWriters() {
	for _, c := range h.closers {
		_ = c.Close()
	}
	h.closers = nil
}

func writeScratch(dir string, data []byte) (string, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("ensure scratch dir %q: %w", dir, err)
		}
	}
	f, err := os.CreateTemp(dir, "probe-*.json")
	if err != nil {
		return "", fmt.Errorf("create scratch config: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write scratch config %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close scratch config %q: %w", path, err)
	}
	return path, nil
}

func teeWriter(tail *tailBuffer, w io.Writer) io.Writer {
	if w == nil {
		return tail
	}
	return io.MultiWriter(tail, w)
}

func nonNil(ws ...io.WriteCloser) []io.WriteCloser {
	out := make([]io.WriteCloser, 0, len(ws))
	for _, w := range ws {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

func lastLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}

func valOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
