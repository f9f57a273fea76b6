// Package probe sends one HTTP request through a running engine's SOCKS
// inbound and turns the outcome into a latency or offline verdict.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/loykin/proxyprobe/internal/ports"
	"github.com/loykin/proxyprobe/internal/results"
)

const (
	DefaultTarget    = "http://www.gstatic.com/generate_204"
	DefaultTimeout   = 10 * time.Second
	DefaultProxyHost = "127.0.0.1"
)

// DefaultExpected lists the status codes treated as a successful round trip.
var DefaultExpected = []int{http.StatusOK, http.StatusNoContent}

var (
	ErrProbeTimeout    = errors.New("probe timed out")
	ErrProbeConnection = errors.New("probe connection failed")
	ErrProbeStatus     = errors.New("probe got unexpected status")
)

// Runner performs single, unretried probes.
type Runner struct {
	TargetURL string
	Timeout   time.Duration
	Expected  []int
	ProxyHost string
}

// Outcome of one probe. Err is set exactly when Status is offline.
type Outcome struct {
	DelayMs float64
	Status  results.Status
	Err     error
}

// Result converts the outcome into a stored result for name.
func (o Outcome) Result(name string, at time.Time) results.Result {
	if o.Status == results.StatusOnline {
		return results.Online(name, o.DelayMs, at)
	}
	return results.Offline(name, at)
}

func offline(err error) Outcome {
	return Outcome{DelayMs: results.SentinelDelay, Status: results.StatusOffline, Err: err}
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

// Test issues one GET to the target through the SOCKS inbound on pair.Data.
// Host names are resolved by the proxy, not locally.
func (r *Runner) Test(ctx context.Context, pair ports.Pair) Outcome {
	timeout := r.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host := r.ProxyHost
	if host == "" {
		host = DefaultProxyHost
	}
	target := r.TargetURL
	if target == "" {
		target = DefaultTarget
	}
	expected := r.Expected
	if len(expected) == 0 {
		expected = DefaultExpected
	}

	socksAddr := net.JoinHostPort(host, strconv.Itoa(int(pair.Data)))
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return offline(fmt.Errorf("%w: socks dialer %s: %w", ErrProbeConnection, socksAddr, err))
	}
	tr := &http.Transport{DisableKeepAlives: true}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		tr.DialContext = cd.DialContext
	} else {
		tr.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr, Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return offline(fmt.Errorf("%w: build request: %w", ErrProbeConnection, err))
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return offline(classify(err))
	}
	elapsed := time.Since(start)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if !slices.Contains(expected, resp.StatusCode) {
		return offline(fmt.Errorf("%w: %d", ErrProbeStatus, resp.StatusCode))
	}
	return Outcome{DelayMs: float64(elapsed.Microseconds()) / 1000, Status: results.StatusOnline}
}

func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrProbeConnection, err)
}
