package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseInterval accepts a Go duration ("5m"), "@every <duration>", or a bare
// number of seconds ("300").
func ParseInterval(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@every ") {
		expr = strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	}
	if expr == "" {
		return 0, fmt.Errorf("empty interval")
	}
	var (
		d   time.Duration
		err error
	)
	if n, nerr := strconv.Atoi(expr); nerr == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(expr); err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", expr, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
