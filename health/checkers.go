package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string { return c.name }

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

// Pinger is implemented by transports that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TransportChecker reports a transport unhealthy when Ping fails.
type TransportChecker struct {
	name   string
	pinger Pinger
}

func NewTransportChecker(name string, pinger Pinger) *TransportChecker {
	return &TransportChecker{name: name, pinger: pinger}
}

func (c *TransportChecker) Name() string { return c.name }

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "transport unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "transport reachable"
	}
	result.Duration = time.Since(start)
	return result
}

// ThresholdChecker grades a gauge such as the number of requests awaiting a
// reply or a queue depth. Zero thresholds are ignored.
type ThresholdChecker struct {
	name     string
	read     func(ctx context.Context) (int64, error)
	warning  int64
	critical int64
}

// NewThresholdChecker creates a checker that is degraded at or above warning
// and unhealthy at or above critical.
func NewThresholdChecker(name string, read func(ctx context.Context) (int64, error), warning, critical int64) *ThresholdChecker {
	return &ThresholdChecker{name: name, read: read, warning: warning, critical: critical}
}

// NewPendingChecker grades the number of in-flight requests.
func NewPendingChecker(pending func() int, warning, critical int64) *ThresholdChecker {
	return NewThresholdChecker("pending_requests", func(context.Context) (int64, error) {
		return int64(pending()), nil
	}, warning, critical)
}

func (c *ThresholdChecker) Name() string { return c.name }

func (c *ThresholdChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Details: map[string]interface{}{}}

	n, err := c.read(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to read value"
		result.Error = err.Error()
		return result
	}
	result.Details["value"] = n

	switch {
	case c.critical > 0 && n >= c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d at or above critical threshold %d", n, c.critical)
	case c.warning > 0 && n >= c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d at or above warning threshold %d", n, c.warning)
	default:
		result.Status = StatusHealthy
	}
	return result
}

// RuntimeChecker grades the goroutine count.
type RuntimeChecker struct {
	warning  int
	critical int
}

func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string { return "runtime" }

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"goroutines":    goroutines,
			"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":       m.NumGC,
		},
	}
	switch {
	case c.critical > 0 && goroutines >= c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warning > 0 && goroutines >= c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
	}
	result.Duration = time.Since(start)
	return result
}
