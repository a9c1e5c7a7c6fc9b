package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the outcome of a probe.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) rank() int {
	switch s {
	case StatusUp:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Result is what a single probe reports.
type Result struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Details   string        `json:"details,omitempty"`
	Duration  time.Duration `json:"durationNs"`
}

// Report aggregates probe results. Status is the worst status observed.
type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

// Healthy reports whether every probe is up.
func (r Report) Healthy() bool { return r.Status == StatusUp }

// Check is a named dependency probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) Result
}

// Probes holds the readiness checks evaluated by the ready endpoint.
type Probes struct {
	mu     sync.RWMutex
	checks []Check
}

// NewProbes returns a registry seeded with checks. Checks without a name or
// function are ignored.
func NewProbes(checks ...Check) *Probes {
	p := &Probes{}
	for _, c := range checks {
		p.Register(c)
	}
	return p
}

// Register appends a readiness check.
func (p *Probes) Register(check Check) {
	if check.Name == "" || check.Run == nil {
		return
	}
	p.mu.Lock()
	p.checks = append(p.checks, check)
	p.mu.Unlock()
}

// Evaluate runs every check in registration order.
func (p *Probes) Evaluate(ctx context.Context) Report {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	checks := append([]Check(nil), p.checks...)
	p.mu.RUnlock()

	report := Report{Status: StatusUp, Checks: make([]Result, 0, len(checks))}
	for _, check := range checks {
		result := run(ctx, check)
		report.Checks = append(report.Checks, result)
		if result.Status.rank() > report.Status.rank() {
			report.Status = result.Status
		}
	}
	return report
}

func run(ctx context.Context, check Check) (result Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = Result{Status: StatusDown, Details: fmt.Sprint(rec)}
		}
		if result.Status == "" {
			result.Status = StatusDown
		}
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		result.Component = check.Name
	}()
	return check.Run(ctx)
}

// FromError maps err to a result. Timeouts and cancellations degrade rather
// than fail the component.
func FromError(err error) Result {
	switch {
	case err == nil:
		return Result{Status: StatusUp}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Result{Status: StatusDegraded, Details: err.Error()}
	default:
		return Result{Status: StatusDown, Details: err.Error()}
	}
}
