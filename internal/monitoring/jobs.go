package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/charlesng35/otpguard/pkg/metrics"
)

// JobStats summarises the run history of one background job.
type JobStats struct {
	Job                 string    `json:"job"`
	Runs                uint64    `json:"runs"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures uint64    `json:"consecutiveFailures"`
	Removed             int64     `json:"removed"`
	LastRunAt           time.Time `json:"lastRunAt"`
	LastError           string    `json:"lastError,omitempty"`
}

// JobTracker records maintenance outcomes for readiness and metrics.
type JobTracker struct {
	mu   sync.Mutex
	jobs map[string]*JobStats
}

// NewJobTracker returns an empty tracker.
func NewJobTracker() *JobTracker {
	return &JobTracker{jobs: make(map[string]*JobStats)}
}

// Register makes a job visible before its first run.
func (t *JobTracker) Register(job string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[job]; !ok {
		t.jobs[job] = &JobStats{Job: job}
	}
}

// Record stores the outcome of a run finished at.
func (t *JobTracker) Record(job string, removed int64, err error, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.jobs[job]
	if !ok {
		stats = &JobStats{Job: job}
		t.jobs[job] = stats
	}
	stats.Runs++
	stats.LastRunAt = at.UTC()

	if err != nil {
		stats.Failures++
		stats.ConsecutiveFailures++
		stats.LastError = err.Error()
		metrics.MaintenanceRuns.WithLabelValues(job, "failure").Inc()
		return
	}

	stats.ConsecutiveFailures = 0
	stats.LastError = ""
	stats.Removed += removed
	metrics.MaintenanceRuns.WithLabelValues(job, "success").Inc()
	if removed > 0 {
		metrics.MaintenanceRemoved.WithLabelValues(job).Add(float64(removed))
	}
}

// Snapshot returns a copy of every job, sorted by name.
func (t *JobTracker) Snapshot() []JobStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]JobStats, 0, len(t.jobs))
	for _, stats := range t.jobs {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}
