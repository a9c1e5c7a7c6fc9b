package checks

import (
	"context"
	"strings"
	"time"

	"github.com/charlesng35/otpguard/internal/monitoring"
)

const defaultMaintenanceMaxAge = 36 * time.Hour

// Maintenance reports jobs that keep failing as down and jobs that have not
// run within maxAge as degraded. A job awaiting its first run is fine.
func Maintenance(tracker *monitoring.JobTracker, maxAge time.Duration, now func() time.Time) monitoring.Check {
	if maxAge <= 0 {
		maxAge = defaultMaintenanceMaxAge
	}
	if now == nil {
		now = time.Now
	}

	return monitoring.Check{Name: "maintenance", Run: func(context.Context) monitoring.Result {
		if tracker == nil {
			return monitoring.Result{Status: monitoring.StatusUp, Details: "maintenance disabled"}
		}

		status := monitoring.StatusUp
		var notes []string
		current := now()
		for _, job := range tracker.Snapshot() {
			switch {
			case job.Runs == 0:
				continue
			case job.ConsecutiveFailures > 0:
				status = monitoring.StatusDown
				notes = append(notes, job.Job+": "+job.LastError)
			case current.Sub(job.LastRunAt) > maxAge:
				if status == monitoring.StatusUp {
					status = monitoring.StatusDegraded
				}
				notes = append(notes, job.Job+": last run "+job.LastRunAt.Format(time.RFC3339))
			}
		}
		return monitoring.Result{Status: status, Details: strings.Join(notes, "; ")}
	}}
}
