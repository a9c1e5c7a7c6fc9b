package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func staticCheck(name string, status Status) Check {
	return Check{Name: name, Run: func(context.Context) Result { return Result{Status: status} }}
}

func TestProbesReportWorstStatus(t *testing.T) {
	probes := NewProbes(staticCheck("a", StatusUp))
	report := probes.Evaluate(context.Background())
	require.True(t, report.Healthy())
	require.Len(t, report.Checks, 1)
	require.Equal(t, "a", report.Checks[0].Component)

	probes.Register(staticCheck("b", StatusDegraded))
	require.Equal(t, StatusDegraded, probes.Evaluate(context.Background()).Status)

	probes.Register(staticCheck("c", StatusDown))
	probes.Register(staticCheck("d", StatusDegraded))
	report = probes.Evaluate(context.Background())
	require.Equal(t, StatusDown, report.Status)
	require.False(t, report.Healthy())
	require.Len(t, report.Checks, 4)
}

func TestProbesIgnoreIncompleteChecks(t *testing.T) {
	probes := NewProbes(Check{Name: "nameless-fn"}, Check{Run: func(context.Context) Result { return Result{} }})
	report := probes.Evaluate(context.Background())
	require.Equal(t, StatusUp, report.Status)
	require.Empty(t, report.Checks)
}

func TestProbesRecoverPanicsAndEmptyStatus(t *testing.T) {
	probes := NewProbes(
		Check{Name: "boom", Run: func(context.Context) Result { panic("kaput") }},
		Check{Name: "silent", Run: func(context.Context) Result { return Result{} }},
	)
	report := probes.Evaluate(context.Background())
	require.Equal(t, StatusDown, report.Status)
	require.Equal(t, "boom", report.Checks[0].Component)
	require.Equal(t, "kaput", report.Checks[0].Details)
	require.Equal(t, StatusDown, report.Checks[1].Status)
}

func TestFromError(t *testing.T) {
	require.Equal(t, StatusUp, FromError(nil).Status)
	require.Equal(t, StatusDegraded, FromError(context.DeadlineExceeded).Status)
	down := FromError(errors.New("refused"))
	require.Equal(t, StatusDown, down.Status)
	require.Equal(t, "refused", down.Details)
}

func TestJobTracker(t *testing.T) {
	tracker := NewJobTracker()
	tracker.Register("otp purge")
	at := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	tracker.Record("cache purge", 3, nil, at)
	tracker.Record("cache purge", 2, nil, at.Add(time.Minute))
	tracker.Record("otp purge", 0, errors.New("locked"), at)

	snap := tracker.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "cache purge", snap[0].Job)
	require.Equal(t, uint64(2), snap[0].Runs)
	require.Equal(t, int64(5), snap[0].Removed)
	require.Equal(t, at.Add(time.Minute), snap[0].LastRunAt)

	require.Equal(t, uint64(1), snap[1].ConsecutiveFailures)
	require.Equal(t, "locked", snap[1].LastError)

	tracker.Record("otp purge", 1, nil, at)
	snap = tracker.Snapshot()
	require.Zero(t, snap[1].ConsecutiveFailures)
	require.Equal(t, uint64(1), snap[1].Failures)
	require.Empty(t, snap[1].LastError)
}
