package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/otpguard/internal/monitoring"
	"github.com/charlesng35/otpguard/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultOTPSpec            = "@every 5m"
	defaultCacheSpec          = "@every 10m"
	defaultAuditSpec          = "@daily"
)

// ExpiredPurger removes rows whose lifetime has elapsed. Both the OTP service
// and the database cache store satisfy it.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// AuditPruner enforces the activity log retention window.
type AuditPruner interface {
	CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// Cleaner coordinates background maintenance: stale passcodes, expired cache
// entries and activity logs past retention.
type Cleaner struct {
	otps      ExpiredPurger
	cache     ExpiredPurger
	audit     AuditPruner
	cron      *cron.Cron
	tracker   *monitoring.JobTracker
	log       *zap.Logger
	retention int

	otpSchedule   string
	cacheSchedule string
	auditSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithCache adds the expired cache entry sweep.
func WithCache(store ExpiredPurger) Option {
	return func(cleaner *Cleaner) {
		cleaner.cache = store
	}
}

// WithAudit adds the activity log retention job.
func WithAudit(audit AuditPruner, retentionDays int) Option {
	return func(cleaner *Cleaner) {
		cleaner.audit = audit
		if retentionDays > 0 {
			cleaner.retention = retentionDays
		}
	}
}

// WithTracker records each run so readiness and metrics can see it.
func WithTracker(tracker *monitoring.JobTracker) Option {
	return func(cleaner *Cleaner) {
		cleaner.tracker = tracker
	}
}

// WithSchedules overrides the cron specifications. Empty values keep the defaults.
func WithSchedules(otp, cache, audit string) Option {
	return func(cleaner *Cleaner) {
		if otp != "" {
			cleaner.otpSchedule = otp
		}
		if cache != "" {
			cleaner.cacheSchedule = cache
		}
		if audit != "" {
			cleaner.auditSchedule = audit
		}
	}
}

// NewCleaner constructs a Cleaner. Any nil dependency results in the
// corresponding job being skipped.
func NewCleaner(otps ExpiredPurger, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		otps:          otps,
		retention:     defaultAuditRetentionDays,
		otpSchedule:   defaultOTPSpec,
		cacheSchedule: defaultCacheSpec,
		auditSchedule: defaultAuditSpec,
		log:           logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

type job struct {
	name string
	spec string
	run  func(context.Context) (int64, error)
}

func (c *Cleaner) jobs() []job {
	var jobs []job
	if c.otps != nil {
		jobs = append(jobs, job{name: "otp purge", spec: c.otpSchedule, run: c.otps.PurgeExpired})
	}
	if c.cache != nil {
		jobs = append(jobs, job{name: "cache purge", spec: c.cacheSchedule, run: c.cache.PurgeExpired})
	}
	if c.audit != nil && c.retention > 0 {
		jobs = append(jobs, job{name: "audit retention", spec: c.auditSchedule, run: func(ctx context.Context) (int64, error) {
			return c.audit.CleanupOlderThan(ctx, c.retention)
		}})
	}
	return jobs
}

// Start registers cleanup jobs with the cron scheduler and launches it if at least one job is configured.
func (c *Cleaner) Start() error {
	jobs := c.jobs()
	if len(jobs) == 0 {
		return nil
	}

	for _, j := range jobs {
		if c.tracker != nil {
			c.tracker.Register(j.name)
		}
		if _, err := c.cron.AddFunc(j.spec, func() {
			start := time.Now()
			removed, err := c.execute(context.Background(), j)
			if err != nil {
				c.log.Warn(j.name+" failed", zap.Error(err))
				return
			}
			if removed > 0 {
				c.log.Debug(j.name+" completed", zap.Int64("removed", removed), zap.Duration("took", time.Since(start)))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every configured job sequentially and returns the combined errors.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	for _, j := range c.jobs() {
		if _, err := c.execute(ctx, j); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (c *Cleaner) execute(ctx context.Context, j job) (int64, error) {
	removed, err := j.run(ctx)
	if c.tracker != nil {
		c.tracker.Record(j.name, removed, err, time.Now())
	}
	return removed, err
}
