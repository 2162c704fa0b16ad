package generation

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
)

// BundleExpirer lets the sweeper drive credit expiry on the same schedule
// as the job sweeps. Satisfied by *credits.Manager.
type BundleExpirer interface {
	ExpireDueBundles(ctx context.Context, limit int) (int, error)
}

// SweeperConfig holds sweep scheduling configuration.
type SweeperConfig struct {
	// PollAfter is how long a PROCESSING job may wait for a push
	// callback before the recovery poll asks the provider directly
	// (default: 2 minutes).
	PollAfter time.Duration

	// JobTimeout is how long a job may stay non-terminal before it is
	// force-failed and refunded (default: 30 minutes).
	JobTimeout time.Duration

	// PollInterval, TimeoutInterval, and ReconcileInterval pace the
	// three sweep loops (defaults: 30s, 1m, 1m).
	PollInterval      time.Duration
	TimeoutInterval   time.Duration
	ReconcileInterval time.Duration

	// ExpiryInterval paces the optional credit expiry tick (default: 10m).
	ExpiryInterval time.Duration

	// BatchSize caps how many records one sweep pass touches (default: 100).
	BatchSize int

	// Expirer, when set, receives a periodic ExpireDueBundles call.
	Expirer BundleExpirer

	// Logger is used for structured logging (default: NoopLogger).
	Logger credits.Logger

	// Metrics is used for tracking sweep passes (default: NoopMetrics).
	Metrics Metrics

	// TimeSource supplies the current time (default: SystemTimeSource).
	TimeSource credits.TimeSource
}

// Sweeper is the stateless scheduler tick over the durable job table. It
// holds no per-job state in memory, so it survives restarts and multiple
// workers can run it concurrently: every pass rescans the table and every
// terminal write goes through the same compare-and-set entry point, making
// duplicate work a logged no-op.
type Sweeper struct {
	service    *Service
	reconciler *Reconciler
	provider   Provider
	config     SweeperConfig
}

// NewSweeper creates a new sweeper bound to the service's storage and provider.
func NewSweeper(service *Service, config SweeperConfig) (*Sweeper, error) {
	if service == nil {
		return nil, ErrStorageUnavailable
	}

	if config.PollAfter == 0 {
		config.PollAfter = 2 * time.Minute
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = 30 * time.Minute
	}
	if config.PollInterval == 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.TimeoutInterval == 0 {
		config.TimeoutInterval = time.Minute
	}
	if config.ReconcileInterval == 0 {
		config.ReconcileInterval = time.Minute
	}
	if config.ExpiryInterval == 0 {
		config.ExpiryInterval = 10 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Logger == nil {
		config.Logger = &credits.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = NoopMetrics{}
	}
	if config.TimeSource == nil {
		config.TimeSource = credits.SystemTimeSource{}
	}

	return &Sweeper{
		service:    service,
		reconciler: service.reconciler,
		provider:   service.provider,
		config:     config,
	}, nil
}

// Run drives all sweep loops until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop(ctx, s.config.PollInterval, s.PollOnce) })
	g.Go(func() error { return s.loop(ctx, s.config.TimeoutInterval, s.TimeoutOnce) })
	g.Go(func() error { return s.loop(ctx, s.config.ReconcileInterval, s.ReconcileOnce) })
	if s.config.Expirer != nil {
		g.Go(func() error { return s.loop(ctx, s.config.ExpiryInterval, s.ExpireOnce) })
	}

	return g.Wait()
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, pass func(context.Context) (int, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := pass(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Error("sweep pass failed",
					credits.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

func (s *Sweeper) now(ctx context.Context) time.Time {
	t, err := s.config.TimeSource.Now(ctx)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// PollOnce runs one recovery poll pass: jobs that have been PROCESSING
// past the expected callback window are checked against the provider
// directly, and any terminal answer funnels into ApplyOutcome.
func (s *Sweeper) PollOnce(ctx context.Context) (int, error) {
	cutoff := s.now(ctx).Add(-s.config.PollAfter)
	jobs, err := s.service.storage.ListAwaitingPoll(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, job := range jobs {
		out, err := s.provider.FetchJob(ctx, job.ExternalJobID)
		if err != nil {
			s.config.Logger.Warn("recovery poll fetch failed",
				credits.Field{Key: "job_id", Value: job.ID},
				credits.Field{Key: "external_job_id", Value: job.ExternalJobID},
				credits.Field{Key: "error", Value: err.Error()})
			continue
		}
		if out == nil {
			// Still running; the timeout sweep bounds how long we wait.
			continue
		}
		out.ExternalJobID = job.ExternalJobID
		if err := s.service.applyTerminal(ctx, SourcePoll, job, out); err != nil {
			s.config.Logger.Error("recovery poll apply failed",
				credits.Field{Key: "job_id", Value: job.ID},
				credits.Field{Key: "error", Value: err.Error()})
			continue
		}
		resolved++
	}

	s.config.Metrics.RecordSweep("poll", resolved)
	return resolved, nil
}

// TimeoutOnce runs one timeout pass: any job still non-terminal past the
// bound is force-failed through the shared compare-and-set path, which
// also triggers its refund.
func (s *Sweeper) TimeoutOnce(ctx context.Context) (int, error) {
	cutoff := s.now(ctx).Add(-s.config.JobTimeout)
	jobs, err := s.service.storage.ListTimedOut(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, job := range jobs {
		if err := s.service.ApplyTimeout(ctx, job); err != nil {
			s.config.Logger.Error("timeout sweep apply failed",
				credits.Field{Key: "job_id", Value: job.ID},
				credits.Field{Key: "error", Value: err.Error()})
			continue
		}
		failed++
	}

	s.config.Metrics.RecordSweep("timeout", failed)
	return failed, nil
}

// ReconcileOnce runs one reconcile pass over live packages, correcting any
// drift the per-transition reconciliations missed.
func (s *Sweeper) ReconcileOnce(ctx context.Context) (int, error) {
	ids, err := s.service.storage.ListReconcilablePackages(ctx, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, id := range ids {
		if err := s.reconciler.Reconcile(ctx, id); err != nil {
			s.config.Logger.Error("reconcile sweep failed",
				credits.Field{Key: "package_id", Value: id},
				credits.Field{Key: "error", Value: err.Error()})
			continue
		}
		reconciled++
	}

	s.config.Metrics.RecordSweep("reconcile", reconciled)
	return reconciled, nil
}

// ExpireOnce runs one credit expiry tick.
func (s *Sweeper) ExpireOnce(ctx context.Context) (int, error) {
	n, err := s.config.Expirer.ExpireDueBundles(ctx, s.config.BatchSize)
	if err != nil {
		return 0, err
	}
	s.config.Metrics.RecordSweep("expiry", n)
	return n, nil
}
