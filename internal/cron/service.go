package cron

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/logger"
	"github.com/clevi/pricestore/pkg/metrics"
)

const defaultInterval = 24 * time.Hour

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.JobMetrics
	Interval time.Duration
	Now      func() time.Time
}

// lockHolder is implemented by locks that can name the worker holding them.
type lockHolder interface {
	Holder(ctx context.Context) (string, error)
}

// Service executes registered cron jobs on a fixed cadence.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.JobMetrics
	interval time.Duration
	now      func() time.Time
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "cron service requires a logger")
	}
	if params.Lock == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "cron service requires a lock")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
		now:      now,
	}, nil
}

// Run starts the cron loop until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.runCycle(ctx); err != nil {
		s.logg.Error(ctx, "scheduled run failed", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
			if err := s.runCycle(ctx); err != nil {
				s.logg.Error(ctx, "scheduled run failed", err)
			}
		}
	}
}

// RunOnce runs every registered job a single time under the lock.
func (s *Service) RunOnce(ctx context.Context) error {
	return s.runCycle(ctx)
}

// Jobs lists the names of the registered jobs.
func (s *Service) Jobs() []string {
	names := []string{}
	for _, job := range s.registry.Jobs() {
		names = append(names, job.Name())
	}
	return names
}

func (s *Service) runCycle(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquiring cron lock")
	}
	if !locked {
		if h, ok := s.lock.(lockHolder); ok {
			if holder, err := h.Holder(ctx); err == nil && holder != "" {
				ctx = s.logg.WithField(ctx, "lock_holder", holder)
			}
		}
		s.logg.Info(ctx, "another worker holds the lock, skipping cycle")
		s.metrics.IncSkippedCycle()
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(ctx); relErr != nil {
			s.logg.Error(ctx, "failed to release cron lock", relErr)
		}
	}()

	s.logg.Info(ctx, "scheduled run starting")
	failed := 0
	for _, job := range s.registry.Jobs() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.runJob(ctx, job) {
			failed++
		}
	}
	s.logg.Info(s.logg.WithField(ctx, "failed_jobs", failed), "scheduled run complete")
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(s.registry.Jobs()))
	}
	return nil
}

func (s *Service) runJob(ctx context.Context, job Job) bool {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	jobCtx = s.logg.WithField(jobCtx, "event", "cron.job")
	s.logg.Info(jobCtx, "job start")
	start := s.now()
	err := job.Run(jobCtx)
	finished := s.now()
	duration := finished.Sub(start)
	s.metrics.RecordRun(job.Name(), duration, err, finished)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		dump := pkgerrors.Dump(err)
		jobCtx = s.logg.WithFields(jobCtx, map[string]any{
			"error_chain":   dump.Chain,
			"mongo_codes":   dump.MongoCodes,
			"failed_writes": dump.FailedWrites,
			"retryable":     pkgerrors.IsRetryable(err),
		})
		s.logg.Error(jobCtx, "job failed", err)
		return false
	}
	s.logg.Info(jobCtx, "job completed")
	return true
}
