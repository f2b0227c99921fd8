package cron

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/clevi/pricestore/internal/archive"
	"github.com/clevi/pricestore/internal/pricedb"
	"github.com/clevi/pricestore/pkg/logger"
)

const defaultRetainDays = 90

type SnapshotRetentionJobParams struct {
	Logger   *logger.Logger
	Store    snapshotPurger
	Archiver snapshotArchiver
	// RetainDays defaults to 90 when nil. Zero keeps only today's snapshots.
	RetainDays   *int
	ProtectedIDs []string
}

type snapshotPurger interface {
	PurgeSnapshotsBefore(ctx context.Context, cutoff time.Time, protectedIDs []string) (int64, error)
}

type snapshotArchiver interface {
	Archive(ctx context.Context, cutoff time.Time) (archive.Result, error)
}

func NewSnapshotRetentionJob(params SnapshotRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("snapshot store required")
	}
	retain := defaultRetainDays
	if params.RetainDays != nil {
		retain = *params.RetainDays
	}
	if retain < 0 {
		return nil, fmt.Errorf("retention days must not be negative, got %d", retain)
	}
	return &snapshotRetentionJob{
		logg:      params.Logger,
		store:     params.Store,
		archiver:  params.Archiver,
		retain:    retain,
		protected: slices.Clone(params.ProtectedIDs),
		now:       time.Now,
	}, nil
}

type snapshotRetentionJob struct {
	logg      *logger.Logger
	store     snapshotPurger
	archiver  snapshotArchiver
	retain    int
	protected []string
	now       func() time.Time
}

func (j *snapshotRetentionJob) Name() string { return "snapshot-retention" }

// Run archives snapshots past the retention window when an archiver is set,
// then purges them. Both steps use the cutoff taken when the run starts.
// Products whose archive failed are kept; when the archive could not run at
// all nothing is purged.
func (j *snapshotRetentionJob) Run(ctx context.Context) error {
	cutoff := pricedb.RetentionCutoff(j.now(), j.retain)
	ctx = j.logg.WithField(ctx, "cutoff", cutoff)

	protected := slices.Clone(j.protected)
	archived := 0
	if j.archiver != nil {
		res, err := j.archiver.Archive(ctx, cutoff)
		if err != nil && len(res.Failed) == 0 {
			return fmt.Errorf("snapshot archive: %w", err)
		}
		protected = append(protected, res.Failed...)
		archived = res.Rows
		if len(res.Failed) > 0 {
			j.logg.Warn(j.logg.WithField(ctx, "failed_products", len(res.Failed)), "keeping snapshots of products that were not archived")
		}
	}

	deleted, err := j.store.PurgeSnapshotsBefore(ctx, cutoff, protected)
	if err != nil {
		return fmt.Errorf("snapshot retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"retention_days": j.retain,
		"protected":      len(protected),
		"archived_rows":  archived,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "snapshot retention complete")
	return nil
}
