// Package pipeline holds the batch jobs that move ledger history out of the
// primary store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// NameArchive is the scheduler name of the archive job.
const NameArchive = "archive"

// DefaultRetentionDays is how long history stays out of the archive.
const DefaultRetentionDays = 90

// ArchiveJob snapshots fills and audit entries older than the retention
// window to cold storage.
type ArchiveJob struct {
	archiver      domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiveJob creates an ArchiveJob. retentionDays <= 0 uses
// DefaultRetentionDays.
func NewArchiveJob(archiver domain.Archiver, retentionDays int, logger *slog.Logger) *ArchiveJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &ArchiveJob{
		archiver:      archiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive")),
		now:           time.Now,
	}
}

// Name implements schedule.Job.
func (j *ArchiveJob) Name() string { return NameArchive }

// Cutoff returns the archive cutoff for the current time.
func (j *ArchiveJob) Cutoff() time.Time {
	return j.now().UTC().Add(-time.Duration(j.retentionDays) * 24 * time.Hour)
}

// Run archives both kinds. A failure of one kind does not stop the other;
// the errors are joined.
func (j *ArchiveJob) Run(ctx context.Context) error {
	cutoff := j.Cutoff()
	j.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", j.retentionDays),
	)

	fills, errFills := j.archiver.ArchiveFills(ctx, cutoff)
	if errFills != nil {
		errFills = fmt.Errorf("archiving fills before %s: %w", cutoff.Format(time.RFC3339), errFills)
	}
	audit, errAudit := j.archiver.ArchiveAudit(ctx, cutoff)
	if errAudit != nil {
		errAudit = fmt.Errorf("archiving audit log before %s: %w", cutoff.Format(time.RFC3339), errAudit)
	}

	if err := errors.Join(errFills, errAudit); err != nil {
		return err
	}
	j.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("fills_archived", fills),
		slog.Int64("audit_archived", audit),
	)
	return nil
}
