package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// NamePrune is the scheduler name of the processed-entry prune job.
const NamePrune = "prune"

// DefaultPruneRetention is how long processed entry ids are kept.
const DefaultPruneRetention = 7 * 24 * time.Hour

// PruneJob deletes processed stream entry ids older than the retention
// window. Idempotency of replays past that window rests on the natural keys
// (fill id, order id) alone.
type PruneJob struct {
	pruner    domain.EntryPruner
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewPruneJob creates a PruneJob. retention <= 0 uses DefaultPruneRetention.
func NewPruneJob(pruner domain.EntryPruner, retention time.Duration, logger *slog.Logger) *PruneJob {
	if retention <= 0 {
		retention = DefaultPruneRetention
	}
	return &PruneJob{
		pruner:    pruner,
		retention: retention,
		logger:    logger.With(slog.String("component", "prune")),
		now:       time.Now,
	}
}

// Name implements schedule.Job.
func (j *PruneJob) Name() string { return NamePrune }

// Run implements schedule.Job.
func (j *PruneJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	n, err := j.pruner.PruneProcessedEntries(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning entries before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	j.logger.InfoContext(ctx, "processed entries pruned",
		slog.Int64("deleted", n),
		slog.Time("cutoff", cutoff),
	)
	return nil
}
