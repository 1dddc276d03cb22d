package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/observability"
)

const (
	contentTypeJSONL = "application/x-ndjson"

	// auditPageSize bounds one audit log read.
	auditPageSize = 1000

	KindFills = "fills"
	KindAudit = "audit"
)

// Blob is the object storage the archiver writes to.
type Blob interface {
	domain.BlobWriter
	domain.BlobReader
}

// Archiver implements domain.Archiver. It snapshots ledger history older
// than a cutoff into one JSONL object per kind and cutoff month. Records
// stay in Postgres; pruning is a separate operator step.
type Archiver struct {
	blob     Blob
	fills    domain.FillArchiveStore
	audit    domain.AuditStore
	metrics  *observability.Metrics
	logger   *slog.Logger
	partSize int64
}

// NewArchiver creates an Archiver.
func NewArchiver(
	blob Blob,
	fills domain.FillArchiveStore,
	audit domain.AuditStore,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		blob:     blob,
		fills:    fills,
		audit:    audit,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "archiver")),
		partSize: minPartSize,
	}
}

// ArchiveFills uploads every fill created before the cutoff to
// archive/fills/YYYY-MM.jsonl and returns the number archived.
func (a *Archiver) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	return a.archive(ctx, KindFills, before, func() ([]byte, int64, error) {
		fills, err := a.fills.ListFillsBefore(ctx, before)
		if err != nil {
			return nil, 0, err
		}
		buf, err := marshalJSONL(fills)
		return buf, int64(len(fills)), err
	})
}

// ArchiveAudit uploads every audit entry written before the cutoff to
// archive/audit/YYYY-MM.jsonl and returns the number archived.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	return a.archive(ctx, KindAudit, before, func() ([]byte, int64, error) {
		var all []domain.AuditEntry
		for offset := 0; ; offset += auditPageSize {
			page, err := a.audit.List(ctx, domain.ListOpts{Until: &before, Limit: auditPageSize, Offset: offset})
			if err != nil {
				return nil, 0, err
			}
			all = append(all, page...)
			if len(page) < auditPageSize {
				break
			}
		}
		buf, err := marshalJSONL(all)
		return buf, int64(len(all)), err
	})
}

// archive uploads what collect returns unless the object for this kind and
// month already exists, so a rerun within the month is a no-op.
func (a *Archiver) archive(ctx context.Context, kind string, before time.Time, collect func() ([]byte, int64, error)) (int64, error) {
	path := archivePath(kind, before)
	exists, err := a.blob.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if exists {
		a.logger.DebugContext(ctx, "archive already uploaded", slog.String("path", path))
		return 0, nil
	}

	buf, count, err := collect()
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
	}
	if count == 0 {
		return 0, nil
	}

	if int64(len(buf)) > a.partSize {
		err = a.blob.PutMultipart(ctx, path, bytes.NewReader(buf), a.partSize)
	} else {
		err = a.blob.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	a.metrics.ArchivedRecords.WithLabelValues(kind).Add(float64(count))
	a.logger.InfoContext(ctx, "archive uploaded",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int("bytes", len(buf)),
	)

	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// archivePath partitions archives by the cutoff month, e.g.
// archive/fills/2025-01.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
