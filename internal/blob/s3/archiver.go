package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/metrics"
)

// ArchivePositionStore is the slice of domain.PositionStore the archiver needs.
type ArchivePositionStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error)
	Delete(ctx context.Context, id string) error
}

// ArchiveHistoryStore is the slice of domain.HistoryStore the archiver needs.
type ArchiveHistoryStore interface {
	ListByPosition(ctx context.Context, positionID string) ([]domain.HistoryEntry, error)
}

// ArchiveRecord is one JSONL line: a terminal position with its full trail.
type ArchiveRecord struct {
	Position   domain.Position       `json:"position"`
	History    []domain.HistoryEntry `json:"history"`
	ArchivedAt time.Time             `json:"archived_at"`
}

// ArchiverConfig tunes batch sizes.
type ArchiverConfig struct {
	// BatchSize is the number of positions written per object.
	BatchSize int
	// MaxBatches bounds one run; zero means until nothing is left.
	MaxBatches int
	// MultipartThreshold switches uploads to the multipart manager once a
	// batch payload reaches this many bytes.
	MultipartThreshold int64
}

// Archiver implements domain.Archiver. Each batch of terminal positions is
// serialized with its history to JSONL, uploaded, confirmed with a HEAD, and
// only then deleted from the primary store (history cascades).
type Archiver struct {
	positions ArchivePositionStore
	history   ArchiveHistoryStore
	writer    domain.BlobWriter
	checker   domain.BlobChecker
	cfg       ArchiverConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(
	positions ArchivePositionStore,
	history ArchiveHistoryStore,
	writer domain.BlobWriter,
	checker domain.BlobChecker,
	cfg ArchiverConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = minPartSize
	}
	return &Archiver{
		positions: positions,
		history:   history,
		writer:    writer,
		checker:   checker,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// ArchivePositions moves every position closed before the cutoff to object
// storage and returns how many were archived. On failure the count covers the
// batches that completed; an unconfirmed batch is never deleted.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	runAt := a.now().UTC()
	var total int64

	for batch := 0; a.cfg.MaxBatches == 0 || batch < a.cfg.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		positions, err := a.positions.ListTerminalBefore(ctx, before, a.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(positions) == 0 {
			break
		}

		n, err := a.archiveBatch(ctx, positions, archivePath(before, runAt, batch), runAt)
		total += n
		a.metrics.RecordArchived(int(n))
		if err != nil {
			return total, err
		}
		if len(positions) < a.cfg.BatchSize {
			break
		}
	}

	if total > 0 {
		a.logger.Info("archiver: positions archived",
			slog.Int64("count", total),
			slog.Time("before", before),
		)
	}
	return total, nil
}

func (a *Archiver) archiveBatch(ctx context.Context, positions []domain.Position, path string, runAt time.Time) (int64, error) {
	records := make([]ArchiveRecord, 0, len(positions))
	for _, p := range positions {
		entries, err := a.history.ListByPosition(ctx, p.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive history %s: %w", p.ID, err)
		}
		records = append(records, ArchiveRecord{Position: p, History: entries, ArchivedAt: runAt})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	if int64(len(buf)) >= a.cfg.MultipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeNDJSON)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	ok, err := a.checker.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive confirm: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive confirm %s: object missing after upload", path)
	}

	var deleted int64
	for _, p := range positions {
		if err := a.positions.Delete(ctx, p.ID); err != nil {
			return deleted, fmt.Errorf("s3blob: archive delete %s: %w", p.ID, err)
		}
		deleted++
	}

	a.logger.Debug("archiver: batch written",
		slog.String("path", path),
		slog.Int("positions", len(positions)),
		slog.Int("bytes", len(buf)),
	)
	return deleted, nil
}

// archivePath builds the object key of one batch, partitioned by cutoff date:
//
//	archive/positions/2026-09-30/20261014T020000Z-0000.jsonl
func archivePath(before, runAt time.Time, batch int) string {
	return fmt.Sprintf("archive/positions/%s/%s-%04d.jsonl",
		before.UTC().Format("2006-01-02"), runAt.Format("20060102T150405Z"), batch)
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

var _ domain.Archiver = (*Archiver)(nil)
