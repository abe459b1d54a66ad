// Package ledger wraps the Sent-Ledger and backup-history tables behind a
// narrow interface, so the orchestrator, snapshot manager, and retention
// sweep depend on behavior rather than on GORM directly.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/btrfsvault/btrfsvault/internal/db"
)

// Entry is one sent-and-verified subvolume artifact.
type Entry struct {
	RunID          uuid.UUID
	Subvolume      string
	SnapshotName   string
	BackupType     string // "full" or "incremental"
	RemotePath     string
	SizeBytes      int64
	ParentSnapshot string
	SentAt         time.Time
}

// Run is one backup-history row covering an entire orchestrator run.
type Run struct {
	ID           uuid.UUID
	StartedAt    time.Time
	FinishedAt   *time.Time
	BackupType   string
	Status       string
	TotalBytes   int64
	ErrorMessage string
}

// Ledger is the durable store the orchestrator and retention sweep read
// and write. Every method takes a context so callers can bound it with the
// run's own deadline.
type Ledger interface {
	// WasSent reports whether remotePath already has a ledger row —
	// the idempotency check before any upload begins.
	WasSent(ctx context.Context, remotePath string) (bool, error)

	// Record inserts a new sent-snapshot row. Called only after the
	// artifact has been verified on the remote side.
	Record(ctx context.Context, e Entry) error

	// FindNewestSent returns the most recently sent snapshot name for a
	// subvolume among the candidate names, scanning in the order given.
	// Candidates are supplied lexicographically newest-first by the
	// caller; the first one found sent is returned.
	FindNewestSent(ctx context.Context, subvolume string, candidates []string) (string, bool, error)

	// ListRemotePaths returns every remote_path ever recorded, for the
	// orphan-purge phase's compare-against-remote-listing step.
	ListRemotePaths(ctx context.Context) (map[string]struct{}, error)

	// DeleteByRemotePrefix deletes every row whose remote_path starts
	// with prefix, returning the count removed. Used by monthly purge
	// and, with each deleted file's full path, by incremental purge.
	DeleteByRemotePrefix(ctx context.Context, prefix string) (int64, error)

	// DeleteIncrementalSentBefore deletes incremental rows of every month
	// sent before cutoff, returning the count removed.
	DeleteIncrementalSentBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// StartRun inserts a new running backup-history row and returns its ID.
	StartRun(ctx context.Context, startedAt time.Time, backupType string) (uuid.UUID, error)

	// FinishRun updates a backup-history row with its terminal status.
	FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status string, totalBytes int64, errMsg string) error

	// ListRuns returns backup-history rows ordered by start time descending.
	ListRuns(ctx context.Context, limit, offset int) ([]Run, int64, error)

	// GetRun returns one backup-history row by ID.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
}

type gormLedger struct {
	db *gorm.DB
}

// New returns a Ledger backed by the given *gorm.DB.
func New(database *gorm.DB) Ledger {
	return &gormLedger{db: database}
}

func (l *gormLedger) WasSent(ctx context.Context, remotePath string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&db.SentSnapshot{}).
		Where("remote_path = ?", remotePath).Count(&count).Error
	return count > 0, err
}

func (l *gormLedger) Record(ctx context.Context, e Entry) error {
	row := db.SentSnapshot{
		RunID:          e.RunID,
		Subvolume:      e.Subvolume,
		SnapshotName:   e.SnapshotName,
		BackupType:     e.BackupType,
		RemotePath:     e.RemotePath,
		SizeBytes:      e.SizeBytes,
		ParentSnapshot: e.ParentSnapshot,
		SentAt:         e.SentAt,
	}
	return l.db.WithContext(ctx).Create(&row).Error
}

func (l *gormLedger) FindNewestSent(ctx context.Context, subvolume string, candidates []string) (string, bool, error) {
	for _, name := range candidates {
		var count int64
		err := l.db.WithContext(ctx).Model(&db.SentSnapshot{}).
			Where("subvolume = ? AND snapshot_name = ?", subvolume, name).
			Count(&count).Error
		if err != nil {
			return "", false, err
		}
		if count > 0 {
			return name, true, nil
		}
	}
	return "", false, nil
}

func (l *gormLedger) ListRemotePaths(ctx context.Context) (map[string]struct{}, error) {
	var paths []string
	if err := l.db.WithContext(ctx).Model(&db.SentSnapshot{}).Pluck("remote_path", &paths).Error; err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set, nil
}

func (l *gormLedger) DeleteByRemotePrefix(ctx context.Context, prefix string) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("remote_path LIKE ?", prefix+"%").
		Delete(&db.SentSnapshot{})
	return result.RowsAffected, result.Error
}

func (l *gormLedger) DeleteIncrementalSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("backup_type = ? AND sent_at < ?", "incremental", cutoff).
		Delete(&db.SentSnapshot{})
	return result.RowsAffected, result.Error
}

func (l *gormLedger) StartRun(ctx context.Context, startedAt time.Time, backupType string) (uuid.UUID, error) {
	row := db.BackupRun{
		StartedAt:  startedAt,
		BackupType: backupType,
		Status:     "running",
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, err
	}
	return row.ID, nil
}

func (l *gormLedger) FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status string, totalBytes int64, errMsg string) error {
	return l.db.WithContext(ctx).Model(&db.BackupRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"finished_at":   finishedAt,
			"status":        status,
			"total_bytes":   totalBytes,
			"error_message": errMsg,
		}).Error
}

func (l *gormLedger) ListRuns(ctx context.Context, limit, offset int) ([]Run, int64, error) {
	var rows []db.BackupRun
	var total int64

	if err := l.db.WithContext(ctx).Model(&db.BackupRun{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := l.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	runs := make([]Run, len(rows))
	for i, r := range rows {
		runs[i] = toRun(r)
	}
	return runs, total, nil
}

func (l *gormLedger) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var row db.BackupRun
	if err := l.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	run := toRun(row)
	return &run, nil
}

func toRun(row db.BackupRun) Run {
	return Run{
		ID:           row.ID,
		StartedAt:    row.StartedAt,
		FinishedAt:   row.FinishedAt,
		BackupType:   row.BackupType,
		Status:       row.Status,
		TotalBytes:   row.TotalBytes,
		ErrorMessage: row.ErrorMessage,
	}
}
