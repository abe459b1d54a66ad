package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base gives every row a UUIDv7 primary key and standard timestamps,
// matching the id/created-at/updated-at shape of every other table.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate assigns a UUIDv7 if the caller did not already set one.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SentSnapshot is one row of the Sent-Ledger: a single subvolume artifact
// that was uploaded, verified, and recorded. RemotePath is the durable key
// used both to detect an already-sent snapshot and to drive orphan/monthly/
// incremental retention sweeps.
type SentSnapshot struct {
	base
	RunID          uuid.UUID `gorm:"type:text;index;not null"`
	Subvolume      string    `gorm:"not null;index:idx_sent_subvol_snap"`
	SnapshotName   string    `gorm:"not null;index:idx_sent_subvol_snap"`
	BackupType     string    `gorm:"not null;index"` // "full" or "incremental"
	RemotePath     string    `gorm:"not null;uniqueIndex"`
	SizeBytes      int64     `gorm:"not null"`
	ParentSnapshot string    `gorm:"default:''"` // empty for full backups
	SentAt         time.Time `gorm:"not null;index"`
}

// BackupRun is one row of backup history: the outcome of a single
// orchestrator run, spanning all subvolumes it touched.
type BackupRun struct {
	base
	StartedAt    time.Time `gorm:"not null;index"`
	FinishedAt   *time.Time
	BackupType   string `gorm:"not null"` // "full" or "incremental"
	Status       string `gorm:"not null;index"` // "running","success","partial","failed","cancelled"
	TotalBytes   int64  `gorm:"not null;default:0"`
	ErrorMessage string `gorm:"type:text;default:''"`
}
