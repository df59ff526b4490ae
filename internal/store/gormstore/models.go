package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// SnapshotRun represents the snapshot_runs table.
type SnapshotRun struct {
	RunID      string         `gorm:"type:uuid;primaryKey"`
	Source     string         `gorm:"not null"`
	StartedAt  time.Time      `gorm:"not null"`
	FinishedAt time.Time      `gorm:"not null"`
	Summary    datatypes.JSON `gorm:"not null"`
}

func (SnapshotRun) TableName() string { return "snapshot_runs" }

// AccountSnapshot mirrors the account_snapshots table. Amounts are stored in ten-thousandths.
type AccountSnapshot struct {
	RunID          string `gorm:"type:uuid;primaryKey"`
	ClientID       int32  `gorm:"primaryKey;autoIncrement:false"`
	AvailableUnits int64  `gorm:"not null"`
	HeldUnits      int64  `gorm:"not null"`
	TotalUnits     int64  `gorm:"not null"`
	Locked         bool   `gorm:"not null"`
}

func (AccountSnapshot) TableName() string { return "account_snapshots" }
