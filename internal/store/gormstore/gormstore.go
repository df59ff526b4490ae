package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"

	"github.com/MarkoPoloResearchLab/txengine/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	constraintSnapshotRunPrimary = "snapshot_runs_pkey"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	snapshotBatchSize            = 500
	errorOperationStore          = "store"
	errorSubjectRun              = "run"
	errorSubjectSnapshot         = "snapshot"
	errorCodeDuplicate           = "duplicate"
	errorCodeEncode              = "encode"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeMigrate             = "migrate"
)

// ErrDuplicateRun is returned when a run id has already been exported.
var ErrDuplicateRun = errors.New("duplicate snapshot run")

// Run describes one processed input stream.
type Run struct {
	RunID      uuid.UUID
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    ledger.Summary
}

// Exporter writes finished runs through GORM. It never restores ledger state.
type Exporter struct {
	db *gorm.DB
}

// New returns an Exporter backed by gorm.DB.
func New(db *gorm.DB) *Exporter {
	return &Exporter{db: db}
}

// Migrate creates the export tables.
func (exporter *Exporter) Migrate(ctx context.Context) error {
	if err := exporter.db.WithContext(ctx).AutoMigrate(&SnapshotRun{}, &AccountSnapshot{}); err != nil {
		return wrapStoreError(errorSubjectRun, errorCodeMigrate, err)
	}
	return nil
}

// ExportRun stores the run row and every snapshot in one transaction.
func (exporter *Exporter) ExportRun(ctx context.Context, run Run, snapshots iter.Seq[ledger.AccountSnapshot]) error {
	if run.RunID == uuid.Nil {
		return wrapStoreError(errorSubjectRun, errorCodeInvalid, errors.New("run id is required"))
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return wrapStoreError(errorSubjectRun, errorCodeEncode, err)
	}
	return exporter.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		runRow := SnapshotRun{
			RunID:      run.RunID.String(),
			Source:     run.Source,
			StartedAt:  run.StartedAt.UTC(),
			FinishedAt: run.FinishedAt.UTC(),
			Summary:    datatypes.JSON(summary),
		}
		err := transaction.Create(&runRow).Error
		if isRunConflict(err) {
			return wrapStoreError(errorSubjectRun, errorCodeDuplicate, ErrDuplicateRun)
		}
		if err != nil {
			return wrapStoreError(errorSubjectRun, errorCodeInsert, err)
		}
		batch := make([]AccountSnapshot, 0, snapshotBatchSize)
		for snapshot := range snapshots {
			batch = append(batch, toRow(runRow.RunID, snapshot))
			if len(batch) == snapshotBatchSize {
				if err := transaction.Create(&batch).Error; err != nil {
					return wrapStoreError(errorSubjectSnapshot, errorCodeInsert, err)
				}
				batch = batch[:0]
			}
		}
		if len(batch) == 0 {
			return nil
		}
		if err := transaction.Create(&batch).Error; err != nil {
			return wrapStoreError(errorSubjectSnapshot, errorCodeInsert, err)
		}
		return nil
	})
}

// ListRunSnapshots returns the exported snapshots of a run ordered by client id.
func (exporter *Exporter) ListRunSnapshots(ctx context.Context, runID uuid.UUID) ([]ledger.AccountSnapshot, error) {
	var rows []AccountSnapshot
	err := exporter.db.WithContext(ctx).
		Where("run_id = ?", runID.String()).
		Order("client_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSnapshot, errorCodeList, err)
	}
	snapshots := make([]ledger.AccountSnapshot, 0, len(rows))
	for _, row := range rows {
		snapshots = append(snapshots, fromRow(row))
	}
	return snapshots, nil
}

// LoadRunSummary returns the outcome counts stored with a run.
func (exporter *Exporter) LoadRunSummary(ctx context.Context, runID uuid.UUID) (ledger.Summary, error) {
	var row SnapshotRun
	if err := exporter.db.WithContext(ctx).First(&row, "run_id = ?", runID.String()).Error; err != nil {
		return ledger.Summary{}, wrapStoreError(errorSubjectRun, errorCodeList, err)
	}
	var summary ledger.Summary
	if err := json.Unmarshal(row.Summary, &summary); err != nil {
		return ledger.Summary{}, wrapStoreError(errorSubjectRun, errorCodeEncode, err)
	}
	return summary, nil
}

func toRow(runID string, snapshot ledger.AccountSnapshot) AccountSnapshot {
	return AccountSnapshot{
		RunID:          runID,
		ClientID:       int32(snapshot.Client),
		AvailableUnits: snapshot.Available.Units(),
		HeldUnits:      snapshot.Held.Units(),
		TotalUnits:     snapshot.Total.Units(),
		Locked:         snapshot.Locked,
	}
}

func fromRow(row AccountSnapshot) ledger.AccountSnapshot {
	return ledger.AccountSnapshot{
		Client:    ledger.ClientID(row.ClientID),
		Available: ledger.NewAmount(row.AvailableUnits),
		Held:      ledger.NewAmount(row.HeldUnits),
		Total:     ledger.NewAmount(row.TotalUnits),
		Locked:    row.Locked,
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isRunConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintSnapshotRunPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
