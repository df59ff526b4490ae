// Package pgstore exports finished runs to PostgreSQL through a pgx pool,
// bulk-loading account snapshots with COPY.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"iter"

	"github.com/MarkoPoloResearchLab/txengine/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/txengine/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintSnapshotRunPrimary = "snapshot_runs_pkey"
	pgUniqueViolationCode        = "23505"
	tableAccountSnapshots        = "account_snapshots"
	errorOperationStore          = "store"
	errorSubjectRun              = "run"
	errorSubjectSnapshot         = "snapshot"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCopy                = "copy"
	errorCodeDuplicate           = "duplicate"
	errorCodeEncode              = "encode"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeMigrate             = "migrate"

	sqlCreateTables = `
		create table if not exists snapshot_runs(
			run_id uuid primary key,
			source text not null,
			started_at timestamptz not null,
			finished_at timestamptz not null,
			summary jsonb not null
		);
		create table if not exists account_snapshots(
			run_id uuid not null references snapshot_runs(run_id),
			client_id integer not null,
			available_units bigint not null,
			held_units bigint not null,
			total_units bigint not null,
			locked boolean not null,
			primary key (run_id, client_id)
		)
	`

	sqlInsertRun = `
		insert into snapshot_runs(run_id, source, started_at, finished_at, summary)
		values ($1, $2, $3, $4, $5::jsonb)
	`
)

var snapshotColumns = []string{"run_id", "client_id", "available_units", "held_units", "total_units", "locked"}

// Exporter writes runs with pgx. It shares the table layout of gormstore.
type Exporter struct {
	pool *pgxpool.Pool
}

// New returns an Exporter backed by a pgx pool.
func New(pool *pgxpool.Pool) *Exporter {
	return &Exporter{pool: pool}
}

// Migrate creates the export tables when they are missing.
func (exporter *Exporter) Migrate(ctx context.Context) error {
	if _, err := exporter.pool.Exec(ctx, sqlCreateTables); err != nil {
		return wrapStoreError(errorSubjectRun, errorCodeMigrate, err)
	}
	return nil
}

// ExportRun inserts the run row and copies every snapshot in one transaction.
func (exporter *Exporter) ExportRun(ctx context.Context, run gormstore.Run, snapshots iter.Seq[ledger.AccountSnapshot]) error {
	if run.RunID == uuid.Nil {
		return wrapStoreError(errorSubjectRun, errorCodeInvalid, errors.New("run id is required"))
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return wrapStoreError(errorSubjectRun, errorCodeEncode, err)
	}

	tx, err := exporter.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, sqlInsertRun,
		run.RunID.String(),
		run.Source,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		string(summary),
	)
	if isRunConflict(err) {
		return wrapStoreError(errorSubjectRun, errorCodeDuplicate, gormstore.ErrDuplicateRun)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRun, errorCodeInsert, err)
	}

	rows := snapshotRows(run.RunID, snapshots)
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tableAccountSnapshots}, snapshotColumns, pgx.CopyFromRows(rows)); err != nil {
		return wrapStoreError(errorSubjectSnapshot, errorCodeCopy, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func snapshotRows(runID uuid.UUID, snapshots iter.Seq[ledger.AccountSnapshot]) [][]any {
	rows := make([][]any, 0)
	for snapshot := range snapshots {
		rows = append(rows, []any{
			runID,
			int32(snapshot.Client),
			snapshot.Available.Units(),
			snapshot.Held.Units(),
			snapshot.Total.Units(),
			snapshot.Locked,
		})
	}
	return rows
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isRunConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintSnapshotRunPrimary
}
