// Package timing keeps a ledger of ingestion runs in PostgreSQL and uses it
// to predict how long a new ingestion will take.
package timing

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS ingestion_runs (
	id            BIGSERIAL PRIMARY KEY,
	source_id     TEXT        NOT NULL DEFAULT '',
	source_file   TEXT        NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT      NOT NULL,
	chunks        INTEGER     NOT NULL,
	entities      INTEGER     NOT NULL,
	relationships INTEGER     NOT NULL,
	queries       INTEGER     NOT NULL,
	errors        INTEGER     NOT NULL,
	status        TEXT        NOT NULL
)`

const insertRunSQL = `INSERT INTO ingestion_runs
	(source_id, source_file, started_at, finished_at, duration_ms, chunks, entities, relationships, queries, errors, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// Only successful runs with chunks feed the average.
const averageSQL = `SELECT COALESCE(SUM(duration_ms)::float8 / NULLIF(SUM(chunks), 0), 0)
	FROM ingestion_runs
	WHERE status = 'succeeded' AND chunks > 0`

const summarySQL = `SELECT COUNT(*), COALESCE(SUM(chunks), 0), COALESCE(SUM(errors), 0),
	COUNT(*) FILTER (WHERE status <> 'succeeded')
	FROM ingestion_runs`

// Ledger records ingestion runs. It satisfies graph.Ledger.
type Ledger struct {
	conn pgxIConn
}

// Summary aggregates the ledger.
type Summary struct {
	Runs       int64 `json:"runs"`
	Chunks     int64 `json:"chunks"`
	Errors     int64 `json:"errors"`
	FailedRuns int64 `json:"failed_runs"`
}

// New wraps an existing connection or pool. Call EnsureSchema before the
// first run is recorded.
func New(conn pgxIConn) *Ledger {
	return &Ledger{conn: conn}
}

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("timing: create table: %w", err)
	}
	return nil
}

func (l *Ledger) RecordRun(ctx context.Context, run common.IngestionRun) error {
	s := run.Stats
	_, err := l.conn.Exec(ctx, insertRunSQL,
		run.SourceID,
		run.SourceFile,
		run.StartedAt,
		run.FinishedAt,
		s.Duration.Milliseconds(),
		s.ChunksProcessed,
		s.EntitiesExtracted,
		s.RelationshipsExtracted,
		s.QueriesExecuted,
		s.Errors,
		string(run.Status),
	)
	if err != nil {
		return fmt.Errorf("timing: record run: %w", err)
	}
	return nil
}

// AverageMsPerChunk is the mean processing time of one chunk across
// successful runs, or 0 without history.
func (l *Ledger) AverageMsPerChunk(ctx context.Context) (float64, error) {
	var avg float64
	if err := l.conn.QueryRow(ctx, averageSQL).Scan(&avg); err != nil {
		return 0, fmt.Errorf("timing: average: %w", err)
	}
	return avg, nil
}

// PredictDuration estimates the duration of ingesting the given number of
// chunks from past runs.
func (l *Ledger) PredictDuration(ctx context.Context, chunks int) (time.Duration, error) {
	if chunks <= 0 {
		return 0, nil
	}
	avg, err := l.AverageMsPerChunk(ctx)
	if err != nil {
		return 0, err
	}
	return time.Duration(avg * float64(chunks) * float64(time.Millisecond)), nil
}

func (l *Ledger) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	if err := l.conn.QueryRow(ctx, summarySQL).Scan(&s.Runs, &s.Chunks, &s.Errors, &s.FailedRuns); err != nil {
		return Summary{}, fmt.Errorf("timing: summary: %w", err)
	}
	return s, nil
}
