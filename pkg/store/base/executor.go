// Package base holds the backend-independent parts of graph storage: the
// batched statement executor shared by every backend.
package base

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/cypher"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store"
)

const (
	DefaultBatchSize  = 10
	DefaultBatchDelay = 100 * time.Millisecond
)

// Result is the outcome of one statement.
type Result struct {
	Counters store.Counters
	Err      error
}

// BatchRunner runs a batch of validated statements and returns one Result
// per statement, in order. A failing statement must not stop the batch.
type BatchRunner interface {
	RunBatch(ctx context.Context, statements []cypher.Statement) []Result
}

// ExecutorParams configures an Executor. Zero values take the defaults;
// a negative BatchDelay disables the delay.
type ExecutorParams struct {
	BatchSize   int
	BatchDelay  time.Duration
	MemoryGuard *util.MemoryGuard
	Logger      *logger.Logger
}

// Executor runs statements in fixed-size batches with a delay between
// batches and a memory check before each one.
type Executor struct {
	runner    BatchRunner
	batchSize int
	delay     time.Duration
	guard     *util.MemoryGuard
	log       *logger.Logger
}

func NewExecutor(runner BatchRunner, params ExecutorParams) *Executor {
	size := params.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	delay := params.BatchDelay
	if delay == 0 {
		delay = DefaultBatchDelay
	}
	if delay < 0 {
		delay = 0
	}
	return &Executor{
		runner:    runner,
		batchSize: size,
		delay:     delay,
		guard:     params.MemoryGuard,
		log:       params.Logger,
	}
}

// Execute validates and runs statements. Per-statement failures are
// recorded in the stats and do not stop execution. A non-nil error means
// execution stopped early because ctx was cancelled or memory pressure
// persisted; the stats cover everything run until then.
func (e *Executor) Execute(ctx context.Context, statements []cypher.Statement) (store.ExecutionStats, error) {
	start := time.Now()
	stats := store.ExecutionStats{Total: len(statements)}

	valid := make([]cypher.Statement, 0, len(statements))
	index := make([]int, 0, len(statements))
	for i, st := range statements {
		if err := store.ValidateStatement(st); err != nil {
			e.recordFailure(&stats, i, st, err)
			continue
		}
		valid = append(valid, st)
		index = append(index, i)
	}

	err := store.ChunkRange(len(valid), e.batchSize, func(from, to int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.guard.Check(ctx); err != nil {
			return err
		}

		results := e.runner.RunBatch(ctx, valid[from:to])
		for j, st := range valid[from:to] {
			var res Result
			if j < len(results) {
				res = results[j]
			} else {
				res.Err = errors.New("no result returned")
			}
			if res.Err != nil {
				e.recordFailure(&stats, index[from+j], st, res.Err)
				continue
			}
			stats.Succeeded++
			stats.AddCounters(res.Counters)
		}
		stats.Batches++

		if to < len(valid) && e.delay > 0 {
			return util.Sleep(ctx, e.delay)
		}
		return nil
	})
	stats.Duration = time.Since(start)
	if err != nil {
		e.log.Warn("[Store] Execution stopped early",
			"err", err,
			"succeeded", stats.Succeeded,
			"failed", stats.Failed,
			"remaining", stats.Total-stats.Succeeded-stats.Failed,
		)
		return stats, err
	}

	e.log.Debug("[Store] Executed statements",
		"total", stats.Total,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"batches", stats.Batches,
	)
	return stats, nil
}

func (e *Executor) recordFailure(stats *store.ExecutionStats, i int, st cypher.Statement, err error) {
	stats.Failed++
	summary := st.Summary()
	msg := util.TruncateForLog(err.Error(), 200)
	stats.Errors = append(stats.Errors, store.StatementError{
		Index:     i,
		Statement: summary,
		Err:       msg,
	})
	e.log.Error("[Store] Statement failed", "index", i, "statement", summary, "err", msg)
}
