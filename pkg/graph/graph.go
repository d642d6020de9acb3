package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/loader"
)

// IngestText chunks text, extracts entities and relationships from every
// chunk and writes them to the graph.
//
// Extraction and statement failures are counted in the returned stats and
// do not stop the run. A non-nil error means the run stopped early because
// ctx was cancelled or memory pressure persisted; the stats then cover the
// batches finished until that point.
func (g *GraphClient) IngestText(ctx context.Context, text string, meta common.SourceMetadata) (common.IngestionStats, error) {
	return g.run(ctx, meta, func(fn func(common.TextChunk) error) error {
		return g.ingestor.WalkText(ctx, text, meta, fn)
	})
}

// IngestFile is IngestText for a loader file. CSV, TSV, Excel, JSON, JSON
// Lines and YAML files are chunked by rows and records.
func (g *GraphClient) IngestFile(ctx context.Context, file loader.GraphFile, meta common.SourceMetadata) (common.IngestionStats, error) {
	if meta.SourceFile == "" {
		meta.SourceFile = file.FilePath
	}
	if meta.SourceID == "" {
		meta.SourceID = file.ID
	}
	return g.run(ctx, meta, func(fn func(common.TextChunk) error) error {
		return g.ingestor.Walk(ctx, file, meta, fn)
	})
}

func (g *GraphClient) run(
	ctx context.Context,
	meta common.SourceMetadata,
	walk func(fn func(common.TextChunk) error) error,
) (common.IngestionStats, error) {
	started := time.Now()
	var stats common.IngestionStats

	g.log.Info("[Graph] Ingesting", "source", meta.SourceFile, "batch_size", g.batchSize)

	batch := make([]common.TextChunk, 0, g.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		s, err := g.processBatch(ctx, batch, meta)
		stats.Add(s)
		batch = batch[:0]
		return err
	}

	err := walk(func(c common.TextChunk) error {
		batch = append(batch, c)
		if len(batch) >= g.batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	g.guard.Reset()

	stats.Duration = time.Since(started)
	g.record(meta, started, stats, err)

	if err != nil {
		g.log.Warn("[Graph] Ingestion stopped early",
			"source", meta.SourceFile,
			"chunks", stats.ChunksProcessed,
			"err", err,
		)
		return stats, err
	}

	g.log.Info("[Graph] Ingestion completed",
		"source", meta.SourceFile,
		"chunks", stats.ChunksProcessed,
		"entities", stats.EntitiesExtracted,
		"relationships", stats.RelationshipsExtracted,
		"queries", stats.QueriesExecuted,
		"errors", stats.Errors,
		"duration", stats.Duration,
	)
	return stats, nil
}

// processBatch extracts the batch concurrently and then translates and
// writes the results in chunk order, entities before relationships.
func (g *GraphClient) processBatch(ctx context.Context, chunks []common.TextChunk, meta common.SourceMetadata) (common.IngestionStats, error) {
	var stats common.IngestionStats

	if err := g.guard.Check(ctx); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	errorsBefore := g.extractor.Stats().Errors
	results := g.extractor.ExtractBatch(ctx, texts, g.parallelAiRequests)
	stats.Errors += int(g.extractor.Stats().Errors - errorsBefore)

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	for i, c := range chunks {
		res := results[i]
		stats.ChunksProcessed++
		stats.EntitiesExtracted += len(res.Entities)
		stats.RelationshipsExtracted += len(res.Relationships)
		if res.Empty() {
			continue
		}

		statements := g.translator.TranslateChunk(res, chunkMetadata(meta, c), c.Text)
		if len(statements) == 0 {
			continue
		}

		exec, err := g.storage.Execute(ctx, statements)
		stats.QueriesExecuted += exec.Succeeded
		stats.Errors += exec.Failed
		stats.NodesCreated += exec.NodesCreated
		stats.RelationshipsCreated += exec.RelationshipsCreated
		stats.PropertiesSet += exec.PropertiesSet
		if err != nil {
			return stats, fmt.Errorf("graph: write chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return stats, nil
}

func chunkMetadata(meta common.SourceMetadata, c common.TextChunk) common.SourceMetadata {
	if c.PageNumber > 0 {
		meta.PageNumber = c.PageNumber
	}
	if meta.SourceID == "" {
		meta.SourceID = c.SourceID
	}
	return meta
}

func (g *GraphClient) record(meta common.SourceMetadata, started time.Time, stats common.IngestionStats, err error) {
	if g.ledger == nil {
		return
	}
	status := common.RunStatusSucceeded
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = common.RunStatusCanceled
	case err != nil:
		status = common.RunStatusFailed
	}
	run := common.IngestionRun{
		SourceID:   meta.SourceID,
		SourceFile: meta.SourceFile,
		StartedAt:  started,
		FinishedAt: started.Add(stats.Duration),
		Stats:      stats,
		Status:     status,
	}

	// The run context may already be cancelled; the ledger write gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.ledger.RecordRun(ctx, run); err != nil {
		g.log.Warn("[Graph] Failed to record ingestion run", "source", meta.SourceFile, "err", err)
	}
}
