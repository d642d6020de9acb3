package graph

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/citation"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/cypher"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/extract"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/ingest"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/query"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/resolve"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store"
)

const (
	DefaultIngestBatchSize    = 5
	DefaultParallelAiRequests = 3
	MaxParallelAiRequests     = 5
)

var ErrMissingDependency = errors.New("graph: missing dependency")

// Ledger records finished ingestion runs.
type Ledger interface {
	RecordRun(ctx context.Context, run common.IngestionRun) error
}

// GraphClient is the entry point of the engine. It turns text into graph
// writes and questions into grounded evidence.
//
// A GraphClient should be created using NewGraphClient. It is safe for
// concurrent use.
type GraphClient struct {
	ingestor   *ingest.Ingestor
	extractor  *extract.Extractor
	translator *cypher.Translator
	retriever  *query.Retriever
	storage    store.GraphStorage
	guard      *util.MemoryGuard
	ledger     Ledger
	log        *logger.Logger

	batchSize          int
	parallelAiRequests int
}

// NewGraphClientParams defines the configuration parameters for creating
// a new GraphClient.
//
// AIClient and Storage are required. Ingest, Extract and Retrieve configure
// the components; their Client, Storage, Resolver and Logger fields are
// overwritten with the values given here. ParallelAiRequests is clamped to
// [1,5]. MemoryGuard and Ledger are optional.
type NewGraphClientParams struct {
	AIClient ai.GraphAIClient
	Storage  store.GraphStorage
	Resolver *resolve.Resolver
	Logger   *logger.Logger

	Ingest   ingest.Params
	Extract  extract.Params
	Retrieve query.Params

	IngestBatchSize    int
	ParallelAiRequests int
	MemoryGuard        *util.MemoryGuard
	Ledger             Ledger
}

// NewGraphClient creates and returns a new GraphClient configured with
// the provided parameters.
//
// Example:
//
//	client, err := graph.NewGraphClient(graph.NewGraphClientParams{
//		AIClient: aiClient,
//		Storage:  storage,
//		Logger:   logger.Default(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	stats, err := client.IngestText(ctx, text, common.SourceMetadata{SourceFile: "report.txt"})
func NewGraphClient(params NewGraphClientParams) (*GraphClient, error) {
	if params.AIClient == nil {
		return nil, errors.Join(ErrMissingDependency, errors.New("ai client is nil"))
	}
	if params.Storage == nil {
		return nil, errors.Join(ErrMissingDependency, errors.New("graph storage is nil"))
	}
	resolver := params.Resolver
	if resolver == nil {
		resolver = resolve.New()
	}

	batchSize := params.IngestBatchSize
	if batchSize <= 0 {
		batchSize = DefaultIngestBatchSize
	}
	parallel := params.ParallelAiRequests
	if parallel <= 0 {
		parallel = DefaultParallelAiRequests
	}
	parallel = min(max(parallel, 1), MaxParallelAiRequests)

	ingestParams := params.Ingest
	ingestParams.Logger = params.Logger

	extractParams := params.Extract
	extractParams.Client = params.AIClient
	extractParams.Logger = params.Logger

	retrieveParams := params.Retrieve
	retrieveParams.Storage = params.Storage
	retrieveParams.Resolver = resolver
	retrieveParams.Logger = params.Logger

	return &GraphClient{
		ingestor:  ingest.New(ingestParams),
		extractor: extract.New(extractParams),
		translator: cypher.NewTranslator(cypher.NewTranslatorParams{
			Resolver: resolver,
			Logger:   params.Logger,
		}),
		retriever:          query.New(retrieveParams),
		storage:            params.Storage,
		guard:              params.MemoryGuard,
		ledger:             params.Ledger,
		log:                params.Logger,
		batchSize:          batchSize,
		parallelAiRequests: parallel,
	}, nil
}

// Retrieve returns grounded evidence for question. topK <= 0 keeps the
// configured number of sources.
func (g *GraphClient) Retrieve(ctx context.Context, question string, topK int) (common.RetrievalResult, error) {
	return g.retriever.Retrieve(ctx, question, query.RetrieveParams{TopSources: topK})
}

// ValidateAnswer checks the citations of a generated answer against the
// sources it was grounded on.
func (g *GraphClient) ValidateAnswer(answer string, sources []common.EvidenceSource) citation.ValidationResult {
	return citation.Validate(answer, sources)
}

// GraphStats returns node and relationship counts of the backing graph.
func (g *GraphClient) GraphStats(ctx context.Context) (store.GraphStats, error) {
	return g.storage.Stats(ctx)
}

// ExtractorStats returns the extractor counters accumulated so far.
func (g *GraphClient) ExtractorStats() extract.Stats {
	return g.extractor.Stats()
}

// TranslatorStats returns the translator counters accumulated so far.
func (g *GraphClient) TranslatorStats() cypher.TranslatorStats {
	return g.translator.Stats()
}

// PurgeCache drops cached retrieval results.
func (g *GraphClient) PurgeCache() {
	g.retriever.Purge()
}

// Close releases the graph storage.
func (g *GraphClient) Close(ctx context.Context) error {
	return g.storage.Close(ctx)
}
