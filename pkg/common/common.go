package common

import "time"

// ChunkFormat names the shape a chunk was cut from.
type ChunkFormat string

const (
	FormatText   ChunkFormat = "text"
	FormatTable  ChunkFormat = "table"
	FormatRecord ChunkFormat = "record"
)

// CharRange is a half-open rune offset range into the decoded (or, for
// tables and records, rendered) text of a source.
type CharRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// TextChunk represents a bounded piece of source text handed to the
// extractor. Chunks are the smallest unit of ingestion work and carry enough
// provenance to trace a fact back to its file and page.
//
// PageNumber is 0 when the page is unknown.
type TextChunk struct {
	ID         string      `json:"id"`
	Text       string      `json:"text"`
	SourceID   string      `json:"source_id"`
	Format     ChunkFormat `json:"format"`
	ChunkIndex int         `json:"chunk_index"`
	Range      CharRange   `json:"range"`
	PageNumber int         `json:"page_number,omitempty"`
}

// SourceMetadata describes where a piece of text came from. It is attached
// to every node and relationship written for that text.
type SourceMetadata struct {
	SourceFile       string            `json:"source_file"`
	PageNumber       int               `json:"page_number,omitempty"`
	SourceID         string            `json:"source_id,omitempty"`
	OriginalSentence string            `json:"original_sentence,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// ExtractedEntity is a named thing found by the extractor in a chunk.
type ExtractedEntity struct {
	Name       string         `json:"name" validate:"required"`
	Type       string         `json:"type" validate:"required"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ExtractedRelationship is a typed, directed link between two extracted
// entities, referenced by name.
type ExtractedRelationship struct {
	Source     string         `json:"source" validate:"required"`
	Target     string         `json:"target" validate:"required"`
	Type       string         `json:"type" validate:"required"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ExtractionResult holds everything extracted from one chunk. Both lists may
// be empty; an empty result is the normal outcome of a failed extraction.
type ExtractionResult struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Empty reports whether the result carries no records.
func (r ExtractionResult) Empty() bool {
	return len(r.Entities) == 0 && len(r.Relationships) == 0
}

// GraphNode is a node as read back from the graph database.
type GraphNode struct {
	ID             string         `json:"id"`
	Labels         []string       `json:"labels"`
	Name           string         `json:"name"`
	NormalizedName string         `json:"normalized_name"`
	Type           string         `json:"type"`
	Properties     map[string]any `json:"properties,omitempty"`
}

// StringProp returns a string property or "".
func (n GraphNode) StringProp(key string) string {
	return stringProp(n.Properties, key)
}

// IntProp returns an integer property or 0.
func (n GraphNode) IntProp(key string) int {
	return intProp(n.Properties, key)
}

// GraphEdge is a relationship as read back from the graph database.
type GraphEdge struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	StartID    string         `json:"start_id"`
	EndID      string         `json:"end_id"`
	Weight     float64        `json:"weight"`
	Properties map[string]any `json:"properties,omitempty"`
}

// StringProp returns a string property or "".
func (e GraphEdge) StringProp(key string) string {
	return stringProp(e.Properties, key)
}

// IntProp returns an integer property or 0.
func (e GraphEdge) IntProp(key string) int {
	return intProp(e.Properties, key)
}

// GraphPath is one hop of a neighborhood expansion: an edge with both of its
// endpoints and the distance of the edge from the nearest seed.
type GraphPath struct {
	Start GraphNode `json:"start"`
	Edge  GraphEdge `json:"edge"`
	End   GraphNode `json:"end"`
	Hops  int       `json:"hops"`
}

// EvidenceSource is a numbered piece of provenance handed to the answer
// generator. Answers cite sources by ID.
type EvidenceSource struct {
	ID               int     `json:"id"`
	File             string  `json:"file"`
	PageNumber       int     `json:"page_number,omitempty"`
	ChunkOrNodeID    string  `json:"chunk_or_node_id"`
	Excerpt          string  `json:"excerpt"`
	OriginalSentence string  `json:"original_sentence"`
	Type             string  `json:"type"`
	Confidence       float64 `json:"confidence,omitempty"`
}

// RetrievalResult is the grounded context for one question.
type RetrievalResult struct {
	Context string           `json:"context"`
	Sources []EvidenceSource `json:"sources"`
	Cached  bool             `json:"cached"`
}

// IngestionStats summarizes one ingestion run.
type IngestionStats struct {
	ChunksProcessed        int           `json:"chunks_processed"`
	EntitiesExtracted      int           `json:"entities_extracted"`
	RelationshipsExtracted int           `json:"relationships_extracted"`
	QueriesExecuted        int           `json:"queries_executed"`
	Errors                 int           `json:"errors"`
	NodesCreated           int           `json:"nodes_created"`
	RelationshipsCreated   int           `json:"relationships_created"`
	PropertiesSet          int           `json:"properties_set"`
	Duration               time.Duration `json:"duration"`
}

// Add merges o into s. Duration is not summed.
func (s *IngestionStats) Add(o IngestionStats) {
	s.ChunksProcessed += o.ChunksProcessed
	s.EntitiesExtracted += o.EntitiesExtracted
	s.RelationshipsExtracted += o.RelationshipsExtracted
	s.QueriesExecuted += o.QueriesExecuted
	s.Errors += o.Errors
	s.NodesCreated += o.NodesCreated
	s.RelationshipsCreated += o.RelationshipsCreated
	s.PropertiesSet += o.PropertiesSet
}

func stringProp(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func intProp(props map[string]any, key string) int {
	if props == nil {
		return 0
	}
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// RunStatus is the outcome of one ingestion run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// IngestionRun is one finished ingestion as kept by a run ledger.
type IngestionRun struct {
	SourceID   string         `json:"source_id"`
	SourceFile string         `json:"source_file"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Stats      IngestionStats `json:"stats"`
	Status     RunStatus      `json:"status"`
}
