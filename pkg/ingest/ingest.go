// Package ingest turns sources into size-bounded text chunks. Line-delimited
// text, tabular rows and structured records all end up in the same
// common.TextChunk shape so extraction does not care where text came from.
package ingest

import (
	"context"
	"errors"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/loader"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
)

var (
	// ErrUnsupportedFormat is returned for file types without a chunker.
	ErrUnsupportedFormat = errors.New("ingest: unsupported format")
	// ErrStop can be returned from a Walk callback to end the walk early
	// without an error.
	ErrStop = errors.New("ingest: stop")
)

const (
	DefaultMaxChars  = 500
	DefaultTableRows = 100
)

// Params configures an Ingestor.
type Params struct {
	MaxChars  int
	TableRows int
	Logger    *logger.Logger
}

// Ingestor splits sources into chunks of at most MaxChars runes.
type Ingestor struct {
	maxChars  int
	tableRows int
	log       *logger.Logger
	newID     func() (string, error)
}

func New(params Params) *Ingestor {
	maxChars := params.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	rows := params.TableRows
	if rows <= 0 {
		rows = DefaultTableRows
	}
	return &Ingestor{
		maxChars:  maxChars,
		tableRows: rows,
		log:       params.Logger,
		newID:     func() (string, error) { return gonanoid.New() },
	}
}

// MaxChars returns the chunk ceiling.
func (i *Ingestor) MaxChars() int {
	return i.maxChars
}

// Ingest collects every chunk of file.
func (i *Ingestor) Ingest(ctx context.Context, file loader.GraphFile, meta common.SourceMetadata) ([]common.TextChunk, error) {
	var chunks []common.TextChunk
	err := i.Walk(ctx, file, meta, func(c common.TextChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}

// IngestText chunks in-memory text with the line policy.
func (i *Ingestor) IngestText(ctx context.Context, text string, meta common.SourceMetadata) ([]common.TextChunk, error) {
	var chunks []common.TextChunk
	err := i.WalkText(ctx, text, meta, func(c common.TextChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}

// Walk loads file and calls fn for each chunk in source order. Each call
// starts from the beginning of the source.
func (i *Ingestor) Walk(ctx context.Context, file loader.GraphFile, meta common.SourceMetadata, fn func(common.TextChunk) error) error {
	raw, err := file.GetText(ctx)
	if err != nil {
		return fmt.Errorf("ingest: load %s: %w", file.FilePath, err)
	}
	if meta.SourceFile == "" {
		meta.SourceFile = file.FilePath
	}
	if meta.SourceID == "" {
		meta.SourceID = file.ID
	}
	if meta.SourceID == "" {
		meta.SourceID = file.FilePath
	}

	em := i.newEmitter(ctx, meta, fn)

	if file.FileType == loader.GraphFileTypeExcel {
		return em.finish(i.walkExcel(em, raw))
	}

	decoded, err := loader.DecodeText(raw, i.log)
	if err != nil {
		return fmt.Errorf("ingest: decode %s: %w", file.FilePath, err)
	}
	if decoded.Fallback {
		i.log.Warn("[Ingest] Decoded with fallback encoding", "file", file.FilePath, "confidence", decoded.Confidence)
	}

	switch file.FileType {
	case loader.GraphFileTypeText, "":
		err = i.walkText(em, decoded.Text, meta.PageNumber)
	case loader.GraphFileTypeCSV:
		err = i.walkDelimited(em, decoded.Text, ',')
	case loader.GraphFileTypeTSV:
		err = i.walkDelimited(em, decoded.Text, '\t')
	case loader.GraphFileTypeJSON:
		err = i.walkJSON(em, decoded.Text)
	case loader.GraphFileTypeJSONL:
		err = i.walkJSONLines(em, decoded.Text)
	case loader.GraphFileTypeYAML:
		err = i.walkYAML(em, decoded.Text)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, file.FileType)
	}
	return em.finish(err)
}

// WalkText is Walk for text already in memory.
func (i *Ingestor) WalkText(ctx context.Context, text string, meta common.SourceMetadata, fn func(common.TextChunk) error) error {
	em := i.newEmitter(ctx, meta, fn)
	return em.finish(i.walkText(em, text, meta.PageNumber))
}
