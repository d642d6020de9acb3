package loader

import (
	"context"
	"errors"
)

// ErrEmptySource is returned when a source holds no bytes.
var ErrEmptySource = errors.New("loader: empty source")

type GraphFileType string

const (
	GraphFileTypeText  GraphFileType = "text"
	GraphFileTypeCSV   GraphFileType = "csv"
	GraphFileTypeTSV   GraphFileType = "tsv"
	GraphFileTypeExcel GraphFileType = "excel"
	GraphFileTypeJSON  GraphFileType = "json"
	GraphFileTypeJSONL GraphFileType = "jsonl"
	GraphFileTypeYAML  GraphFileType = "yaml"
)

// GraphFile represents a source that can be ingested into the graph. It
// carries the path, the detected shape and the loader that fetches its bytes.
//
// The actual file content is retrieved via the associated GraphFileLoader.
type GraphFile struct {
	ID       string
	FilePath string
	FileType GraphFileType
	Loader   GraphFileLoader
}

// NewGraphFileParams defines the input parameters for creating a new
// GraphFile. An empty FileType is detected from the path.
type NewGraphFileParams struct {
	ID       string
	FilePath string
	FileType GraphFileType
	Loader   GraphFileLoader
}

// NewGraphFile creates a GraphFile, detecting its type from the extension
// unless one is given.
func NewGraphFile(params NewGraphFileParams) GraphFile {
	ft := params.FileType
	if ft == "" {
		ft = DetectFileType(params.FilePath)
	}
	return GraphFile{
		ID:       params.ID,
		FilePath: params.FilePath,
		FileType: ft,
		Loader:   params.Loader,
	}
}

// GetText retrieves the raw bytes of the file using its Loader.
func (f *GraphFile) GetText(ctx context.Context) ([]byte, error) {
	if f.Loader == nil {
		return nil, errors.New("loader: file has no loader")
	}
	b, err := f.Loader.GetFileText(ctx, *f)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, ErrEmptySource
	}
	return b, nil
}

// GraphFileLoader defines the interface for loading the contents of a GraphFile.
// Implementations may load files from disk, cloud storage, or other sources.
type GraphFileLoader interface {
	GetFileText(ctx context.Context, file GraphFile) ([]byte, error)
}

// CacheKey identifies a file in loader caches.
func CacheKey(file GraphFile) string {
	return file.ID + ":" + file.FilePath
}
