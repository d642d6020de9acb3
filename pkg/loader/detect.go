package loader

import (
	"path/filepath"
	"strings"
)

// DetectFileType maps a file extension to a source shape. Unknown
// extensions are read as text.
func DetectFileType(path string) GraphFileType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return GraphFileTypeCSV
	case ".tsv", ".tab":
		return GraphFileTypeTSV
	case ".xlsx", ".xlsm":
		return GraphFileTypeExcel
	case ".json":
		return GraphFileTypeJSON
	case ".jsonl", ".ndjson":
		return GraphFileTypeJSONL
	case ".yaml", ".yml":
		return GraphFileTypeYAML
	default:
		return GraphFileTypeText
	}
}
