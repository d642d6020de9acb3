package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/config"
	"github.com/OFFIS-RIT/kiwi/grounding/internal/queue"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/loader"
	ioloader "github.com/OFFIS-RIT/kiwi/grounding/pkg/loader/io"
)

type sourceFlags struct {
	sourceID string
	page     int
	meta     map[string]string
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sourceID, "source-id", "", "source id (single path only, default: the path)")
	cmd.Flags().IntVar(&f.page, "page", 0, "page number attached to every chunk")
	cmd.Flags().StringToStringVar(&f.meta, "meta", nil, "extra metadata as key=value pairs")
}

func (f *sourceFlags) check(paths []string) error {
	if f.sourceID != "" && len(paths) > 1 {
		return errors.New("--source-id needs exactly one path")
	}
	if f.page < 0 {
		return errors.New("--page must not be negative")
	}
	return nil
}

func (f *sourceFlags) metadata(path string) common.SourceMetadata {
	id := f.sourceID
	if id == "" {
		id = path
	}
	return common.SourceMetadata{
		SourceFile: path,
		SourceID:   id,
		PageNumber: f.page,
		Extra:      f.meta,
	}
}

// expandLocal turns directories into the regular files below them,
// skipping hidden entries.
func expandLocal(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != p && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func newIngestCmd(app *App) *cobra.Command {
	var (
		src    sourceFlags
		fromS3 bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Ingest documents into the knowledge graph",
		Long: `Ingest chunks every document, extracts entities and relationships and
writes them to the graph. Directories are walked recursively. With --s3
every argument is an object key or key prefix in the configured bucket.

Example:
  kgctl ingest report.txt filings/
  kgctl ingest --s3 uploads/2024/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := src.check(args); err != nil {
				return err
			}
			ctx := cmd.Context()
			eng, cfg, release, err := app.engine(ctx)
			if err != nil {
				return err
			}
			defer release()

			files, err := app.resolveFiles(ctx, cfg, args, fromS3)
			if err != nil {
				return err
			}

			var total common.IngestionStats
			results := make([]ingestResult, 0, len(files))
			failed := 0
			for _, file := range files {
				stats, err := eng.Client.IngestFile(ctx, file, src.metadata(file.FilePath))
				total.Add(stats)
				res := ingestResult{Source: file.FilePath, Stats: stats}
				if err != nil {
					failed++
					res.Error = err.Error()
				}
				results = append(results, res)
				if !asJSON {
					printIngest(app.Out, file.FilePath, stats, err)
				}
				if ctx.Err() != nil {
					break
				}
			}

			if asJSON {
				if err := writeJSON(app.Out, results); err != nil {
					return err
				}
			} else if len(files) > 1 {
				headColor.Fprintf(app.Out, "\n%d sources, %d chunks, %d entities, %d relationships, %d errors\n",
					len(results), total.ChunksProcessed, total.EntitiesExtracted, total.RelationshipsExtracted, total.Errors)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sources failed", failed, len(files))
			}
			return nil
		},
	}
	src.register(cmd)
	cmd.Flags().BoolVar(&fromS3, "s3", false, "read arguments as object keys or prefixes in the S3 bucket")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

type ingestResult struct {
	Source string                `json:"source"`
	Stats  common.IngestionStats `json:"stats"`
	Error  string                `json:"error,omitempty"`
}

func (a *App) resolveFiles(ctx context.Context, cfg config.Config, args []string, fromS3 bool) ([]loader.GraphFile, error) {
	if !fromS3 {
		paths, err := expandLocal(args)
		if err != nil {
			return nil, err
		}
		l := ioloader.NewIOGraphFileLoader()
		files := make([]loader.GraphFile, len(paths))
		for i, p := range paths {
			files[i] = loader.NewGraphFile(loader.NewGraphFileParams{ID: p, FilePath: p, Loader: l})
		}
		return files, nil
	}

	bucket, err := a.OpenBucket(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}
	l := bucket.Loader()
	var files []loader.GraphFile
	for _, arg := range args {
		keys, err := bucket.ListFilesWithPrefix(ctx, arg)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			keys = []string{arg}
		}
		for _, k := range keys {
			files = append(files, loader.NewGraphFile(loader.NewGraphFileParams{ID: k, FilePath: k, Loader: l}))
		}
	}
	return files, nil
}

func dialQueue(cfg config.Config) (queue.Publisher, func() error, error) {
	conn, err := queue.Connect(cfg.RabbitMQ)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := queue.SetupQueues(ch, queue.IngestQueue); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, func() error {
		_ = ch.Close()
		return conn.Close()
	}, nil
}

func newEnqueueCmd(app *App) *cobra.Command {
	var (
		src      sourceFlags
		doUpload bool
		prefix   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <path>...",
		Short: "Queue documents for the ingestion worker",
		Long: `Enqueue publishes one ingest message per document to the worker queue.
Local paths are sent as absolute paths, so the worker must share the
filesystem. With --upload each file is first copied to the S3 bucket and
the worker reads it from there.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := src.check(args); err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg, err := app.config()
			if err != nil {
				return err
			}
			paths, err := expandLocal(args)
			if err != nil {
				return err
			}

			pub, closeFn, err := app.Dial(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			var upload func(path string) (string, error)
			if doUpload {
				bucket, err := app.OpenBucket(ctx, cfg.S3)
				if err != nil {
					return err
				}
				upload = func(path string) (string, error) {
					f, err := os.Open(path)
					if err != nil {
						return "", err
					}
					defer f.Close()
					return bucket.PutFile(ctx, prefix, path, f)
				}
			}

			for _, p := range paths {
				msg := queue.IngestMessage{
					SourcePath: p,
					SourceID:   src.sourceID,
					Storage:    queue.StorageLocal,
					PageNumber: src.page,
					Metadata:   src.meta,
				}
				if upload != nil {
					key, err := upload(p)
					if err != nil {
						return err
					}
					msg.SourcePath, msg.Storage = key, queue.StorageS3
				} else if abs, err := filepath.Abs(p); err == nil {
					msg.SourcePath = abs
				}
				body, err := msg.Encode()
				if err != nil {
					return err
				}
				if err := queue.PublishFIFO(ctx, pub, queue.IngestQueue, body, nil); err != nil {
					return fmt.Errorf("publish %s: %w", p, err)
				}
				okColor.Fprintf(app.Out, "✓ queued %s (%s)\n", msg.SourcePath, msg.Storage)
			}
			return nil
		},
	}
	src.register(cmd)
	cmd.Flags().BoolVar(&doUpload, "upload", false, "upload files to the S3 bucket before queueing")
	cmd.Flags().StringVar(&prefix, "prefix", "uploads", "object key prefix for --upload")
	return cmd
}
