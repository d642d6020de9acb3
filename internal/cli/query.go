package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/timing"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/citation"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store"
)

func newQueryCmd(app *App) *cobra.Command {
	var (
		asJSON bool
		prompt bool
		trace  bool
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Retrieve cited evidence for a question",
		Long: `Query finds graph nodes named in the question, expands their
neighbourhood and prints the numbered evidence an answer may cite.

Example:
  kgctl query "Who competes with Acme Corp?" --depth 2 --top 5
  kgctl query "Who competes with Acme Corp?" --prompt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			ctx := cmd.Context()
			eng, cfg, release, err := app.engine(ctx)
			if err != nil {
				return err
			}
			defer release()

			res, err := eng.Client.Retrieve(ctx, question, cfg.Retrieve.TopSources)
			if err != nil {
				return err
			}
			switch {
			case asJSON:
				return writeJSON(app.Out, res)
			case prompt:
				if len(res.Sources) == 0 {
					fmt.Fprintln(app.Out, citation.NoEvidenceReply)
					return nil
				}
				fmt.Fprintln(app.Out, citation.GroundingPrompt(question, res.Sources))
			default:
				printRetrieval(app.Out, res)
			}
			if trace && eng.Trace != nil {
				printTrace(app.Err, eng.Trace.Snapshot())
			}
			return nil
		},
	}
	cmd.Flags().Int("depth", 0, "expansion depth (1-3)")
	cmd.Flags().Int("top", 0, "number of sources to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&prompt, "prompt", false, "print the grounded answer prompt instead of the evidence")
	cmd.Flags().BoolVar(&trace, "trace", false, "print the terms, seeds and edges the retrieval visited to stderr")
	_ = app.v.BindPFlag("retrieve.depth", cmd.Flags().Lookup("depth"))
	_ = app.v.BindPFlag("retrieve.top_sources", cmd.Flags().Lookup("top"))
	return cmd
}

// readSources accepts either a JSON array of sources or a retrieval result
// object as printed by "query --json".
func readSources(r io.Reader) ([]common.EvidenceSource, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var sources []common.EvidenceSource
		if err := json.Unmarshal(raw, &sources); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
		return sources, nil
	}
	var res common.RetrievalResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	return res.Sources, nil
}

func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(path)
}

func newValidateCmd(app *App) *cobra.Command {
	var (
		answerPath  string
		sourcesPath string
		asJSON      bool
		strip       bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Score an answer's citations against its evidence",
		Long: `Validate checks every [n] marker of an answer against the sources it
was written from and reports a confidence score, missing citations and
uncited claims. Use "-" to read the answer from stdin.

Example:
  kgctl query "Who competes with Acme?" --json > evidence.json
  kgctl validate --answer answer.md --sources evidence.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if answerPath == "" || sourcesPath == "" {
				return errors.New("--answer and --sources are required")
			}
			if answerPath == "-" && sourcesPath == "-" {
				return errors.New("only one of --answer and --sources can read stdin")
			}

			af, err := openInput(answerPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			answer, err := io.ReadAll(af)
			af.Close()
			if err != nil {
				return err
			}

			sf, err := openInput(sourcesPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			sources, err := readSources(sf)
			sf.Close()
			if err != nil {
				return err
			}

			text := string(answer)
			if strip {
				fmt.Fprintln(app.Out, citation.StripUnsupported(text, sources))
				return nil
			}
			result := citation.Validate(text, sources)
			evidence := citation.BuildEvidence(citation.StripSourcesSection(text))
			if asJSON {
				return writeJSON(app.Out, struct {
					citation.ValidationResult
					Evidence []citation.Evidence `json:"evidence"`
				}{result, evidence})
			}
			printValidation(app.Out, result, evidence)
			return nil
		},
	}
	cmd.Flags().StringVar(&answerPath, "answer", "", "answer file, or - for stdin")
	cmd.Flags().StringVar(&sourcesPath, "sources", "", "sources JSON file, or - for stdin")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&strip, "strip", false, "print the answer with unresolvable citations removed")
	return cmd
}

func newStatsCmd(app *App) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show graph size and ingestion history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, _, release, err := app.engine(ctx)
			if err != nil {
				return err
			}
			defer release()

			gs, err := eng.Client.GraphStats(ctx)
			if err != nil {
				return err
			}
			var (
				summary    *timing.Summary
				msPerChunk float64
			)
			if eng.Ledger != nil {
				s, err := eng.Ledger.Summary(ctx)
				if err != nil {
					return err
				}
				summary = &s
				if msPerChunk, err = eng.Ledger.AverageMsPerChunk(ctx); err != nil {
					return err
				}
			}

			if asJSON {
				return writeJSON(app.Out, struct {
					Graph      store.GraphStats `json:"graph"`
					Runs       *timing.Summary  `json:"runs,omitempty"`
					MsPerChunk float64          `json:"ms_per_chunk,omitempty"`
				}{gs, summary, msPerChunk})
			}
			printStats(app.Out, gs, summary, msPerChunk)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stats as JSON")
	return cmd
}
