package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/timing"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/citation"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/query"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	headColor = color.New(color.Bold)
	dimColor  = color.New(color.Faint)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printIngest(w io.Writer, source string, stats common.IngestionStats, err error) {
	switch {
	case err != nil:
		errColor.Fprintf(w, "✗ %s: %v\n", source, err)
	case stats.Errors > 0:
		warnColor.Fprintf(w, "! %s\n", source)
	default:
		okColor.Fprintf(w, "✓ %s\n", source)
	}
	fmt.Fprintf(w, "  chunks %d  entities %d  relationships %d  queries %d  errors %d  took %s\n",
		stats.ChunksProcessed, stats.EntitiesExtracted, stats.RelationshipsExtracted,
		stats.QueriesExecuted, stats.Errors, stats.Duration.Round(time.Millisecond))
	if stats.NodesCreated > 0 || stats.RelationshipsCreated > 0 {
		dimColor.Fprintf(w, "  created %d nodes, %d relationships, set %d properties\n",
			stats.NodesCreated, stats.RelationshipsCreated, stats.PropertiesSet)
	}
}

func printRetrieval(w io.Writer, res common.RetrievalResult) {
	if len(res.Sources) == 0 {
		warnColor.Fprintln(w, "No evidence found.")
		return
	}
	headColor.Fprintln(w, "Context")
	fmt.Fprintln(w, res.Context)
	fmt.Fprintln(w)

	title := "Sources"
	if res.Cached {
		title += " (cached)"
	}
	headColor.Fprintln(w, title)
	for _, s := range res.Sources {
		loc := s.File
		if s.PageNumber > 0 {
			loc = fmt.Sprintf("%s p.%d", loc, s.PageNumber)
		}
		fmt.Fprintf(w, "  [%d] %s  %s", s.ID, loc, dimColor.Sprint(s.Type))
		if s.Confidence > 0 {
			fmt.Fprintf(w, "  %.2f", s.Confidence)
		}
		fmt.Fprintln(w)
	}
}

func printTrace(w io.Writer, snap query.QueryTraceSnapshot) {
	headColor.Fprintln(w, "Trace")
	fmt.Fprintf(w, "  terms %s\n", strings.Join(snap.Terms, ", "))
	fmt.Fprintf(w, "  seeds %d  nodes %d  edges %d  sources %d  cache hits %d\n",
		len(snap.SeedIDs), len(snap.NodeIDs), len(snap.EdgeIDs), len(snap.SourceIDs), snap.CacheHits)
}

func reliabilityColor(r citation.Reliability) *color.Color {
	switch r {
	case citation.ReliabilityHigh:
		return okColor
	case citation.ReliabilityMedium:
		return warnColor
	default:
		return errColor
	}
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("[%d]", id)
	}
	return strings.Join(parts, " ")
}

func printValidation(w io.Writer, v citation.ValidationResult, evidence []citation.Evidence) {
	reliabilityColor(v.Reliability).Fprintf(w, "Reliability: %s (%.2f)\n", v.Reliability, v.ConfidenceScore)
	fmt.Fprintf(w, "Citations: %d valid of %d\n", v.ValidCitations, v.TotalCitations)
	if len(v.CitedSourceIDs) > 0 {
		fmt.Fprintf(w, "Cited: %s\n", joinInts(v.CitedSourceIDs))
	}
	if len(v.MissingCitations) > 0 {
		errColor.Fprintf(w, "Missing: %s\n", joinInts(v.MissingCitations))
	}
	if len(v.UnsupportedClaims) > 0 {
		warnColor.Fprintln(w, "Unsupported claims:")
		for _, c := range v.UnsupportedClaims {
			fmt.Fprintf(w, "  - %s\n", c)
		}
	}
	if len(evidence) > 0 {
		headColor.Fprintln(w, "Evidence")
		for _, e := range evidence {
			fmt.Fprintf(w, "  %d. %s %s\n", e.ClaimID, e.Claim, dimColor.Sprint(joinInts(e.SourceIDs)))
		}
	}
}

func printStats(w io.Writer, gs store.GraphStats, summary *timing.Summary, msPerChunk float64) {
	headColor.Fprintln(w, "Graph")
	fmt.Fprintf(w, "  nodes %d  relationships %d\n", gs.Nodes, gs.Relationships)
	labels := make([]string, 0, len(gs.NodesByType))
	for l := range gs.NodesByType {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		fmt.Fprintf(w, "  %-20s %d\n", l, gs.NodesByType[l])
	}
	if summary == nil {
		return
	}
	headColor.Fprintln(w, "Runs")
	fmt.Fprintf(w, "  runs %d  chunks %d  errors %d\n", summary.Runs, summary.Chunks, summary.Errors)
	if summary.FailedRuns > 0 {
		errColor.Fprintf(w, "  failed %d\n", summary.FailedRuns)
	}
	if msPerChunk > 0 {
		fmt.Fprintf(w, "  %.0f ms per chunk\n", msPerChunk)
	}
}
