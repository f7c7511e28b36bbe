package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	deplink "github.com/mineclover/dependency-linker"
)

// statsView is the payload of the stats command.
type statsView struct {
	Cache  deplink.CacheStats `json:"cache"`
	Nodes  int                `json:"nodes"`
	Edges  int                `json:"edges"`
	Cycles int                `json:"cycles"`
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputRecord(format string, rec *deplink.AnalysisRecord) error {
	if format == "json" {
		return outputJSON(rec)
	}
	formatRecordText(os.Stdout, rec)
	return nil
}

func outputBatch(format string, batch *deplink.BatchResult) error {
	if format == "json" {
		return outputJSON(batch)
	}
	for _, rec := range batch.Records {
		formatRecordText(os.Stdout, rec)
		fmt.Fprintln(os.Stdout)
	}
	return nil
}

func outputGraph(format string, snap *deplink.GraphSnapshot) error {
	if format == "json" {
		return outputJSON(snap)
	}
	w := io.Writer(os.Stdout)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FROM\tSPECIFIER\tTO\tKIND")
	for _, e := range snap.Edges {
		to := e.To
		if e.External {
			to = deplink.ExternalNode
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.From, e.Specifier, to, e.Kind)
	}
	tw.Flush()

	if len(snap.Cycles) > 0 {
		fmt.Fprintln(w, "\nCycles:")
		for _, cycle := range snap.Cycles {
			fmt.Fprintf(w, "  %s\n", strings.Join(cycle, " -> "))
		}
	}
	return nil
}

func outputStats(format string, stats statsView) error {
	if format == "json" {
		return outputJSON(stats)
	}
	w := io.Writer(os.Stdout)
	fmt.Fprintf(w, "Cache entries: %d\n", stats.Cache.EntryCount)
	fmt.Fprintf(w, "Cache hit rate: %.2f\n", stats.Cache.HitRate)
	fmt.Fprintf(w, "Cache memory: %d bytes\n", stats.Cache.ApproxMemoryBytes)
	fmt.Fprintf(w, "Cache evictions: %d\n", stats.Cache.Evictions)
	fmt.Fprintf(w, "Graph nodes: %d\n", stats.Nodes)
	fmt.Fprintf(w, "Graph edges: %d\n", stats.Edges)
	fmt.Fprintf(w, "Graph cycles: %d\n", stats.Cycles)
	return nil
}

// formatRecordText renders one analysis record as readable text.
func formatRecordText(w io.Writer, rec *deplink.AnalysisRecord) {
	fmt.Fprintf(w, "%s", rec.Path)
	if rec.Language != "" {
		fmt.Fprintf(w, " (%s)", rec.Language)
	}
	if rec.FromCache {
		fmt.Fprint(w, " [cached]")
	}
	fmt.Fprintln(w)

	if len(rec.Edges) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  SPECIFIER\tTO\tKIND")
		for _, e := range rec.Edges {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", e.Specifier, e.To, e.Kind)
		}
		tw.Flush()
	}

	for _, d := range rec.Diagnostics {
		plugin := ""
		if d.Plugin != "" {
			plugin = " [" + d.Plugin + "]"
		}
		fmt.Fprintf(w, "  ! %s%s: %s\n", d.Kind, plugin, d.Message)
	}
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
