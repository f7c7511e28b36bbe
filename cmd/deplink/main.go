package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	deplink "github.com/mineclover/dependency-linker"
)

var (
	flagDB     string
	flagFormat string
)

func main() {
	// Optional .env for LOG_LEVEL and friends; absence is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "deplink",
	Short:         "Source dependency analysis with pluggable extraction",
	Long:          "Deplink parses source files with tree-sitter, runs extractor and interpreter plugins over the syntax trees, and accumulates a resolved dependency graph with cycle detection.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
	// No Run — prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path (default: .deplink/cache.db relative to repo root)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(statsCmd)
}

var (
	flagLanguages    string
	flagExtractors   string
	flagInterpreters string
	flagConcurrency  int
	flagMemoryLimit  int64
	flagTimeout      time.Duration
	flagNoCache      bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [path]",
	Short: "Analyze a file or directory",
	Long:  "Runs the extraction pipeline over one file, or over every supported file under a directory as a governed batch, and prints the analysis records.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&flagLanguages, "languages", "", "comma-separated language filter (e.g. go,typescript)")
	analyzeCmd.Flags().StringVar(&flagExtractors, "extractors", "", "comma-separated extractor selection (default: all registered)")
	analyzeCmd.Flags().StringVar(&flagInterpreters, "interpreters", "", "comma-separated interpreter selection (default: all registered)")
	analyzeCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "maximum concurrent files (default: CPU count)")
	analyzeCmd.Flags().Int64Var(&flagMemoryLimit, "memory-limit", 0, "memory ceiling in bytes for adaptive throttling (0 disables)")
	analyzeCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "per-file stage timeout (default 30s)")
	analyzeCmd.Flags().BoolVar(&flagNoCache, "no-cache", false, "bypass the result cache")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolving path %q: %w", target, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("path not found: %s", abs)
	}

	engine, err := newEngine(abs)
	if err != nil {
		return err
	}
	defer engine.Close()

	cfg := deplink.DefaultConfig()
	cfg.Extractors = splitFlag(flagExtractors)
	cfg.Interpreters = splitFlag(flagInterpreters)
	cfg.UseCache = !flagNoCache
	if flagConcurrency > 0 {
		cfg.MaxConcurrency = flagConcurrency
	}
	if flagMemoryLimit > 0 {
		cfg.MemoryCeilingBytes = uint64(flagMemoryLimit)
	}
	if flagTimeout > 0 {
		cfg.Timeout = flagTimeout
	}

	ctx := context.Background()
	if info.IsDir() {
		batch, err := engine.AnalyzeDirectory(ctx, abs, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Analyzed %d files in %s (%d failed, peak tier %s)\n",
			len(batch.Records), batch.Duration.Round(time.Millisecond),
			batch.Failed(), batch.PeakTier)
		return outputBatch(flagFormat, batch)
	}

	rec, err := engine.AnalyzeFile(ctx, abs, cfg)
	if err != nil {
		return err
	}
	return outputRecord(flagFormat, rec)
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the persisted dependency graph",
	Long:  "Loads the accumulated dependency graph from the database and prints its nodes, edges, and detected cycles.",
	Args:  cobra.NoArgs,
	RunE:  runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	engine, err := newEngine(".")
	if err != nil {
		return err
	}
	defer engine.Close()
	return outputGraph(flagFormat, engine.DependencyGraph())
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache and graph statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	engine, err := newEngine(".")
	if err != nil {
		return err
	}
	defer engine.Close()

	snap := engine.DependencyGraph()
	return outputStats(flagFormat, statsView{
		Cache:  engine.CacheStats(),
		Nodes:  len(snap.Nodes),
		Edges:  len(snap.Edges),
		Cycles: len(snap.Cycles),
	})
}

// newEngine builds an engine persisted under the repo root's .deplink
// directory, honoring --db and --languages.
func newEngine(startDir string) (*deplink.Engine, error) {
	repoRoot := findRepoRoot(startDir)
	dbPath := resolveDBPath(repoRoot)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(dbPath), err)
	}

	opts := []deplink.Option{deplink.WithPersistence(dbPath)}
	if flagLanguages != "" {
		opts = append(opts, deplink.WithLanguages(splitFlag(flagLanguages)...))
	}

	engine, err := deplink.NewEngine(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return engine, nil
}

func splitFlag(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if not found.
func findRepoRoot(startDir string) string {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return startDir
	}
	start := dir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

// resolveDBPath returns the database path from the --db flag or the default.
func resolveDBPath(repoRoot string) string {
	if flagDB != "" {
		if filepath.IsAbs(flagDB) {
			return flagDB
		}
		return filepath.Join(repoRoot, flagDB)
	}
	return filepath.Join(repoRoot, ".deplink", "cache.db")
}
