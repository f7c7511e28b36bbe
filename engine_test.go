package deplink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mineclover/dependency-linker/internal/syntax"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// writeProject lays out a small TypeScript project and returns its paths.
func writeProject(t *testing.T) (dir, aPath, bPath string) {
	t.Helper()
	dir = t.TempDir()
	aPath = filepath.Join(dir, "a.ts")
	bPath = filepath.Join(dir, "b.ts")
	writeFile(t, aPath, "import { b } from \"./b\"\nimport fs from \"fs\"\nexport const a = 1\n")
	writeFile(t, bPath, "export const b = 2\n")
	return dir, aPath, bPath
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestAnalyzeFile(t *testing.T) {
	t.Parallel()
	_, aPath, bPath := writeProject(t)
	e := newTestEngine(t)

	rec, err := e.AnalyzeFile(context.Background(), aPath, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, "typescript", rec.Language)
	assert.Len(t, rec.Fingerprint, 64)
	assert.False(t, rec.FromCache)
	assert.False(t, rec.Failed(), "diagnostics: %v", rec.Diagnostics)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.ModTime.IsZero())

	imports, ok := rec.Facts["imports"]
	require.True(t, ok)
	decls, ok := imports.Payload.([]ImportDecl)
	require.True(t, ok)
	require.Len(t, decls, 2)
	assert.Equal(t, "./b", decls[0].Specifier)
	assert.Equal(t, "fs", decls[1].Specifier)

	// ./b resolves to the sibling file; fs stays external.
	require.Len(t, rec.Edges, 2)
	bySpec := map[string]DependencyEdge{}
	for _, edge := range rec.Edges {
		bySpec[edge.Specifier] = edge
	}
	assert.Equal(t, bPath, bySpec["./b"].To)
	assert.False(t, bySpec["./b"].External)
	assert.True(t, bySpec["fs"].External)
	assert.Equal(t, ExternalNode, bySpec["fs"].To)
}

func TestAnalyzeFileClassifier(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)

	rec, err := e.AnalyzeFile(context.Background(), aPath, DefaultConfig())
	require.NoError(t, err)

	result, ok := rec.Results["dependency-classifier"]
	require.True(t, ok)
	cls, ok := result.Payload.(DependencyClassification)
	require.True(t, ok)
	assert.Equal(t, []string{"./b"}, cls.Internal)
	assert.Equal(t, []string{"fs"}, cls.Builtin)
	assert.Empty(t, cls.External)
}

func TestAnalyzeFileCacheHit(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)
	cfg := DefaultConfig()

	first, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.ID, second.ID)

	// Hits hand back independent containers.
	second.Facts["injected"] = &Fact{Plugin: "injected"}
	third, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	assert.NotContains(t, third.Facts, "injected")
}

func TestAnalyzeFileContentChangeMisses(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)
	cfg := DefaultConfig()

	first, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	_, err = e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)

	writeFile(t, aPath, "export const a = 99\n")
	changed, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)

	assert.False(t, changed.FromCache)
	assert.NotEqual(t, first.Fingerprint, changed.Fingerprint)
}

func TestAnalyzeFileConfigChangeMisses(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)

	_, err := e.AnalyzeFile(context.Background(), aPath, DefaultConfig())
	require.NoError(t, err)

	narrow := DefaultConfig()
	narrow.Extractors = []string{"imports"}
	rec, err := e.AnalyzeFile(context.Background(), aPath, narrow)
	require.NoError(t, err)

	assert.False(t, rec.FromCache, "a different plugin selection is a different cache key")
	assert.Contains(t, rec.Facts, "imports")
	assert.NotContains(t, rec.Facts, "exports")
}

func TestAnalyzeFileNoCache(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)

	cfg := DefaultConfig()
	cfg.UseCache = false
	_, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	rec, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	assert.False(t, rec.FromCache)
}

func TestAnalyzeFileMissing(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	rec, err := e.AnalyzeFile(context.Background(), "/no/such/file.ts", DefaultConfig())
	require.NoError(t, err, "missing files are diagnostics, not errors")
	assert.True(t, rec.HasDiagnostic(DiagFileNotFound))
}

func TestAnalyzeFileUnsupportedType(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "README.md")
	writeFile(t, path, "# readme\n")
	e := newTestEngine(t)

	rec, err := e.AnalyzeFile(context.Background(), path, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, rec.HasDiagnostic(DiagInvalidFileType))
}

func TestAnalyzeFileLanguageFilter(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t, WithLanguages("go"))

	rec, err := e.AnalyzeFile(context.Background(), aPath, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, rec.HasDiagnostic(DiagInvalidFileType))
}

func TestAnalyzeFileUnknownPluginIsError(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)

	cfg := DefaultConfig()
	cfg.Extractors = []string{"ghost"}
	_, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown extractor "ghost"`)
}

func TestAnalyzeFileInvalidConfigIsError(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)

	cfg := DefaultConfig()
	cfg.Timeout = -1
	_, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	assert.Error(t, err)
}

func TestExtractorFailureIsolation(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)
	e.RegisterExtractor(&stubExtractor{name: "boom", err: errors.New("kaput")})

	rec, err := e.AnalyzeFile(context.Background(), aPath, DefaultConfig())
	require.NoError(t, err)

	// The failing plugin is reported; the others still produce facts.
	require.True(t, rec.HasDiagnostic(DiagExtractionError))
	var found bool
	for _, d := range rec.Diagnostics {
		if d.Plugin == "boom" {
			found = true
			assert.Contains(t, d.Message, "kaput")
		}
	}
	assert.True(t, found)
	assert.Contains(t, rec.Facts, "imports")
	assert.NotContains(t, rec.Facts, "boom")
}

func TestParseErrorStillYieldsFacts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.ts")
	writeFile(t, path, "import { x } from \"./x\"\nconst ==== broken\n")
	e := newTestEngine(t)

	rec, err := e.AnalyzeFile(context.Background(), path, DefaultConfig())
	require.NoError(t, err)

	// Tree-sitter recovers; the record carries both diagnostics and the
	// facts extracted from the recovered tree.
	assert.True(t, rec.HasDiagnostic(DiagParseError))
	imports, ok := rec.Facts["imports"]
	require.True(t, ok)
	decls := imports.Payload.([]ImportDecl)
	require.NotEmpty(t, decls)
	assert.Equal(t, "./x", decls[0].Specifier)
}

func TestDependencyGraphCycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.ts")
	bPath := filepath.Join(dir, "b.ts")
	writeFile(t, aPath, "import { b } from \"./b\"\nexport const a = 1\n")
	writeFile(t, bPath, "import { a } from \"./a\"\nexport const b = 2\n")
	e := newTestEngine(t)

	ctx := context.Background()
	_, err := e.AnalyzeFile(ctx, aPath, DefaultConfig())
	require.NoError(t, err)
	_, err = e.AnalyzeFile(ctx, bPath, DefaultConfig())
	require.NoError(t, err)

	snap := e.DependencyGraph()
	require.Len(t, snap.Cycles, 1)
	assert.ElementsMatch(t, []string{aPath, bPath}, snap.Cycles[0])
}

func TestInvalidateFile(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)
	cfg := DefaultConfig()

	_, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	require.NoError(t, e.InvalidateFile(aPath))

	rec, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	assert.False(t, rec.FromCache)

	snap := e.DependencyGraph()
	for _, edge := range snap.Edges {
		assert.NotEqual(t, aPath, edge.From)
	}
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	cfg := DefaultConfig()

	e1, err := NewEngine(WithPersistence(dbPath))
	require.NoError(t, err)
	first, err := e1.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	require.False(t, first.FromCache)
	require.NoError(t, e1.Close())

	e2, err := NewEngine(WithPersistence(dbPath))
	require.NoError(t, err)
	defer e2.Close()

	// The graph is rebuilt from persisted edges before any analysis.
	snap := e2.DependencyGraph()
	assert.NotEmpty(t, snap.Edges)

	// The record itself rehydrates from the store.
	second, err := e2.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestWithoutBuiltins(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, WithoutBuiltins())
	assert.Empty(t, e.ExtractorNames())
	assert.Empty(t, e.InterpreterNames())
}

func TestBuiltinRegistration(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	assert.Equal(t, []string{"exports", "identifiers", "imports"}, e.ExtractorNames())
	assert.Equal(t, []string{"dependency-classifier"}, e.InterpreterNames())
}

func TestCacheStatsReporting(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)
	cfg := DefaultConfig()

	_, err := e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)
	_, err = e.AnalyzeFile(context.Background(), aPath, cfg)
	require.NoError(t, err)

	stats := e.CacheStats()
	assert.Positive(t, stats.EntryCount)
	assert.Positive(t, stats.ApproxMemoryBytes)
}

// slowAdapter blocks in Parse until delay elapses or the parse context is
// canceled, then fails either way.
type slowAdapter struct {
	language string
	delay    time.Duration
}

func (a slowAdapter) Language() string { return a.language }

func (a slowAdapter) Parse(ctx context.Context, _ []byte) (*syntax.Result, error) {
	select {
	case <-time.After(a.delay):
		return nil, errors.New("parser stalled")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAnalyzeFileParseTimeout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "slow.ts")
	writeFile(t, path, "export const x = 1\n")
	e := newTestEngine(t, WithAdapter("typescript", slowAdapter{language: "typescript", delay: time.Second}))

	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	rec, err := e.AnalyzeFile(context.Background(), path, cfg)
	require.NoError(t, err)

	assert.True(t, rec.HasDiagnostic(DiagParseTimeout))
	assert.True(t, rec.Failed())
	assert.Empty(t, rec.Facts)
}

func TestAnalyzeFileConcurrentSamePath(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)

	// Racing callers on a fresh path: whoever computes first publishes to
	// the cache while still finalizing its own record; the others must get
	// an independent copy.
	recs := make([]*AnalysisRecord, 8)
	var wg sync.WaitGroup
	for i := range recs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := e.AnalyzeFile(context.Background(), aPath, DefaultConfig())
			assert.NoError(t, err)
			recs[i] = rec
		}()
	}
	wg.Wait()

	for i, rec := range recs {
		require.NotNil(t, rec, "record %d missing", i)
		assert.False(t, rec.Failed())
		assert.Contains(t, rec.Facts, FactKindImports)
		assert.Positive(t, rec.Duration)
	}
}
