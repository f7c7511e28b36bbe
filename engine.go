package deplink

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mineclover/dependency-linker/internal/cache"
	"github.com/mineclover/dependency-linker/internal/common"
	"github.com/mineclover/dependency-linker/internal/depgraph"
	"github.com/mineclover/dependency-linker/internal/store"
	"github.com/mineclover/dependency-linker/internal/syntax"
	"github.com/mineclover/dependency-linker/internal/telemetry"
)

// Engine orchestrates the analysis pipeline: read and fingerprint, cache
// lookup, parse, extractor fan-out, interpretation, graph accumulation,
// and cache write-through.
type Engine struct {
	extractors   *registry[Extractor]
	interpreters *registry[Interpreter]
	cache        *cache.Cache
	graph        *depgraph.Graph
	store        *store.Store // nil without persistence
	languages    map[string]bool

	adaptersMu sync.Mutex
	adapters   map[string]syntax.Adapter

	memFn func() uint64 // nil means the governor's heap sampler

	log *slog.Logger
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	languages    map[string]bool
	cacheEntries int
	cacheBytes   int64
	dbPath       string
	adapters     map[string]syntax.Adapter
	noBuiltins   bool
	memFn        func() uint64
}

// WithLanguages restricts which languages the Engine will process.
func WithLanguages(languages ...string) Option {
	return func(c *engineConfig) {
		c.languages = make(map[string]bool, len(languages))
		for _, lang := range languages {
			c.languages[lang] = true
		}
	}
}

// WithCacheBounds sets the result cache ceilings: maximum entries and
// approximate memory bytes. Zero means unbounded on that axis.
func WithCacheBounds(maxEntries int, maxBytes int64) Option {
	return func(c *engineConfig) {
		c.cacheEntries = maxEntries
		c.cacheBytes = maxBytes
	}
}

// WithPersistence backs the cache with a SQLite database at dbPath.
// Records and resolved edges survive across engine lifetimes.
func WithPersistence(dbPath string) Option {
	return func(c *engineConfig) { c.dbPath = dbPath }
}

// WithAdapter installs a custom syntax adapter for a language, replacing
// the built-in tree-sitter adapter.
func WithAdapter(language string, adapter syntax.Adapter) Option {
	return func(c *engineConfig) {
		if c.adapters == nil {
			c.adapters = make(map[string]syntax.Adapter)
		}
		c.adapters[language] = adapter
	}
}

// WithMemorySampler replaces the batch governor's heap sampler. Hosts with
// a container-aware notion of memory use (cgroup accounting, RSS) can feed
// it here; the default samples the Go heap.
func WithMemorySampler(fn func() uint64) Option {
	return func(c *engineConfig) { c.memFn = fn }
}

// WithoutBuiltins skips registering the built-in extractors and
// interpreters, leaving the registries empty.
func WithoutBuiltins() Option {
	return func(c *engineConfig) { c.noBuiltins = true }
}

// NewEngine creates an Engine. Cache bounds default to 4096 entries and
// 256 MiB. Built-in plugins are registered unless WithoutBuiltins is given.
func NewEngine(opts ...Option) (*Engine, error) {
	cfg := engineConfig{
		cacheEntries: 4096,
		cacheBytes:   256 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		extractors:   newRegistry[Extractor]("extractor"),
		interpreters: newRegistry[Interpreter]("interpreter"),
		cache:        cache.New(cfg.cacheEntries, cfg.cacheBytes),
		graph:        depgraph.NewGraph(),
		languages:    cfg.languages,
		adapters:     cfg.adapters,
		memFn:        cfg.memFn,
		log:          common.ComponentLogger("engine"),
	}
	if e.adapters == nil {
		e.adapters = make(map[string]syntax.Adapter)
	}

	if cfg.dbPath != "" {
		s, err := store.NewStore(cfg.dbPath)
		if err != nil {
			return nil, fmt.Errorf("deplink: create store: %w", err)
		}
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, fmt.Errorf("deplink: migrate: %w", err)
		}
		e.store = s
		if err := e.loadPersistedGraph(); err != nil {
			s.Close()
			return nil, fmt.Errorf("deplink: load graph: %w", err)
		}
	}

	if !cfg.noBuiltins {
		registerBuiltins(e)
	}
	return e, nil
}

// Close releases the Engine's persistence resources, if any.
func (e *Engine) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// loadPersistedGraph rebuilds the in-memory dependency graph from
// persisted edges.
func (e *Engine) loadPersistedGraph() error {
	edges, err := e.store.AllEdges()
	if err != nil {
		return err
	}
	for _, row := range edges {
		e.graph.AddEdge(depgraph.Edge{
			From:      row.FromPath,
			Specifier: row.Specifier,
			To:        row.ToPath,
			Kind:      row.Kind,
			External:  row.External,
		})
	}
	return nil
}

// RegisterExtractor registers an extractor under its declared name.
// Re-registering a name overwrites the previous plugin with a warning;
// last registration wins. Registration is safe across files but must not
// race an in-flight analysis sharing the same configuration signature.
func (e *Engine) RegisterExtractor(x Extractor) {
	e.extractors.register(x.Name(), x)
}

// UnregisterExtractor removes an extractor. Returns true if it existed.
func (e *Engine) UnregisterExtractor(name string) bool {
	return e.extractors.unregister(name)
}

// RegisterInterpreter registers an interpreter under its declared name.
func (e *Engine) RegisterInterpreter(i Interpreter) {
	e.interpreters.register(i.Name(), i)
}

// UnregisterInterpreter removes an interpreter. Returns true if it existed.
func (e *Engine) UnregisterInterpreter(name string) bool {
	return e.interpreters.unregister(name)
}

// ExtractorNames returns the registered extractor names, sorted.
func (e *Engine) ExtractorNames() []string { return e.extractors.names() }

// InterpreterNames returns the registered interpreter names, sorted.
func (e *Engine) InterpreterNames() []string { return e.interpreters.names() }

// CacheStats summarizes the result cache.
type CacheStats struct {
	EntryCount        int     `json:"entry_count"`
	HitRate           float64 `json:"hit_rate"`
	ApproxMemoryBytes int64   `json:"approx_memory_bytes"`
	Evictions         int64   `json:"evictions"`
}

// CacheStats returns a point-in-time summary of the result cache.
func (e *Engine) CacheStats() CacheStats {
	st := e.cache.Stats()
	return CacheStats{
		EntryCount:        st.EntryCount,
		HitRate:           st.HitRate,
		ApproxMemoryBytes: st.ApproxMemoryBytes,
		Evictions:         st.Evictions,
	}
}

// DependencyGraph returns a consistent snapshot of the accumulated graph:
// nodes, edges, and detected cycles.
func (e *Engine) DependencyGraph() *depgraph.Snapshot {
	return e.graph.Snapshot()
}

// InvalidateFile drops every cached and persisted result derived from path
// and removes the file's outgoing edges from the graph.
func (e *Engine) InvalidateFile(path string) error {
	e.cache.InvalidateByPath(path)
	e.graph.RemoveFile(path)
	if e.store != nil {
		if _, err := e.store.DeleteRecordsByPath(path); err != nil {
			return fmt.Errorf("deplink: invalidate %s: %w", path, err)
		}
		if err := e.store.DeleteEdgesFrom(path); err != nil {
			return fmt.Errorf("deplink: invalidate %s: %w", path, err)
		}
	}
	return nil
}

// adapterFor returns the syntax adapter for a language, creating the
// default tree-sitter adapter on first use.
func (e *Engine) adapterFor(language string) (syntax.Adapter, error) {
	e.adaptersMu.Lock()
	defer e.adaptersMu.Unlock()
	if a, ok := e.adapters[language]; ok {
		return a, nil
	}
	a, err := syntax.NewAdapter(language)
	if err != nil {
		return nil, err
	}
	e.adapters[language] = a
	return a, nil
}

// AnalyzeFile runs the full pipeline for one file. Expected per-file
// failures (missing file, unsupported type, parse timeout, plugin errors)
// are captured as Diagnostics in the returned record and never become Go
// errors; only malformed configuration returns an error.
func (e *Engine) AnalyzeFile(ctx context.Context, path string, cfg Config) (*AnalysisRecord, error) {
	cfg = cfg.normalized()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	// Resolve selections up front so unknown names fail synchronously.
	selectedExtractors, err := e.extractors.selectNamed(cfg.Extractors)
	if err != nil {
		return nil, err
	}
	selectedInterpreters, err := e.interpreters.selectNamed(cfg.Interpreters)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rec := e.analyze(ctx, path, cfg, selectedExtractors, selectedInterpreters)
	rec.Duration = time.Since(start)
	telemetry.RecordAnalysis(rec.Failed(), rec.Duration)
	return rec, nil
}

func (e *Engine) newRecord(path string, cfg Config) *AnalysisRecord {
	return &AnalysisRecord{
		ID:              uuid.NewString(),
		Path:            path,
		ConfigSignature: cfg.Signature(),
		CreatedAt:       time.Now(),
	}
}

func (e *Engine) analyze(ctx context.Context, path string, cfg Config, extractors []Extractor, interpreters []Interpreter) *AnalysisRecord {
	rec := e.newRecord(path, cfg)

	// Stage: stat + read + fingerprint.
	readStart := time.Now()
	info, err := os.Stat(path)
	if err != nil {
		rec.Diagnostics = append(rec.Diagnostics, Diagnostic{
			Kind: DiagFileNotFound, Message: fmt.Sprintf("stat %s: %v", path, err),
		})
		return rec
	}
	rec.ModTime = info.ModTime()

	lang, ok := syntax.LanguageForFile(path)
	if !ok || (e.languages != nil && !e.languages[lang]) {
		rec.Diagnostics = append(rec.Diagnostics, Diagnostic{
			Kind: DiagInvalidFileType, Message: fmt.Sprintf("unsupported file type: %s", path),
		})
		return rec
	}
	rec.Language = lang

	content, err := os.ReadFile(path)
	if err != nil {
		rec.Diagnostics = append(rec.Diagnostics, Diagnostic{
			Kind: DiagFileNotFound, Message: fmt.Sprintf("read %s: %v", path, err),
		})
		return rec
	}
	rec.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(content))
	rec.Metrics = append(rec.Metrics, StageMetrics{Stage: "read", Duration: time.Since(readStart)})

	key := cacheKey(rec.Fingerprint, rec.ConfigSignature)

	// Stage: cache lookup. A hit returns a copy tagged FromCache, so each
	// (fingerprint, config) pair is computed at most once.
	if cfg.UseCache {
		if cached := e.cachedRecord(key); cached != nil {
			return cached
		}
	}

	// Stage: parse under the per-file timeout.
	adapter, err := e.adapterFor(lang)
	if err != nil {
		rec.Diagnostics = append(rec.Diagnostics, Diagnostic{
			Kind: DiagInvalidFileType, Message: err.Error(),
		})
		return rec
	}

	parseStart := time.Now()
	parseCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	res, err := adapter.Parse(parseCtx, content)
	cancel()
	rec.Metrics = append(rec.Metrics, StageMetrics{Stage: "parse", Duration: time.Since(parseStart)})
	if err != nil {
		kind := DiagParseError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = DiagParseTimeout
		}
		rec.Diagnostics = append(rec.Diagnostics, Diagnostic{Kind: kind, Message: err.Error()})
		return rec
	}
	tree := res.Tree
	defer tree.Close()
	for _, d := range res.Diagnostics {
		rec.Diagnostics = append(rec.Diagnostics, Diagnostic{Kind: DiagParseError, Message: d})
	}

	// Stage: extractor fan-out. Extractors run concurrently, each under its
	// own timeout; one failure never blocks the others.
	rec.Facts = e.runExtractors(ctx, tree, path, lang, cfg, extractors, rec)

	// Stage: interpretation, after all extractors settle.
	rec.Results = e.runInterpreters(ctx, cfg, interpreters, rec)

	// Stage: dependency resolution and graph accumulation.
	e.feedGraph(rec, lang)

	rec.MemoryBytes = telemetry.UpdateMemoryUsage()

	// Write-through.
	e.persist(key, rec)
	return rec
}

// cachedRecord returns a copy of the cached or persisted record for key,
// tagged FromCache, or nil on a miss.
func (e *Engine) cachedRecord(key string) *AnalysisRecord {
	if v, ok := e.cache.Get(key); ok {
		out := v.(*AnalysisRecord).Clone()
		out.FromCache = true
		return out
	}
	if e.store == nil {
		return nil
	}
	data, err := e.store.LoadRecord(key)
	if err != nil {
		e.log.Warn("persisted record load failed", "error", err)
		return nil
	}
	if data == nil {
		return nil
	}
	// Rehydrated payloads are generic JSON values, not plugin types.
	stored := &AnalysisRecord{}
	if err := json.Unmarshal(data, stored); err != nil {
		e.log.Warn("persisted record decode failed", "error", err)
		return nil
	}
	e.cache.Set(key, stored.Path, stored, int64(len(data)))
	out := stored.Clone()
	out.FromCache = true
	return out
}

// persist writes a completed record through to the cache and, when
// configured, the SQLite store.
func (e *Engine) persist(key string, rec *AnalysisRecord) {
	data, err := json.Marshal(rec)
	weight := rec.approxWeight()
	if err == nil {
		weight = int64(len(data))
	}
	// The caller still writes to rec (Duration) after analyze returns, so
	// the cache gets its own copy.
	e.cache.Set(key, rec.Path, rec.Clone(), weight)

	if e.store == nil {
		return
	}
	if err != nil {
		e.log.Warn("record not persisted", "path", rec.Path, "error", err)
		return
	}
	if err := e.store.SaveRecord(key, rec.Path, rec.Fingerprint, rec.ConfigSignature, data); err != nil {
		e.log.Warn("record not persisted", "path", rec.Path, "error", err)
	}
	if err := e.store.UpsertFile(&store.File{
		Path:        rec.Path,
		Language:    rec.Language,
		Fingerprint: rec.Fingerprint,
		AnalyzedAt:  time.Now(),
	}); err != nil {
		e.log.Warn("file row not persisted", "path", rec.Path, "error", err)
	}
	if len(rec.Edges) > 0 {
		rows := make([]store.EdgeRow, 0, len(rec.Edges))
		for _, edge := range rec.Edges {
			rows = append(rows, store.EdgeRow{
				FromPath:  edge.From,
				Specifier: edge.Specifier,
				ToPath:    edge.To,
				Kind:      edge.Kind,
				External:  edge.External,
			})
		}
		if err := e.store.SaveEdges(rows); err != nil {
			e.log.Warn("edges not persisted", "path", rec.Path, "error", err)
		}
	}
}

// runExtractors fans selected extractors out over the tree and collects
// successes into the fact mapping, failures into rec.Diagnostics.
func (e *Engine) runExtractors(ctx context.Context, tree *syntax.Tree, path, lang string, cfg Config, extractors []Extractor, rec *AnalysisRecord) map[string]*Fact {
	facts := make(map[string]*Fact)
	var mu sync.Mutex

	g := new(errgroup.Group)
	for _, x := range extractors {
		if !x.Supports(lang) {
			continue
		}
		x := x
		g.Go(func() error {
			xStart := time.Now()
			xCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			payload, err := x.Extract(xCtx, tree, path)
			cancel()
			elapsed := time.Since(xStart)

			if err == nil {
				if v, ok := x.(Validator); ok {
					err = v.Validate(payload)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			rec.Metrics = append(rec.Metrics, StageMetrics{
				Stage: "extract", Plugin: x.Name(), Duration: elapsed,
			})
			if err != nil {
				rec.Diagnostics = append(rec.Diagnostics, Diagnostic{
					Kind: DiagExtractionError, Plugin: x.Name(), Message: err.Error(),
				})
				return nil
			}
			kind := x.Schema().Kind
			if kind == "" {
				kind = x.Name()
			}
			facts[x.Name()] = &Fact{Plugin: x.Name(), Kind: kind, Payload: payload}
			return nil
		})
	}
	g.Wait()

	if len(facts) == 0 {
		return nil
	}
	return facts
}

// runInterpreters runs selected interpreters whose Supports matches any
// available fact kind, continue-on-failure, after extraction settles.
// Interpreters see the entire fact mapping.
func (e *Engine) runInterpreters(ctx context.Context, cfg Config, interpreters []Interpreter, rec *AnalysisRecord) map[string]*Interpretation {
	if len(rec.Facts) == 0 {
		return nil
	}
	kinds := make(map[string]bool)
	for _, f := range rec.Facts {
		kinds[f.Kind] = true
	}

	ictx := &InterpretContext{
		Path:        rec.Path,
		Language:    rec.Language,
		Fingerprint: rec.Fingerprint,
	}

	results := make(map[string]*Interpretation)
	for _, in := range interpreters {
		matched := false
		for kind := range kinds {
			if in.Supports(kind) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		iStart := time.Now()
		iCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		payload, err := in.Interpret(iCtx, rec.Facts, ictx)
		cancel()
		rec.Metrics = append(rec.Metrics, StageMetrics{
			Stage: "interpret", Plugin: in.Name(), Duration: time.Since(iStart),
		})
		if err != nil {
			rec.Diagnostics = append(rec.Diagnostics, Diagnostic{
				Kind: DiagInterpretationError, Plugin: in.Name(), Message: err.Error(),
			})
			continue
		}
		results[in.Name()] = &Interpretation{Plugin: in.Name(), Payload: payload}
	}

	if len(results) == 0 {
		return nil
	}
	return results
}

// feedGraph resolves the file's import facts and records the resulting
// edges on both the record and the shared dependency graph.
func (e *Engine) feedGraph(rec *AnalysisRecord, lang string) {
	e.graph.AddNode(rec.Path)

	imports := collectImports(rec.Facts)
	if len(imports) == 0 {
		return
	}

	resolver := depgraph.NewResolver(depgraph.DefaultExtensions(lang)...)
	for _, imp := range imports {
		r := resolver.Resolve(rec.Path, imp.Specifier)
		kind := imp.Kind
		if kind == "" {
			kind = "import"
		}
		e.graph.AddEdge(depgraph.Edge{
			From:      rec.Path,
			Specifier: imp.Specifier,
			To:        r.ResolvedPath,
			Kind:      kind,
			External:  r.External,
		})
		to := r.ResolvedPath
		if r.External {
			to = depgraph.External
		}
		rec.Edges = append(rec.Edges, DependencyEdge{
			From:      rec.Path,
			Specifier: imp.Specifier,
			To:        to,
			Kind:      kind,
			External:  r.External,
		})
	}
}

// collectImports pulls import declarations out of every fact whose kind is
// "imports". Payloads may be the typed slice or, for script-backed and
// rehydrated plugins, generic JSON shapes.
func collectImports(facts map[string]*Fact) []ImportDecl {
	var out []ImportDecl
	for _, f := range facts {
		if f.Kind != FactKindImports {
			continue
		}
		switch payload := f.Payload.(type) {
		case []ImportDecl:
			out = append(out, payload...)
		case []any:
			for _, item := range payload {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				spec, _ := m["specifier"].(string)
				if spec == "" {
					continue
				}
				kind, _ := m["kind"].(string)
				out = append(out, ImportDecl{Specifier: spec, Kind: kind})
			}
		}
	}
	return out
}
