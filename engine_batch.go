package deplink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mineclover/dependency-linker/internal/governor"
	"github.com/mineclover/dependency-linker/internal/syntax"
	"github.com/mineclover/dependency-linker/internal/telemetry"
)

// BatchResult holds one batch run. Records is index-aligned with the input
// paths regardless of completion order.
type BatchResult struct {
	ID       string            `json:"id"`
	Records  []*AnalysisRecord `json:"records"`
	Duration time.Duration     `json:"duration_ns"`
	PeakTier string            `json:"peak_tier"`
	Reclaims int64             `json:"reclaims"`
}

// Failed counts records that produced diagnostics.
func (b *BatchResult) Failed() int {
	n := 0
	for _, rec := range b.Records {
		if rec.Failed() {
			n++
		}
	}
	return n
}

// AnalyzeBatch analyzes paths concurrently under adaptive governance. Up
// to cfg.MaxConcurrency files run at once; when memory pressure against
// cfg.MemoryCeilingBytes rises the effective concurrency shrinks, and at
// the halt tier new admissions pause. A file whose admission wait is
// exhausted gets a resource-exhausted diagnostic instead of failing the
// batch. Only malformed configuration or context cancellation return an
// error.
func (e *Engine) AnalyzeBatch(ctx context.Context, paths []string, cfg Config) (*BatchResult, error) {
	cfg = cfg.normalized()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	selectedExtractors, err := e.extractors.selectNamed(cfg.Extractors)
	if err != nil {
		return nil, err
	}
	selectedInterpreters, err := e.interpreters.selectNamed(cfg.Interpreters)
	if err != nil {
		return nil, err
	}

	batch := &BatchResult{
		ID:      uuid.NewString(),
		Records: make([]*AnalysisRecord, len(paths)),
	}
	if len(paths) == 0 {
		batch.PeakTier = governor.TierNormal.String()
		return batch, nil
	}

	var govOpts []governor.Option
	if e.memFn != nil {
		govOpts = append(govOpts, governor.WithMemoryFunc(e.memFn))
	}
	gov := governor.New(cfg.MaxConcurrency, cfg.MemoryCeilingBytes, cfg.AdaptiveThresholds, govOpts...)
	gov.Start()
	defer gov.Stop()

	start := time.Now()
	e.log.Info("batch started",
		"batch", batch.ID, "files", len(paths), "concurrency", cfg.MaxConcurrency)

	jobs := make(chan int)
	var wg sync.WaitGroup
	var peak governor.Tier
	var peakMu sync.Mutex

	workers := cfg.MaxConcurrency
	if workers > len(paths) {
		workers = len(paths)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				batch.Records[idx] = e.analyzeGoverned(ctx, gov, paths[idx], cfg,
					selectedExtractors, selectedInterpreters)
				peakMu.Lock()
				if t := gov.CurrentTier(); t > peak {
					peak = t
				}
				peakMu.Unlock()
			}
		}()
	}

feed:
	for idx := range paths {
		select {
		case jobs <- idx:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("deplink: batch %s: %w", batch.ID, err)
	}

	batch.Duration = time.Since(start)
	batch.PeakTier = peak.String()
	batch.Reclaims = gov.State().Reclaims
	e.log.Info("batch finished",
		"batch", batch.ID, "files", len(paths), "failed", batch.Failed(),
		"peak_tier", batch.PeakTier, "duration", batch.Duration)
	return batch, nil
}

// analyzeGoverned runs one file behind governor admission. An exhausted
// admission wait becomes a resource-exhausted record, keeping the rest of
// the batch alive.
func (e *Engine) analyzeGoverned(ctx context.Context, gov *governor.Governor, path string, cfg Config, extractors []Extractor, interpreters []Interpreter) *AnalysisRecord {
	if err := gov.Admit(ctx); err != nil {
		rec := e.newRecord(path, cfg)
		kind := DiagResourceExhausted
		msg := err.Error()
		if !errors.Is(err, governor.ErrExhausted) {
			msg = fmt.Sprintf("admission canceled: %v", err)
		}
		rec.Diagnostics = append(rec.Diagnostics, Diagnostic{Kind: kind, Message: msg})
		telemetry.RecordAnalysis(true, 0)
		return rec
	}
	defer gov.Release()

	start := time.Now()
	rec := e.analyze(ctx, path, cfg, extractors, interpreters)
	rec.Duration = time.Since(start)
	telemetry.RecordAnalysis(rec.Failed(), rec.Duration)
	return rec
}

var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// AnalyzeDirectory discovers supported files under root and analyzes them
// as one batch. Inside a git repository, git ls-files keeps .gitignore
// honored; otherwise a filesystem walk skips hidden directories,
// node_modules, vendor, and __pycache__.
func (e *Engine) AnalyzeDirectory(ctx context.Context, root string, cfg Config) (*BatchResult, error) {
	paths, err := gitListFiles(root)
	if err != nil {
		paths, err = walkListFiles(root)
		if err != nil {
			return nil, fmt.Errorf("deplink: list %s: %w", root, err)
		}
	}
	return e.AnalyzeBatch(ctx, paths, cfg)
}

// gitListFiles lists tracked plus untracked-but-not-ignored files under
// root, filtered to supported languages.
func gitListFiles(root string) ([]string, error) {
	cmd := exec.Command("git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		abs := filepath.Join(root, line)
		if _, ok := syntax.LanguageForFile(abs); ok {
			paths = append(paths, abs)
		}
	}
	return paths, nil
}

// walkListFiles is the non-git fallback.
func walkListFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := syntax.LanguageForFile(path); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
