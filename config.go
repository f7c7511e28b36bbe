package deplink

import (
	"crypto/sha256"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Config carries the per-call options recognized by AnalyzeFile and
// AnalyzeBatch. The zero value is not useful; start from DefaultConfig.
type Config struct {
	// Extractors are the plugin names to run. Nil means all registered.
	Extractors []string

	// Interpreters are the plugin names to run. Nil means all registered.
	Interpreters []string

	// UseCache enables the fingerprint-keyed result cache.
	UseCache bool

	// Timeout bounds one file's parse and each extractor invocation.
	Timeout time.Duration

	// MaxConcurrency bounds batch workers. Zero means NumCPU.
	MaxConcurrency int

	// MemoryCeilingBytes is the batch governor's memory envelope.
	// Zero disables adaptive throttling.
	MemoryCeilingBytes uint64

	// AdaptiveThresholds overrides the governor's per-tier behavior.
	AdaptiveThresholds AdaptiveThresholds
}

// DefaultConfig returns the baseline configuration: cache on, 30s per-file
// timeout, NumCPU batch workers, no memory ceiling.
func DefaultConfig() Config {
	return Config{
		UseCache:       true,
		Timeout:        30 * time.Second,
		MaxConcurrency: runtime.NumCPU(),
	}
}

// normalized fills zero fields with defaults.
func (c Config) normalized() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = runtime.NumCPU()
	}
	return c
}

// validate rejects malformed configuration. This is the only class of
// failure AnalyzeFile and AnalyzeBatch return as a Go error.
func (c Config) validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("deplink: config: negative timeout %v", c.Timeout)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("deplink: config: negative max concurrency %d", c.MaxConcurrency)
	}
	return nil
}

// Signature returns the plugin-selection signature used in cache keys.
// Nil selections hash as "*" so "all registered" is distinguishable from an
// explicit empty selection.
func (c Config) Signature() string {
	h := sha256.New()
	fmt.Fprintf(h, "extractors=%s;interpreters=%s", selectionKey(c.Extractors), selectionKey(c.Interpreters))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func selectionKey(names []string) string {
	if names == nil {
		return "*"
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// cacheKey combines a content fingerprint with a config signature into the
// cache key for one (file state, configuration) pair.
func cacheKey(fingerprint, signature string) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(signature))
	return fmt.Sprintf("%x", h.Sum(nil))
}
