package deplink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mineclover/dependency-linker/internal/common"
	"github.com/mineclover/dependency-linker/internal/syntax"
)

// Schema declares the shape of a plugin's payload. Kind names the data
// category ("imports", "exports", ...); interpreters match on it.
type Schema struct {
	Kind        string
	Version     int
	Description string
}

// Extractor derives one named category of structured facts from a parsed
// file. Extractors never see each other's output; they may run concurrently
// for the same file.
type Extractor interface {
	Name() string
	Supports(language string) bool
	Extract(ctx context.Context, tree *syntax.Tree, path string) (any, error)
	Schema() Schema
}

// InterpretContext carries per-file context into interpreters.
type InterpretContext struct {
	Path        string
	Language    string
	Fingerprint string
}

// Interpreter derives a higher-level result from the complete name->fact
// mapping of one file, so cross-extractor interpretation is possible.
type Interpreter interface {
	Name() string
	Supports(dataKind string) bool
	Interpret(ctx context.Context, facts map[string]*Fact, ictx *InterpretContext) (any, error)
	Schema() Schema
}

// Validator is an optional extractor capability: payloads are checked
// against it before entering the fact mapping.
type Validator interface {
	Validate(payload any) error
}

// Prioritized is an optional plugin capability. Higher priority plugins run
// first; unprioritized plugins default to 0. Ties keep registration order.
type Prioritized interface {
	Priority() int
}

type regEntry[T any] struct {
	name     string
	plugin   T
	priority int
	order    int
}

// registry is the shared implementation behind the extractor and
// interpreter registries. It exclusively owns registered instances.
type registry[T any] struct {
	kind string // for log messages

	mu      sync.RWMutex
	entries map[string]*regEntry[T]
	nextOrd int
}

func newRegistry[T any](kind string) *registry[T] {
	return &registry[T]{kind: kind, entries: make(map[string]*regEntry[T])}
}

// register stores plugin under name. Re-registering an existing name
// overwrites the previous plugin with only a warning; last registration
// wins. The overwritten plugin keeps nothing.
func (r *registry[T]) register(name string, plugin T) {
	priority := 0
	if p, ok := any(plugin).(Prioritized); ok {
		priority = p.Priority()
	}

	r.mu.Lock()
	if _, exists := r.entries[name]; exists {
		common.Logger().Warn("overwriting registered plugin",
			"registry", r.kind, "name", name)
	}
	r.entries[name] = &regEntry[T]{
		name:     name,
		plugin:   plugin,
		priority: priority,
		order:    r.nextOrd,
	}
	r.nextOrd++
	r.mu.Unlock()
}

// unregister removes name. Returns true if it was registered.
func (r *registry[T]) unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	return ok
}

// get returns the plugin registered under name.
func (r *registry[T]) get(name string) (T, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	return e.plugin, true
}

// sortedLocked returns entries ordered by priority descending, ties by
// registration order. Callers hold at least the read lock.
func (r *registry[T]) sortedLocked() []*regEntry[T] {
	out := make([]*regEntry[T], 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].order < out[j].order
	})
	return out
}

// all returns every registered plugin in priority order.
func (r *registry[T]) all() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.sortedLocked()
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.plugin)
	}
	return out
}

// matching returns registered plugins satisfying pred, in priority order.
func (r *registry[T]) matching(pred func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []T
	for _, e := range r.sortedLocked() {
		if pred(e.plugin) {
			out = append(out, e.plugin)
		}
	}
	return out
}

// names returns every registered name, sorted.
func (r *registry[T]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// selectNamed resolves a configured selection: nil means every registered
// plugin, otherwise each name must be registered or the selection is a
// configuration error.
func (r *registry[T]) selectNamed(names []string) ([]T, error) {
	if names == nil {
		return r.all(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := make([]*regEntry[T], 0, len(names))
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			return nil, fmt.Errorf("deplink: config: unknown %s %q", r.kind, name)
		}
		selected = append(selected, e)
	}
	sort.Slice(selected, func(i, j int) bool {
		if selected[i].priority != selected[j].priority {
			return selected[i].priority > selected[j].priority
		}
		return selected[i].order < selected[j].order
	})
	out := make([]T, 0, len(selected))
	for _, e := range selected {
		out = append(out, e.plugin)
	}
	return out, nil
}
