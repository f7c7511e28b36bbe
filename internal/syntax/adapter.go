// Package syntax provides the parse boundary of the analysis pipeline:
// per-language adapters that turn source bytes into a syntax tree plus
// parse diagnostics. The default adapter is backed by tree-sitter.
package syntax

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// Tree is the parse output handed to extractors. It owns the underlying
// tree-sitter tree; callers must Close it when the pipeline run ends.
type Tree struct {
	Language string
	Source   []byte

	tree *sitter.Tree
}

// Root returns the root node of the parse tree.
func (t *Tree) Root() *sitter.Node {
	return t.tree.RootNode()
}

// Text returns the source text covered by a node.
func (t *Tree) Text(n *sitter.Node) string {
	return n.Content(t.Source)
}

// Close releases the tree-sitter tree. Safe to call more than once.
func (t *Tree) Close() {
	if t.tree != nil {
		t.tree.Close()
		t.tree = nil
	}
}

// Result bundles a parse tree with any diagnostics the parser reported.
// A non-empty Diagnostics with a non-nil Tree means the parse recovered.
type Result struct {
	Tree        *Tree
	Diagnostics []string
}

// Adapter parses source for one language. Implementations must be
// deterministic and honor ctx cancellation so per-file timeouts hold.
type Adapter interface {
	Language() string
	Parse(ctx context.Context, source []byte) (*Result, error)
}

// treeSitterAdapter is the default Adapter, one per language grammar.
type treeSitterAdapter struct {
	language string
	grammar  *sitter.Language
}

// NewAdapter returns the default tree-sitter adapter for a canonical
// language name. Returns an error for languages without a grammar.
func NewAdapter(language string) (Adapter, error) {
	grammar, ok := GrammarForLanguage(language)
	if !ok {
		return nil, fmt.Errorf("syntax: unsupported language %q", language)
	}
	return &treeSitterAdapter{language: language, grammar: grammar}, nil
}

func (a *treeSitterAdapter) Language() string {
	return a.language
}

// Parse runs tree-sitter over source. A fresh parser per call keeps the
// adapter safe for concurrent use across files.
func (a *treeSitterAdapter) Parse(ctx context.Context, source []byte) (*Result, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(a.grammar)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("syntax: parse %s: %w", a.language, err)
	}

	t := &Tree{Language: a.language, Source: source, tree: tree}
	return &Result{Tree: t, Diagnostics: collectErrors(t)}, nil
}

// maxParseDiagnostics caps how many error nodes are reported per file.
const maxParseDiagnostics = 20

// collectErrors walks the tree for ERROR and MISSING nodes and renders one
// diagnostic line per node, capped at maxParseDiagnostics.
func collectErrors(t *Tree) []string {
	var diags []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if len(diags) >= maxParseDiagnostics {
			return
		}
		if n.IsError() || n.IsMissing() {
			kind := "error"
			if n.IsMissing() {
				kind = "missing"
			}
			diags = append(diags, fmt.Sprintf("syntax %s at %d:%d",
				kind, n.StartPoint().Row+1, n.StartPoint().Column))
			return
		}
		if !n.HasError() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	root := t.Root()
	if root != nil && root.HasError() {
		walk(root)
	}
	return diags
}
