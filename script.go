package deplink

import (
	"context"
	"fmt"

	"github.com/risor-io/risor"

	"github.com/mineclover/dependency-linker/internal/syntax"
)

// ScriptExtractor runs a Risor script as an extractor, so new fact kinds
// can ship without recompiling. The script sees three globals: path,
// language, and source (the file's text), and its final expression value
// becomes the fact payload, converted to generic Go values.
type ScriptExtractor struct {
	// PluginName is the registry name. Required.
	PluginName string
	// Source is the Risor program text. Required.
	Source string
	// Languages limits which files the script runs on. Empty means all.
	Languages []string
	// Kind labels the produced fact. Defaults to PluginName.
	Kind string
	// Description appears in the schema.
	Description string
}

func (s *ScriptExtractor) Name() string { return s.PluginName }

func (s *ScriptExtractor) Schema() Schema {
	kind := s.Kind
	if kind == "" {
		kind = s.PluginName
	}
	return Schema{Kind: kind, Version: 1, Description: s.Description}
}

func (s *ScriptExtractor) Supports(language string) bool {
	if len(s.Languages) == 0 {
		return true
	}
	for _, l := range s.Languages {
		if l == language {
			return true
		}
	}
	return false
}

func (s *ScriptExtractor) Extract(ctx context.Context, tree *syntax.Tree, path string) (any, error) {
	result, err := risor.Eval(ctx, s.Source,
		risor.WithGlobal("path", path),
		risor.WithGlobal("language", tree.Language),
		risor.WithGlobal("source", string(tree.Source)),
	)
	if err != nil {
		return nil, fmt.Errorf("deplink: script %s: %w", s.PluginName, err)
	}
	return result.Interface(), nil
}
