package deplink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mineclover/dependency-linker/internal/syntax"
)

func scriptTree(language, source string) *syntax.Tree {
	return &syntax.Tree{Language: language, Source: []byte(source)}
}

func TestScriptExtractorGlobals(t *testing.T) {
	t.Parallel()
	x := &ScriptExtractor{
		PluginName: "echo-path",
		Source:     `path`,
	}

	payload, err := x.Extract(context.Background(), scriptTree("go", "package main"), "/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "/src/main.go", payload)
}

func TestScriptExtractorComputesOverSource(t *testing.T) {
	t.Parallel()
	x := &ScriptExtractor{
		PluginName: "liner",
		Source:     `len(source.split("\n"))`,
	}

	payload, err := x.Extract(context.Background(), scriptTree("go", "a\nb\nc"), "f.go")
	require.NoError(t, err)
	assert.EqualValues(t, 3, payload)
}

func TestScriptExtractorListPayload(t *testing.T) {
	t.Parallel()
	x := &ScriptExtractor{
		PluginName: "tags",
		Source:     `["alpha", "beta"]`,
	}

	payload, err := x.Extract(context.Background(), scriptTree("python", "x = 1"), "f.py")
	require.NoError(t, err)
	list, ok := payload.([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"alpha", "beta"}, list)
}

func TestScriptExtractorError(t *testing.T) {
	t.Parallel()
	x := &ScriptExtractor{
		PluginName: "broken",
		Source:     `no_such_identifier`,
	}

	_, err := x.Extract(context.Background(), scriptTree("go", ""), "f.go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestScriptExtractorSupports(t *testing.T) {
	t.Parallel()
	all := &ScriptExtractor{PluginName: "all"}
	assert.True(t, all.Supports("go"))
	assert.True(t, all.Supports("python"))

	only := &ScriptExtractor{PluginName: "only", Languages: []string{"typescript"}}
	assert.True(t, only.Supports("typescript"))
	assert.False(t, only.Supports("go"))
}

func TestScriptExtractorSchemaDefaults(t *testing.T) {
	t.Parallel()
	x := &ScriptExtractor{PluginName: "custom"}
	assert.Equal(t, "custom", x.Schema().Kind)

	x.Kind = "metrics"
	assert.Equal(t, "metrics", x.Schema().Kind)
}

func TestScriptExtractorInEngine(t *testing.T) {
	t.Parallel()
	_, aPath, _ := writeProject(t)
	e := newTestEngine(t)
	e.RegisterExtractor(&ScriptExtractor{
		PluginName: "script-lines",
		Source:     `len(source.split("\n"))`,
	})

	rec, err := e.AnalyzeFile(context.Background(), aPath, DefaultConfig())
	require.NoError(t, err)
	require.False(t, rec.Failed(), "diagnostics: %v", rec.Diagnostics)

	fact, ok := rec.Facts["script-lines"]
	require.True(t, ok)
	assert.EqualValues(t, 4, fact.Payload)
}
