package depgraph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFS returns a statFile func backed by a set of existing paths.
func fakeFS(paths ...string) func(string) bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return func(p string) bool { return set[p] }
}

func TestResolveExactPath(t *testing.T) {
	t.Parallel()
	r := NewResolver(".ts")
	r.statFile = fakeFS("/src/util.ts")

	res := r.Resolve("/src/app.ts", "./util.ts")
	assert.False(t, res.External)
	assert.Equal(t, "/src/util.ts", res.ResolvedPath)
}

func TestResolveAppendsExtension(t *testing.T) {
	t.Parallel()
	r := NewResolver(".ts", ".tsx")
	r.statFile = fakeFS("/src/button.tsx")

	res := r.Resolve("/src/app.ts", "./button")
	assert.False(t, res.External)
	assert.Equal(t, "/src/button.tsx", res.ResolvedPath)
}

func TestResolveIndexFile(t *testing.T) {
	t.Parallel()
	r := NewResolver(".ts")
	r.statFile = fakeFS("/src/components/index.ts")

	res := r.Resolve("/src/app.ts", "./components")
	assert.False(t, res.External)
	assert.Equal(t, "/src/components/index.ts", res.ResolvedPath)
}

func TestResolveProbeOrder(t *testing.T) {
	t.Parallel()
	// Exact match wins over extension probing, which wins over index.
	r := NewResolver(".ts")
	r.statFile = fakeFS("/src/x", "/src/x.ts", "/src/x/index.ts")

	res := r.Resolve("/src/app.ts", "./x")
	assert.Equal(t, "/src/x", res.ResolvedPath)

	r.statFile = fakeFS("/src/x.ts", "/src/x/index.ts")
	res = r.Resolve("/src/app.ts", "./x")
	assert.Equal(t, "/src/x.ts", res.ResolvedPath)
}

func TestResolveParentRelative(t *testing.T) {
	t.Parallel()
	r := NewResolver(".ts")
	r.statFile = fakeFS("/src/util.ts")

	res := r.Resolve("/src/nested/deep.ts", "../util")
	assert.False(t, res.External)
	assert.Equal(t, "/src/util.ts", res.ResolvedPath)
}

func TestResolveBareSpecifierIsExternal(t *testing.T) {
	t.Parallel()
	r := NewResolver(".ts")
	// Even a bare name that happens to exist on disk stays external.
	r.statFile = fakeFS("lodash")

	res := r.Resolve("/src/app.ts", "lodash")
	assert.True(t, res.External)
	assert.Empty(t, res.ResolvedPath)
}

func TestResolveMissingRelativeIsExternal(t *testing.T) {
	t.Parallel()
	r := NewResolver(".ts")
	r.statFile = fakeFS()

	res := r.Resolve("/src/app.ts", "./missing")
	assert.True(t, res.External)
}

func TestResolveEmptySpecifier(t *testing.T) {
	t.Parallel()
	r := NewResolver(".ts")
	res := r.Resolve("/src/app.ts", "")
	assert.True(t, res.External)
}

func TestResolveAgainstRealFilesystem(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	target := filepath.Join(dir, "util.ts")
	require.NoError(t, os.WriteFile(target, []byte("export const x = 1\n"), 0o644))

	r := NewResolver(DefaultExtensions("typescript")...)
	res := r.Resolve(filepath.Join(dir, "app.ts"), "./util")
	assert.False(t, res.External)
	assert.Equal(t, target, res.ResolvedPath)

	// A directory without an index file is not a resolution target.
	res = r.Resolve(filepath.Join(dir, "app.ts"), "./")
	assert.True(t, res.External)
}

func TestDefaultExtensions(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{".ts", ".tsx", ".js", ".jsx"}, DefaultExtensions("typescript"))
	assert.Equal(t, []string{".py"}, DefaultExtensions("python"))
	assert.Nil(t, DefaultExtensions("cobol"))
}
