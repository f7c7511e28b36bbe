// Package depgraph resolves import specifiers against the filesystem and
// accumulates the cross-file dependency graph, including cycle detection.
package depgraph

import (
	"os"
	"path/filepath"
	"strings"
)

// External is the sentinel target for edges whose specifier does not map to
// a file in the analyzed tree (package imports, standard library, etc).
const External = "external"

// Resolution is the outcome of resolving one specifier.
type Resolution struct {
	Specifier    string
	ResolvedPath string // empty when External
	External     bool
}

// Resolver maps import specifiers to files on disk. The zero value resolves
// exact paths only; Extensions adds the per-language suffix probing.
type Resolver struct {
	// Extensions are tried in order after the exact path, then again under
	// specifier + "/index".
	Extensions []string

	// statFile reports whether a path exists as a regular file.
	// Overridable in tests.
	statFile func(string) bool
}

// NewResolver creates a Resolver probing the given extensions.
func NewResolver(extensions ...string) *Resolver {
	return &Resolver{Extensions: extensions}
}

func (r *Resolver) exists(path string) bool {
	if r.statFile != nil {
		return r.statFile(path)
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Resolve resolves specifier relative to the importing file fromFile.
// Relative and absolute specifiers are probed as: exact path, then
// path+extension for each configured extension, then path+"/index"+extension.
// Non-relative specifiers that probe to nothing are classified external,
// never an error.
func (r *Resolver) Resolve(fromFile, specifier string) Resolution {
	if specifier == "" {
		return Resolution{Specifier: specifier, External: true}
	}

	relative := strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../")
	var base string
	switch {
	case relative:
		base = filepath.Join(filepath.Dir(fromFile), specifier)
	case filepath.IsAbs(specifier):
		base = filepath.Clean(specifier)
	default:
		// Bare specifier: a package or module name, always external.
		return Resolution{Specifier: specifier, External: true}
	}

	if path, ok := r.probe(base); ok {
		return Resolution{Specifier: specifier, ResolvedPath: path}
	}
	return Resolution{Specifier: specifier, External: true}
}

// probe tries base, base+ext, then base/index+ext.
func (r *Resolver) probe(base string) (string, bool) {
	if r.exists(base) {
		return base, true
	}
	for _, ext := range r.Extensions {
		if p := base + ext; r.exists(p) {
			return p, true
		}
	}
	index := filepath.Join(base, "index")
	for _, ext := range r.Extensions {
		if p := index + ext; r.exists(p) {
			return p, true
		}
	}
	return "", false
}

// DefaultExtensions returns the probe suffixes for a canonical language name.
func DefaultExtensions(language string) []string {
	switch language {
	case "typescript":
		return []string{".ts", ".tsx", ".js", ".jsx"}
	case "javascript":
		return []string{".js", ".jsx", ".mjs"}
	case "python":
		return []string{".py"}
	case "go":
		return []string{".go"}
	case "rust":
		return []string{".rs"}
	case "java":
		return []string{".java"}
	default:
		return nil
	}
}
