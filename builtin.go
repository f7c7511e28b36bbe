package deplink

import (
	"context"
	"sort"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/mineclover/dependency-linker/internal/syntax"
)

// Fact kinds produced by the built-in extractors. Custom extractors may
// emit the same kinds to feed the built-in interpreters and the graph.
const (
	FactKindImports     = "imports"
	FactKindExports     = "exports"
	FactKindIdentifiers = "identifiers"
)

// ImportDecl is one import found in a file. Specifier is the raw module
// reference as written; resolution to a path happens downstream.
type ImportDecl struct {
	Specifier string `json:"specifier"`
	Line      int    `json:"line"`
	Kind      string `json:"kind,omitempty"`
}

// ExportDecl is one name a file makes available to importers.
type ExportDecl struct {
	Name string `json:"name"`
	Line int    `json:"line"`
}

// IdentifierDecl is one top-level definition: a function, type, or class.
type IdentifierDecl struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Line int    `json:"line"`
}

// registerBuiltins installs the stock plugins on a fresh engine.
func registerBuiltins(e *Engine) {
	e.RegisterExtractor(&importsExtractor{})
	e.RegisterExtractor(&exportsExtractor{})
	e.RegisterExtractor(&identifiersExtractor{})
	e.RegisterInterpreter(&dependencyClassifier{})
}

// walk visits every node under root in document order. The visitor returns
// false to skip a node's children.
func walk(root *sitter.Node, visit func(n *sitter.Node) bool) {
	if root == nil {
		return
	}
	if !visit(root) {
		return
	}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		walk(root.NamedChild(i), visit)
	}
}

// unquote strips string-literal quoting from a specifier as written in
// source. Go literals unquote strictly; other languages trim the common
// quote characters.
func unquote(raw string) string {
	if s, err := strconv.Unquote(raw); err == nil {
		return s
	}
	return strings.Trim(raw, `"'`+"`")
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// importsExtractor collects import declarations across the supported
// grammars. It is the feed for dependency resolution and the graph.
type importsExtractor struct{}

func (importsExtractor) Name() string { return "imports" }

func (importsExtractor) Schema() Schema {
	return Schema{
		Kind:        FactKindImports,
		Version:     1,
		Description: "import declarations as written in source",
	}
}

func (importsExtractor) Supports(language string) bool {
	switch language {
	case "go", "typescript", "javascript", "python", "rust", "java":
		return true
	}
	return false
}

func (importsExtractor) Extract(_ context.Context, tree *syntax.Tree, _ string) (any, error) {
	var imports []ImportDecl
	add := func(n *sitter.Node, spec, kind string) {
		if spec == "" {
			return
		}
		imports = append(imports, ImportDecl{Specifier: spec, Line: line(n), Kind: kind})
	}

	switch tree.Language {
	case "go":
		walk(tree.Root(), func(n *sitter.Node) bool {
			if n.Type() == "import_spec" {
				if path := n.ChildByFieldName("path"); path != nil {
					add(n, unquote(tree.Text(path)), "import")
				}
				return false
			}
			return true
		})
	case "typescript", "javascript":
		walk(tree.Root(), func(n *sitter.Node) bool {
			switch n.Type() {
			case "import_statement":
				if src := n.ChildByFieldName("source"); src != nil {
					add(n, unquote(tree.Text(src)), "import")
				}
				return false
			case "export_statement":
				// Re-exports carry a source module too.
				if src := n.ChildByFieldName("source"); src != nil {
					add(n, unquote(tree.Text(src)), "reexport")
				}
				return true
			case "call_expression":
				fn := n.ChildByFieldName("function")
				args := n.ChildByFieldName("arguments")
				if fn != nil && args != nil && tree.Text(fn) == "require" && args.NamedChildCount() == 1 {
					arg := args.NamedChild(0)
					if arg.Type() == "string" {
						add(n, unquote(tree.Text(arg)), "require")
					}
				}
				return true
			}
			return true
		})
	case "python":
		walk(tree.Root(), func(n *sitter.Node) bool {
			switch n.Type() {
			case "import_statement":
				for i := 0; i < int(n.NamedChildCount()); i++ {
					child := n.NamedChild(i)
					switch child.Type() {
					case "dotted_name":
						add(n, tree.Text(child), "import")
					case "aliased_import":
						if name := child.ChildByFieldName("name"); name != nil {
							add(n, tree.Text(name), "import")
						}
					}
				}
				return false
			case "import_from_statement":
				if mod := n.ChildByFieldName("module_name"); mod != nil {
					add(n, tree.Text(mod), "from")
				}
				return false
			}
			return true
		})
	case "rust":
		walk(tree.Root(), func(n *sitter.Node) bool {
			if n.Type() == "use_declaration" {
				if arg := n.ChildByFieldName("argument"); arg != nil {
					add(n, tree.Text(arg), "use")
				}
				return false
			}
			return true
		})
	case "java":
		walk(tree.Root(), func(n *sitter.Node) bool {
			if n.Type() == "import_declaration" {
				for i := 0; i < int(n.NamedChildCount()); i++ {
					child := n.NamedChild(i)
					if child.Type() == "scoped_identifier" || child.Type() == "identifier" {
						add(n, tree.Text(child), "import")
						break
					}
				}
				return false
			}
			return true
		})
	}

	if len(imports) == 0 {
		return nil, nil
	}
	return imports, nil
}

// exportsExtractor collects the names a file exposes: exported Go
// identifiers, TS/JS export statements, public Python definitions.
type exportsExtractor struct{}

func (exportsExtractor) Name() string { return "exports" }

func (exportsExtractor) Schema() Schema {
	return Schema{
		Kind:        FactKindExports,
		Version:     1,
		Description: "names the file makes available to importers",
	}
}

func (exportsExtractor) Supports(language string) bool {
	switch language {
	case "go", "typescript", "javascript", "python":
		return true
	}
	return false
}

func (exportsExtractor) Extract(_ context.Context, tree *syntax.Tree, _ string) (any, error) {
	var exports []ExportDecl
	add := func(n *sitter.Node, name string) {
		if name == "" {
			return
		}
		exports = append(exports, ExportDecl{Name: name, Line: line(n)})
	}

	switch tree.Language {
	case "go":
		for _, def := range topLevelDefs(tree) {
			first := rune(def.Name[0])
			if first >= 'A' && first <= 'Z' {
				add(def.node, def.Name)
			}
		}
	case "typescript", "javascript":
		walk(tree.Root(), func(n *sitter.Node) bool {
			if n.Type() != "export_statement" {
				return true
			}
			if decl := n.ChildByFieldName("declaration"); decl != nil {
				if name := decl.ChildByFieldName("name"); name != nil {
					add(n, tree.Text(name))
				} else {
					// export const a = ..., b = ...
					for i := 0; i < int(decl.NamedChildCount()); i++ {
						d := decl.NamedChild(i)
						if d.Type() == "variable_declarator" {
							if name := d.ChildByFieldName("name"); name != nil {
								add(n, tree.Text(name))
							}
						}
					}
				}
			}
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if child.Type() == "export_clause" {
					for j := 0; j < int(child.NamedChildCount()); j++ {
						spec := child.NamedChild(j)
						if name := spec.ChildByFieldName("name"); name != nil {
							add(n, tree.Text(name))
						}
					}
				}
			}
			return false
		})
	case "python":
		for _, def := range topLevelDefs(tree) {
			if !strings.HasPrefix(def.Name, "_") {
				add(def.node, def.Name)
			}
		}
	}

	if len(exports) == 0 {
		return nil, nil
	}
	return exports, nil
}

// identifiersExtractor collects top-level definitions: functions, methods,
// types, and classes.
type identifiersExtractor struct{}

func (identifiersExtractor) Name() string { return "identifiers" }

func (identifiersExtractor) Schema() Schema {
	return Schema{
		Kind:        FactKindIdentifiers,
		Version:     1,
		Description: "top-level function, type, and class definitions",
	}
}

func (identifiersExtractor) Supports(language string) bool {
	switch language {
	case "go", "typescript", "javascript", "python", "rust", "java":
		return true
	}
	return false
}

func (identifiersExtractor) Extract(_ context.Context, tree *syntax.Tree, _ string) (any, error) {
	defs := topLevelDefs(tree)
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]IdentifierDecl, 0, len(defs))
	for _, def := range defs {
		out = append(out, IdentifierDecl{Name: def.Name, Kind: def.Kind, Line: def.Line})
	}
	return out, nil
}

type definition struct {
	Name string
	Kind string
	Line int
	node *sitter.Node
}

// defNodeKinds maps grammar node types to a definition kind label.
var defNodeKinds = map[string]string{
	"function_declaration":   "function",
	"method_declaration":     "method",
	"type_spec":              "type",
	"class_declaration":      "class",
	"function_definition":    "function",
	"class_definition":       "class",
	"function_item":          "function",
	"struct_item":            "type",
	"enum_item":              "type",
	"trait_item":             "type",
	"method_definition":      "method",
	"interface_declaration":  "type",
	"enum_declaration":       "type",
	"type_alias_declaration": "type",
}

func topLevelDefs(tree *syntax.Tree) []definition {
	var defs []definition
	walk(tree.Root(), func(n *sitter.Node) bool {
		kind, ok := defNodeKinds[n.Type()]
		if !ok {
			return true
		}
		name := n.ChildByFieldName("name")
		if name == nil || tree.Text(name) == "" {
			return true
		}
		defs = append(defs, definition{
			Name: tree.Text(name),
			Kind: kind,
			Line: line(n),
			node: n,
		})
		// Nested definitions (methods in classes) still get visited.
		return true
	})
	return defs
}

// DependencyClassification buckets a file's import specifiers by origin.
type DependencyClassification struct {
	Internal []string `json:"internal,omitempty"`
	External []string `json:"external,omitempty"`
	Builtin  []string `json:"builtin,omitempty"`
}

// dependencyClassifier interprets import facts into internal, external,
// and runtime-builtin buckets.
type dependencyClassifier struct{}

func (dependencyClassifier) Name() string { return "dependency-classifier" }

func (dependencyClassifier) Schema() Schema {
	return Schema{
		Kind:        "dependency-classification",
		Version:     1,
		Description: "imports bucketed as internal, external, or builtin",
	}
}

func (dependencyClassifier) Supports(dataKind string) bool {
	return dataKind == FactKindImports
}

func (dependencyClassifier) Interpret(_ context.Context, facts map[string]*Fact, ictx *InterpretContext) (any, error) {
	var out DependencyClassification
	seen := make(map[string]bool)
	for _, imp := range collectImports(facts) {
		if seen[imp.Specifier] {
			continue
		}
		seen[imp.Specifier] = true
		switch {
		case strings.HasPrefix(imp.Specifier, "./") || strings.HasPrefix(imp.Specifier, "../") || strings.HasPrefix(imp.Specifier, "/"):
			out.Internal = append(out.Internal, imp.Specifier)
		case isBuiltinModule(ictx.Language, imp.Specifier):
			out.Builtin = append(out.Builtin, imp.Specifier)
		default:
			out.External = append(out.External, imp.Specifier)
		}
	}
	sort.Strings(out.Internal)
	sort.Strings(out.External)
	sort.Strings(out.Builtin)
	return out, nil
}

// nodeBuiltins are the Node.js core modules, with or without the node:
// prefix.
var nodeBuiltins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "crypto": true,
	"events": true, "fs": true, "http": true, "https": true, "net": true,
	"os": true, "path": true, "process": true, "stream": true,
	"url": true, "util": true, "zlib": true,
}

var pythonBuiltins = map[string]bool{
	"abc": true, "asyncio": true, "collections": true, "dataclasses": true,
	"datetime": true, "functools": true, "io": true, "itertools": true,
	"json": true, "logging": true, "math": true, "os": true, "pathlib": true,
	"re": true, "subprocess": true, "sys": true, "threading": true,
	"time": true, "typing": true, "unittest": true,
}

func isBuiltinModule(language, specifier string) bool {
	switch language {
	case "go":
		// Stdlib import paths have no dot in their first segment.
		first, _, _ := strings.Cut(specifier, "/")
		return !strings.Contains(first, ".")
	case "typescript", "javascript":
		name := strings.TrimPrefix(specifier, "node:")
		name, _, _ = strings.Cut(name, "/")
		return nodeBuiltins[name]
	case "python":
		name, _, _ := strings.Cut(specifier, ".")
		return pythonBuiltins[name]
	case "rust":
		first, _, _ := strings.Cut(specifier, "::")
		return first == "std" || first == "core" || first == "alloc"
	case "java":
		return strings.HasPrefix(specifier, "java.") || strings.HasPrefix(specifier, "javax.")
	}
	return false
}
