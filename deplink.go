// Package deplink analyzes source files for their dependency structure.
//
// The pipeline parses a file into a syntax tree, fans registered extractors
// out over the tree to collect facts, then runs interpreters over the
// collected facts. Results are cached by content fingerprint and plugin
// configuration, so re-analyzing unchanged files is cheap. Resolved imports
// accumulate into a project-wide dependency graph with cycle detection.
//
// Batch analysis runs under an adaptive governor that watches process
// memory against a configured ceiling and throttles, pauses, or reclaims
// as pressure rises.
package deplink

import (
	"github.com/mineclover/dependency-linker/internal/depgraph"
	"github.com/mineclover/dependency-linker/internal/governor"
)

// AdaptiveThresholds configures the batch governor's pressure tiers and
// throttle factors. The zero value selects the defaults.
type AdaptiveThresholds = governor.Thresholds

// ErrExhausted is returned from batch admission when memory pressure keeps
// new work halted past the configured wait.
var ErrExhausted = governor.ErrExhausted

// GraphSnapshot is a consistent point-in-time view of the dependency
// graph: nodes, edges, and detected cycles.
type GraphSnapshot = depgraph.Snapshot

// GraphEdge is one resolved dependency edge in the graph.
type GraphEdge = depgraph.Edge

// ExternalNode is the sentinel target for edges whose specifier could not
// be resolved inside the project.
const ExternalNode = depgraph.External
