package deplink

import (
	"encoding/json"
	"time"
)

// DiagnosticKind classifies an expected per-file failure. All kinds except
// configuration errors are captured into the file's AnalysisRecord and
// never returned as Go errors.
type DiagnosticKind string

const (
	DiagFileNotFound        DiagnosticKind = "FileNotFound"
	DiagInvalidFileType     DiagnosticKind = "InvalidFileType"
	DiagParseTimeout        DiagnosticKind = "ParseTimeout"
	DiagParseError          DiagnosticKind = "ParseError"
	DiagExtractionError     DiagnosticKind = "ExtractionError"
	DiagInterpretationError DiagnosticKind = "InterpretationError"
	DiagResourceExhausted   DiagnosticKind = "ResourceExhausted"
)

// Diagnostic is one captured failure or warning from a pipeline run.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Plugin  string         `json:"plugin,omitempty"`
	Message string         `json:"message"`
}

// Fact is one extractor's structured output.
type Fact struct {
	Plugin  string `json:"plugin"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// Interpretation is one interpreter's derived output.
type Interpretation struct {
	Plugin  string `json:"plugin"`
	Payload any    `json:"payload"`
}

// StageMetrics records the duration of one pipeline stage. Plugin is set
// for per-extractor and per-interpreter stages.
type StageMetrics struct {
	Stage    string        `json:"stage"`
	Plugin   string        `json:"plugin,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// DependencyEdge is one resolved or external import recorded for the file.
type DependencyEdge struct {
	From      string `json:"from"`
	Specifier string `json:"specifier"`
	To        string `json:"to"` // resolved path, or "external"
	Kind      string `json:"kind"`
	External  bool   `json:"external"`
}

// AnalysisRecord is the complete output of one file's pipeline run. A record
// is frozen once the engine returns it: consumers must not mutate facts or
// results, and cache hits hand back fresh copies of the container maps.
type AnalysisRecord struct {
	ID              string                     `json:"id"`
	Path            string                     `json:"path"`
	Language        string                     `json:"language,omitempty"`
	Fingerprint     string                     `json:"fingerprint,omitempty"`
	ModTime         time.Time                  `json:"mod_time,omitempty"`
	ConfigSignature string                     `json:"config_signature"`
	FromCache       bool                       `json:"from_cache"`
	Facts           map[string]*Fact           `json:"facts,omitempty"`
	Results         map[string]*Interpretation `json:"results,omitempty"`
	Edges           []DependencyEdge           `json:"edges,omitempty"`
	Diagnostics     []Diagnostic               `json:"diagnostics,omitempty"`
	Metrics         []StageMetrics             `json:"metrics,omitempty"`
	MemoryBytes     uint64                     `json:"memory_bytes,omitempty"`
	Duration        time.Duration              `json:"duration_ns"`
	CreatedAt       time.Time                  `json:"created_at"`
}

// Clone returns a copy safe to hand to a caller: the container maps and
// slices are fresh, the frozen payloads are shared.
func (r *AnalysisRecord) Clone() *AnalysisRecord {
	out := *r
	if r.Facts != nil {
		out.Facts = make(map[string]*Fact, len(r.Facts))
		for k, v := range r.Facts {
			out.Facts[k] = v
		}
	}
	if r.Results != nil {
		out.Results = make(map[string]*Interpretation, len(r.Results))
		for k, v := range r.Results {
			out.Results[k] = v
		}
	}
	out.Edges = append([]DependencyEdge(nil), r.Edges...)
	out.Diagnostics = append([]Diagnostic(nil), r.Diagnostics...)
	out.Metrics = append([]StageMetrics(nil), r.Metrics...)
	return &out
}

// HasDiagnostic reports whether the record carries a diagnostic of kind.
func (r *AnalysisRecord) HasDiagnostic(kind DiagnosticKind) bool {
	for _, d := range r.Diagnostics {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// Failed reports whether the run produced any diagnostic at all.
func (r *AnalysisRecord) Failed() bool {
	return len(r.Diagnostics) > 0
}

// approxWeight estimates the record's memory footprint for cache accounting.
// Serialization size is a stable, cheap-enough proxy.
func (r *AnalysisRecord) approxWeight() int64 {
	data, err := json.Marshal(r)
	if err != nil {
		return 1024
	}
	return int64(len(data))
}
