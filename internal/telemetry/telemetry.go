// Package telemetry publishes process-wide counters for the analysis
// pipeline via expvar. Everything is safe for concurrent use.
package telemetry

import (
	"expvar"
	"runtime"
	"sync"
	"time"
)

var (
	initOnce sync.Once

	analysesTotal    *expvar.Int
	analysesFailed   *expvar.Int
	analysisMS       *expvar.Int
	cacheHitsTotal   *expvar.Int
	cacheMissesTotal *expvar.Int
	cacheEvictions   *expvar.Int
	reclaimsForced   *expvar.Int
	admissionsPaused *expvar.Int
	memoryUsageVar   *expvar.Int
)

func ensureInit() {
	initOnce.Do(func() {
		analysesTotal = expvar.NewInt("deplink_analyses_total")
		analysesFailed = expvar.NewInt("deplink_analyses_failed")
		analysisMS = expvar.NewInt("deplink_analysis_latency_ms")
		cacheHitsTotal = expvar.NewInt("deplink_cache_hits_total")
		cacheMissesTotal = expvar.NewInt("deplink_cache_misses_total")
		cacheEvictions = expvar.NewInt("deplink_cache_evictions_total")
		reclaimsForced = expvar.NewInt("deplink_reclaims_forced_total")
		admissionsPaused = expvar.NewInt("deplink_admissions_paused_total")
		memoryUsageVar = expvar.NewInt("deplink_memory_usage_bytes")
	})
}

// RecordAnalysis counts one completed per-file pipeline run.
func RecordAnalysis(failed bool, duration time.Duration) {
	ensureInit()
	analysesTotal.Add(1)
	if failed {
		analysesFailed.Add(1)
	}
	if duration > 0 {
		analysisMS.Add(duration.Milliseconds())
	}
}

// RecordCacheLookup counts one cache get.
func RecordCacheLookup(hit bool) {
	ensureInit()
	if hit {
		cacheHitsTotal.Add(1)
	} else {
		cacheMissesTotal.Add(1)
	}
}

// RecordEviction counts cache entries evicted by the LRU or memory ceiling.
func RecordEviction(n int) {
	ensureInit()
	if n > 0 {
		cacheEvictions.Add(int64(n))
	}
}

// RecordReclaim counts one forced memory reclamation.
func RecordReclaim() {
	ensureInit()
	reclaimsForced.Add(1)
}

// RecordAdmissionPause counts one batch admission pause or halt.
func RecordAdmissionPause() {
	ensureInit()
	admissionsPaused.Add(1)
}

// UpdateMemoryUsage samples the Go heap and publishes the reading.
// Returns the in-use heap bytes.
func UpdateMemoryUsage() uint64 {
	ensureInit()
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	usage := stats.HeapInuse
	memoryUsageVar.Set(int64(usage))
	return usage
}
