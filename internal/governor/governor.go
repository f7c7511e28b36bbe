// Package governor implements adaptive resource governance for batch
// analysis: a cadenced memory sampler, a tiered throttling state machine
// with hysteresis, and an admission gate that bounds in-flight work.
package governor

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mineclover/dependency-linker/internal/common"
	"github.com/mineclover/dependency-linker/internal/telemetry"
)

// Tier is the governor's pressure state. Higher tiers throttle harder.
type Tier int

const (
	TierNormal Tier = iota
	Tier60
	Tier80
	Tier90
	Tier95
)

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case Tier60:
		return "tier60"
	case Tier80:
		return "tier80"
	case Tier90:
		return "tier90"
	case Tier95:
		return "tier95"
	}
	return "unknown"
}

// ErrExhausted is returned by Admit when admission stayed halted past the
// configured maximum wait. Callers surface it as a per-file diagnostic.
var ErrExhausted = errors.New("governor: admission wait exhausted")

// Sample is one point-in-time load reading.
type Sample struct {
	Time           time.Time
	MemoryBytes    uint64
	MemoryFraction float64 // MemoryBytes / ceiling; 0 when no ceiling
	Active         int
	Queued         int
	Goroutines     int
}

// Thresholds configures the tier boundaries and recovery behavior.
// Zero fields take defaults; fractions are of the memory ceiling.
type Thresholds struct {
	Tier60 float64 // default 0.60
	Tier80 float64 // default 0.80
	Tier90 float64 // default 0.90
	Tier95 float64 // default 0.95

	// Concurrency factors applied against max concurrency per tier.
	Factor60 float64 // default 0.70
	Factor80 float64 // default 0.50
	Factor90 float64 // default 0.30

	// Floor is the minimum concurrency target while throttled. Default 2.
	Floor int

	// ImprovementSamples is how many consecutive improving samples are
	// required before the tier is lowered. Default 3.
	ImprovementSamples int

	// SampleInterval is the sampling cadence. Default 250ms.
	SampleInterval time.Duration

	// ThrottleDelay is the admission delay applied at Tier80 and above.
	// Default 50ms.
	ThrottleDelay time.Duration

	// MaxAdmissionWait bounds how long one admission may stay paused or
	// halted before giving up. Default 30s.
	MaxAdmissionWait time.Duration
}

func (t Thresholds) withDefaults() Thresholds {
	def := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&t.Tier60, 0.60)
	def(&t.Tier80, 0.80)
	def(&t.Tier90, 0.90)
	def(&t.Tier95, 0.95)
	def(&t.Factor60, 0.70)
	def(&t.Factor80, 0.50)
	def(&t.Factor90, 0.30)
	if t.Floor <= 0 {
		t.Floor = 2
	}
	if t.ImprovementSamples <= 0 {
		t.ImprovementSamples = 3
	}
	if t.SampleInterval <= 0 {
		t.SampleInterval = 250 * time.Millisecond
	}
	if t.ThrottleDelay <= 0 {
		t.ThrottleDelay = 50 * time.Millisecond
	}
	if t.MaxAdmissionWait <= 0 {
		t.MaxAdmissionWait = 30 * time.Second
	}
	return t
}

// Option configures a Governor.
type Option func(*Governor)

// WithMemoryFunc replaces the heap sampler. Tests feed synthetic readings.
func WithMemoryFunc(fn func() uint64) Option {
	return func(g *Governor) { g.memFn = fn }
}

// WithReclaimFunc replaces the forced-reclamation hook. The default returns
// memory to the OS via debug.FreeOSMemory.
func WithReclaimFunc(fn func()) Option {
	return func(g *Governor) { g.reclaimFn = fn }
}

// WithReclaimRequestFunc installs a host hook invoked when Tier90 is
// entered. Unlike the forced hook, requests are advisory; no default.
func WithReclaimRequestFunc(fn func()) Option {
	return func(g *Governor) { g.requestFn = fn }
}

// Governor gates admission of per-file analyses against a memory ceiling.
type Governor struct {
	ceiling uint64
	max     int
	thr     Thresholds
	log     *slog.Logger

	memFn     func() uint64
	reclaimFn func()
	requestFn func()

	mu        sync.Mutex
	cond      *sync.Cond
	tier      Tier
	target    int
	active    int
	queued    int
	improving int
	window    []Sample
	reclaims  int64

	stopCh chan struct{}
	doneCh chan struct{}
}

const windowSize = 120

// New creates a Governor for maxConcurrency workers against ceilingBytes.
// A zero ceiling disables tiering: the gate only enforces maxConcurrency.
func New(maxConcurrency int, ceilingBytes uint64, thr Thresholds, opts ...Option) *Governor {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	g := &Governor{
		ceiling:   ceilingBytes,
		max:       maxConcurrency,
		thr:       thr.withDefaults(),
		log:       common.ComponentLogger("governor"),
		memFn:     telemetry.UpdateMemoryUsage,
		reclaimFn: debug.FreeOSMemory,
		tier:      TierNormal,
		target:    maxConcurrency,
	}
	g.cond = sync.NewCond(&g.mu)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches the sampling loop. Stop must be called to release it.
func (g *Governor) Start() {
	g.mu.Lock()
	if g.stopCh != nil {
		g.mu.Unlock()
		return
	}
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	stop, done := g.stopCh, g.doneCh
	g.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(g.thr.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.Ingest(g.takeSample())
			}
		}
	}()
}

// Stop halts the sampling loop and wakes any waiters.
func (g *Governor) Stop() {
	g.mu.Lock()
	stop, done := g.stopCh, g.doneCh
	g.stopCh, g.doneCh = nil, nil
	g.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	g.cond.Broadcast()
}

func (g *Governor) takeSample() Sample {
	usage := g.memFn()
	g.mu.Lock()
	active, queued := g.active, g.queued
	g.mu.Unlock()

	s := Sample{
		Time:        time.Now(),
		MemoryBytes: usage,
		Active:      active,
		Queued:      queued,
		Goroutines:  runtime.NumGoroutine(),
	}
	if g.ceiling > 0 {
		s.MemoryFraction = float64(usage) / float64(g.ceiling)
	}
	return s
}

// tierFor maps a memory fraction to its pressure tier.
func (g *Governor) tierFor(fraction float64) Tier {
	switch {
	case fraction >= g.thr.Tier95:
		return Tier95
	case fraction >= g.thr.Tier90:
		return Tier90
	case fraction >= g.thr.Tier80:
		return Tier80
	case fraction >= g.thr.Tier60:
		return Tier60
	}
	return TierNormal
}

// targetFor computes the concurrency target for a tier, never below the
// configured floor (capped by max when max itself is below the floor).
func (g *Governor) targetFor(t Tier) int {
	factor := 1.0
	switch t {
	case Tier60:
		factor = g.thr.Factor60
	case Tier80:
		factor = g.thr.Factor80
	case Tier90, Tier95:
		factor = g.thr.Factor90
	}
	target := int(float64(g.max) * factor)
	floor := g.thr.Floor
	if floor > g.max {
		floor = g.max
	}
	if target < floor {
		target = floor
	}
	return target
}

// Ingest applies one resource sample to the state machine. Downgrades take
// effect immediately; upgrades require ImprovementSamples consecutive
// samples whose tier is below the current one (and, out of Tier95, a
// reading back under the Tier90 boundary).
func (g *Governor) Ingest(s Sample) {
	g.mu.Lock()

	g.window = append(g.window, s)
	if len(g.window) > windowSize {
		g.window = g.window[1:]
	}

	if g.ceiling == 0 {
		g.mu.Unlock()
		return
	}

	observed := g.tierFor(s.MemoryFraction)
	var forced bool

	switch {
	case observed > g.tier:
		prev := g.tier
		g.tier = observed
		g.target = g.targetFor(observed)
		g.improving = 0
		forced = observed == Tier95
		g.log.Warn("pressure tier raised",
			"from", prev.String(), "to", observed.String(),
			"memory_fraction", s.MemoryFraction, "target", g.target)
		if observed == Tier90 && g.requestFn != nil {
			// Advisory request only; forcing is reserved for Tier95.
			g.requestFn()
		}
	case observed < g.tier:
		// Tier95 recovery additionally requires the reading to be back
		// under the Tier90 boundary before it counts as improvement.
		if g.tier == Tier95 && s.MemoryFraction >= g.thr.Tier90 {
			g.improving = 0
			break
		}
		g.improving++
		if g.improving >= g.thr.ImprovementSamples {
			prev := g.tier
			g.tier = observed
			g.target = g.targetFor(observed)
			g.improving = 0
			g.log.Info("pressure tier lowered",
				"from", prev.String(), "to", observed.String(), "target", g.target)
		}
	default:
		g.improving = 0
	}

	g.mu.Unlock()
	g.cond.Broadcast()

	if forced {
		g.forceReclaim(s)
	}
}

// forceReclaim runs the reclamation hook and emits the critical alert.
// Called once per upward crossing into Tier95.
func (g *Governor) forceReclaim(s Sample) {
	g.mu.Lock()
	g.reclaims++
	g.mu.Unlock()
	telemetry.RecordReclaim()
	g.log.Error("critical memory pressure, forcing reclamation",
		"memory_bytes", s.MemoryBytes, "memory_fraction", s.MemoryFraction,
		"ceiling", g.ceiling)
	if g.reclaimFn != nil {
		g.reclaimFn()
	}
}

// Admit blocks until the caller may start one unit of work, applying the
// active tier's policy: concurrency ceiling at every tier, an extra delay
// at Tier80, pause at Tier90, halt at Tier95. Returns ctx.Err on
// cancellation and ErrExhausted when halted longer than MaxAdmissionWait.
// Every successful Admit must be paired with Release.
func (g *Governor) Admit(ctx context.Context) error {
	deadline := time.Now().Add(g.thr.MaxAdmissionWait)

	// Wake waiters on ctx cancellation.
	stopWatch := context.AfterFunc(ctx, func() { g.cond.Broadcast() })
	defer stopWatch()

	g.mu.Lock()
	g.queued++
	paused := false
	for {
		if err := ctx.Err(); err != nil {
			g.queued--
			g.mu.Unlock()
			return err
		}

		switch {
		case g.tier == Tier95:
			if time.Now().After(deadline) {
				g.queued--
				g.mu.Unlock()
				return ErrExhausted
			}
			if !paused {
				paused = true
				telemetry.RecordAdmissionPause()
			}
		case g.tier == Tier90:
			// Paused until the tier drops or the wait bound elapses;
			// after the bound, fall through to the concurrency check.
			if !time.Now().After(deadline) {
				if !paused {
					paused = true
					telemetry.RecordAdmissionPause()
				}
				break
			}
			fallthrough
		default:
			if g.active < g.target {
				g.active++
				g.queued--
				throttled := g.tier >= Tier80
				g.mu.Unlock()
				if throttled {
					// Small admission delay while under pressure.
					select {
					case <-time.After(g.thr.ThrottleDelay):
					case <-ctx.Done():
						g.Release()
						return ctx.Err()
					}
				}
				return nil
			}
		}

		g.waitLocked()
	}
}

// waitLocked waits on the condition with a periodic self-wake so deadline
// checks cannot stall when no state change arrives.
func (g *Governor) waitLocked() {
	timer := time.AfterFunc(g.thr.SampleInterval, g.cond.Broadcast)
	g.cond.Wait()
	timer.Stop()
}

// Release returns one admission slot.
func (g *Governor) Release() {
	g.mu.Lock()
	if g.active > 0 {
		g.active--
	}
	g.mu.Unlock()
	g.cond.Broadcast()
}

// State is a point-in-time view of the governor for stats reporting.
type State struct {
	Tier     string
	Target   int
	Max      int
	Active   int
	Queued   int
	Reclaims int64
}

// State returns the current governor state.
func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Tier:     g.tier.String(),
		Target:   g.target,
		Max:      g.max,
		Active:   g.active,
		Queued:   g.queued,
		Reclaims: g.reclaims,
	}
}

// Target returns the current concurrency target.
func (g *Governor) Target() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.target
}

// CurrentTier returns the active pressure tier.
func (g *Governor) CurrentTier() Tier {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tier
}

// Window returns a copy of the rolling sample window.
func (g *Governor) Window() []Sample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sample(nil), g.window...)
}
