package governor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(fraction float64) Sample {
	return Sample{
		Time:           time.Now(),
		MemoryBytes:    uint64(fraction * 100),
		MemoryFraction: fraction,
	}
}

func TestTierForBoundaries(t *testing.T) {
	t.Parallel()
	g := New(10, 100, Thresholds{})

	assert.Equal(t, TierNormal, g.tierFor(0.0))
	assert.Equal(t, TierNormal, g.tierFor(0.59))
	assert.Equal(t, Tier60, g.tierFor(0.60))
	assert.Equal(t, Tier80, g.tierFor(0.80))
	assert.Equal(t, Tier90, g.tierFor(0.90))
	assert.Equal(t, Tier95, g.tierFor(0.95))
	assert.Equal(t, Tier95, g.tierFor(1.20))
}

func TestDowngradeIsImmediate(t *testing.T) {
	t.Parallel()
	g := New(10, 100, Thresholds{})

	require.Equal(t, 10, g.Target())

	g.Ingest(sample(0.65))
	assert.Equal(t, Tier60, g.CurrentTier())
	assert.Equal(t, 7, g.Target())

	g.Ingest(sample(0.85))
	assert.Equal(t, Tier80, g.CurrentTier())
	assert.Equal(t, 5, g.Target())

	g.Ingest(sample(0.92))
	assert.Equal(t, Tier90, g.CurrentTier())
	assert.Equal(t, 3, g.Target())

	g.Ingest(sample(0.97))
	assert.Equal(t, Tier95, g.CurrentTier())
	assert.Equal(t, 3, g.Target())
}

func TestTargetNeverBelowFloor(t *testing.T) {
	t.Parallel()
	g := New(4, 100, Thresholds{})

	g.Ingest(sample(0.92))
	// 4 * 0.30 rounds to 1; the floor of 2 holds.
	assert.Equal(t, 2, g.Target())

	// A max below the floor caps the floor.
	g2 := New(1, 100, Thresholds{})
	g2.Ingest(sample(0.92))
	assert.Equal(t, 1, g2.Target())
}

func TestUpgradeRequiresConsecutiveImprovement(t *testing.T) {
	t.Parallel()
	g := New(10, 100, Thresholds{ImprovementSamples: 3})

	g.Ingest(sample(0.85))
	require.Equal(t, Tier80, g.CurrentTier())

	g.Ingest(sample(0.40))
	g.Ingest(sample(0.40))
	assert.Equal(t, Tier80, g.CurrentTier(), "two improving samples are not enough")

	g.Ingest(sample(0.40))
	assert.Equal(t, TierNormal, g.CurrentTier())
	assert.Equal(t, 10, g.Target())
}

func TestEqualTierResetsImprovement(t *testing.T) {
	t.Parallel()
	g := New(10, 100, Thresholds{ImprovementSamples: 2})

	g.Ingest(sample(0.85))
	g.Ingest(sample(0.40)) // improving 1
	g.Ingest(sample(0.85)) // back at tier, reset
	g.Ingest(sample(0.40)) // improving 1
	assert.Equal(t, Tier80, g.CurrentTier())

	g.Ingest(sample(0.40)) // improving 2
	assert.Equal(t, TierNormal, g.CurrentTier())
}

func TestForcedReclaimOncePerCrossing(t *testing.T) {
	t.Parallel()
	var reclaims atomic.Int64
	g := New(10, 100, Thresholds{ImprovementSamples: 2},
		WithReclaimFunc(func() { reclaims.Add(1) }))

	g.Ingest(sample(0.97))
	assert.Equal(t, int64(1), reclaims.Load())

	// Staying at the halt tier never re-forces.
	g.Ingest(sample(0.98))
	g.Ingest(sample(0.99))
	assert.Equal(t, int64(1), reclaims.Load())

	// Recover, then cross again: exactly one more.
	g.Ingest(sample(0.40))
	g.Ingest(sample(0.40))
	require.Equal(t, TierNormal, g.CurrentTier())
	g.Ingest(sample(0.97))
	assert.Equal(t, int64(2), reclaims.Load())
	assert.Equal(t, int64(2), g.State().Reclaims)
}

func TestTier95RecoveryRequiresBelowTier90(t *testing.T) {
	t.Parallel()
	g := New(10, 100, Thresholds{ImprovementSamples: 2})

	g.Ingest(sample(0.97))
	require.Equal(t, Tier95, g.CurrentTier())

	// Readings back in Tier90 territory do not count as improvement.
	g.Ingest(sample(0.92))
	g.Ingest(sample(0.92))
	g.Ingest(sample(0.92))
	assert.Equal(t, Tier95, g.CurrentTier())

	g.Ingest(sample(0.40))
	g.Ingest(sample(0.40))
	assert.Equal(t, TierNormal, g.CurrentTier())
}

func TestAdvisoryRequestOnTier90Entry(t *testing.T) {
	t.Parallel()
	var requests atomic.Int64
	g := New(10, 100, Thresholds{},
		WithReclaimRequestFunc(func() { requests.Add(1) }))

	g.Ingest(sample(0.92))
	assert.Equal(t, int64(1), requests.Load())

	// Staying at the tier is not a new entry.
	g.Ingest(sample(0.93))
	assert.Equal(t, int64(1), requests.Load())
}

func TestZeroCeilingDisablesTiering(t *testing.T) {
	t.Parallel()
	g := New(5, 0, Thresholds{})

	g.Ingest(Sample{Time: time.Now(), MemoryBytes: 1 << 40})
	assert.Equal(t, TierNormal, g.CurrentTier())
	assert.Equal(t, 5, g.Target())
}

func TestAdmitEnforcesConcurrency(t *testing.T) {
	t.Parallel()
	g := New(2, 0, Thresholds{SampleInterval: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, g.Admit(ctx))
	require.NoError(t, g.Admit(ctx))

	admitted := make(chan struct{})
	go func() {
		if err := g.Admit(ctx); err == nil {
			close(admitted)
		}
	}()

	select {
	case <-admitted:
		t.Fatal("third admission should block at max concurrency")
	case <-time.After(100 * time.Millisecond):
	}

	g.Release()
	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatal("admission should proceed after a release")
	}

	st := g.State()
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 0, st.Queued)
}

func TestAdmitContextCancellation(t *testing.T) {
	t.Parallel()
	g := New(1, 0, Thresholds{SampleInterval: 10 * time.Millisecond})
	require.NoError(t, g.Admit(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Admit(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled admission should return")
	}
	assert.Equal(t, 0, g.State().Queued)
}

func TestHaltedAdmissionExhausts(t *testing.T) {
	t.Parallel()
	g := New(10, 100, Thresholds{
		SampleInterval:   10 * time.Millisecond,
		MaxAdmissionWait: 60 * time.Millisecond,
	})
	g.Ingest(sample(0.97))
	require.Equal(t, Tier95, g.CurrentTier())

	err := g.Admit(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 0, g.State().Queued)
}

func TestPausedAdmissionFallsThrough(t *testing.T) {
	t.Parallel()
	g := New(10, 100, Thresholds{
		SampleInterval:   10 * time.Millisecond,
		MaxAdmissionWait: 50 * time.Millisecond,
		ThrottleDelay:    time.Millisecond,
	})
	g.Ingest(sample(0.92))
	require.Equal(t, Tier90, g.CurrentTier())

	// The pause holds only up to the wait bound, then the admission
	// degrades to the plain concurrency check.
	start := time.Now()
	require.NoError(t, g.Admit(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	g.Release()
}

func TestAdmitResumesOnRecovery(t *testing.T) {
	t.Parallel()
	g := New(10, 100, Thresholds{
		SampleInterval:     10 * time.Millisecond,
		ImprovementSamples: 1,
		ThrottleDelay:      time.Millisecond,
	})
	g.Ingest(sample(0.97))

	admitted := make(chan error, 1)
	go func() { admitted <- g.Admit(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	g.Ingest(sample(0.40))

	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("admission should resume once pressure clears")
	}
	g.Release()
}

func TestSampleWindow(t *testing.T) {
	t.Parallel()
	g := New(10, 100, Thresholds{})
	for i := 0; i < 5; i++ {
		g.Ingest(sample(0.10))
	}
	assert.Len(t, g.Window(), 5)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	g := New(4, 1<<30, Thresholds{SampleInterval: 5 * time.Millisecond})
	g.Start()
	time.Sleep(30 * time.Millisecond)
	g.Stop()

	assert.NotEmpty(t, g.Window())
	// Stop is idempotent.
	g.Stop()
}
