package emitter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedPacerWaitsInterval(t *testing.T) {
	p := FixedPacer{Interval: 15 * time.Millisecond}

	start := time.Now()
	require.NoError(t, p.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestFixedPacerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := FixedPacer{Interval: time.Hour}.Wait(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestZeroIntervalPacers(t *testing.T) {
	assert.NoError(t, FixedPacer{}.Wait(context.Background()))
	assert.NoError(t, NoPacer{}.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, FixedPacer{}.Wait(ctx), context.Canceled)
	assert.ErrorIs(t, NoPacer{}.Wait(ctx), context.Canceled)
}

func TestRatePacerSpacesChunks(t *testing.T) {
	interval := 20 * time.Millisecond
	p := NewRatePacer(interval, 1)

	start := time.Now()
	require.NoError(t, p.Wait(context.Background()))
	require.NoError(t, p.Wait(context.Background()))

	// two gaps, allowing for timer slack
	assert.GreaterOrEqual(t, time.Since(start), 2*interval-5*time.Millisecond)
}

func TestRatePacerUnlimited(t *testing.T) {
	p := NewRatePacer(0, 0)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestRatePacerHonoursCancellation(t *testing.T) {
	p := NewRatePacer(time.Hour, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, p.Wait(ctx))
}

func TestEmitWithRatePacer(t *testing.T) {
	sink := &collectingSink{}
	e := newEmitter(t, 100, WithPacer(NewRatePacer(5*time.Millisecond, 1)))

	report, err := e.Emit(context.Background(), document(450), sink)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Chunks)
	assert.Equal(t, document(450).Bytes(), sink.joined())
}
