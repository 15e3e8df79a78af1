package emitter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

// collectingSink records every chunk it accepts
type collectingSink struct {
	mu     sync.Mutex
	chunks []domain.Chunk
}

func (s *collectingSink) Accept(_ context.Context, chunk domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *collectingSink) joined() []byte {
	var buf bytes.Buffer
	for _, c := range s.chunks {
		buf.Write(c.Payload)
	}
	return buf.Bytes()
}

func document(size int) *domain.CompositeDocument {
	content := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(size)))
	for i := range content {
		content[i] = byte('a' + rng.Intn(26))
	}
	return domain.NewCompositeDocument(content, "text/html; charset=utf-8", "test", 1)
}

func newEmitter(t *testing.T, size int, opts ...Option) *Emitter {
	t.Helper()
	opts = append([]Option{WithPace(0), WithLogger(zaptest.NewLogger(t))}, opts...)
	e, err := New(size, opts...)
	require.NoError(t, err)
	return e
}

func TestEmitSplitsIntoBoundedChunks(t *testing.T) {
	sink := &collectingSink{}
	e := newEmitter(t, 2000)

	report, err := e.Emit(context.Background(), document(4500), sink)
	require.NoError(t, err)

	require.Len(t, sink.chunks, 3)
	lengths := make([]int, 0, 3)
	finals := make([]bool, 0, 3)
	for i, c := range sink.chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, e.StreamID(), c.StreamID)
		lengths = append(lengths, len(c.Payload))
		finals = append(finals, c.Final)
	}
	assert.Equal(t, []int{2000, 2000, 500}, lengths)
	assert.Equal(t, []bool{false, false, true}, finals)

	assert.Equal(t, domain.StreamCompleted, report.Outcome)
	assert.Equal(t, domain.StreamCompleted, e.State())
	assert.Equal(t, 3, report.Chunks)
	assert.Equal(t, 4500, report.Bytes)
	assert.Equal(t, 2, report.LastIndex)
}

func TestEmitStampsStreamID(t *testing.T) {
	sink := &collectingSink{}
	e := newEmitter(t, 100, WithStreamID("job-42"))

	report, err := e.Emit(context.Background(), document(250), sink)
	require.NoError(t, err)

	assert.Equal(t, "job-42", report.StreamID)
	for _, c := range sink.chunks {
		assert.Equal(t, "job-42", c.StreamID)
	}

	// empty id keeps the generated one
	assert.NotEmpty(t, newEmitter(t, 100, WithStreamID("")).StreamID())
}

func TestEmitEmptyDocumentSendsOneFinalChunk(t *testing.T) {
	sink := &collectingSink{}

	report, err := newEmitter(t, 2000).Emit(context.Background(), domain.NewCompositeDocument(nil, "text/html", "test", 1), sink)
	require.NoError(t, err)

	require.Len(t, sink.chunks, 1)
	assert.Equal(t, 0, sink.chunks[0].Index)
	assert.Empty(t, sink.chunks[0].Payload)
	assert.True(t, sink.chunks[0].Final)
	assert.Equal(t, 1, report.Chunks)
}

func TestEmitEvenlyDivisibleDocument(t *testing.T) {
	sink := &collectingSink{}

	_, err := newEmitter(t, 1000).Emit(context.Background(), document(4000), sink)
	require.NoError(t, err)

	require.Len(t, sink.chunks, 4)
	for _, c := range sink.chunks {
		assert.Len(t, c.Payload, 1000)
	}
	assert.True(t, sink.chunks[3].Final)
}

func TestEmitRoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 7, 999, 1000, 1001, 4500, 10007} {
		for _, size := range []int{1, 3, 64, 1000, 2000, 20000} {
			t.Run(fmt.Sprintf("len=%d/size=%d", length, size), func(t *testing.T) {
				doc := document(length)
				sink := &collectingSink{}

				_, err := newEmitter(t, size).Emit(context.Background(), doc, sink)
				require.NoError(t, err)

				assert.Equal(t, doc.Bytes(), sink.joined())
				require.Len(t, sink.chunks, ChunkCount(length, size))

				for i, c := range sink.chunks {
					assert.Equal(t, i, c.Index)
					assert.Equal(t, i == len(sink.chunks)-1, c.Final)
					if i < len(sink.chunks)-1 {
						assert.Len(t, c.Payload, size)
					}
				}

				last := sink.chunks[len(sink.chunks)-1]
				expected := length % size
				if length > 0 && expected == 0 {
					expected = size
				}
				assert.Len(t, last.Payload, expected)
			})
		}
	}
}

func TestEmitConfigurationErrors(t *testing.T) {
	for _, size := range []int{0, -1, -2000} {
		_, err := New(size)
		assert.ErrorIs(t, err, domain.ErrConfiguration, "size %d", size)
	}

	_, err := New(10, WithPace(-time.Millisecond))
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = New(10, WithPacer(nil))
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	sink := &collectingSink{}
	report, err := Emit(context.Background(), document(10), sink, 0, time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Equal(t, domain.StreamPending, report.Outcome)
	assert.Empty(t, sink.chunks)
}

func TestEmitRejectsNilArguments(t *testing.T) {
	_, err := newEmitter(t, 10).Emit(context.Background(), nil, &collectingSink{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = newEmitter(t, 10).Emit(context.Background(), document(10), nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEmitPacesOnlyBetweenChunks(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(event string) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}

	pacer := PacerFunc(func(ctx context.Context) error {
		record("pace")
		return ctx.Err()
	})
	sink := domain.SinkFunc(func(_ context.Context, c domain.Chunk) error {
		record(fmt.Sprintf("chunk-%d", c.Index))
		return nil
	})

	_, err := newEmitter(t, 2000, WithPacer(pacer)).Emit(context.Background(), document(4500), sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"chunk-0", "pace", "chunk-1", "pace", "chunk-2"}, events)
}

func TestEmitSingleChunkNeverPaces(t *testing.T) {
	paced := false
	pacer := PacerFunc(func(context.Context) error {
		paced = true
		return nil
	})

	_, err := newEmitter(t, 2000, WithPacer(pacer)).Emit(context.Background(), document(10), &collectingSink{})
	require.NoError(t, err)
	assert.False(t, paced)
}

func TestEmitFixedPaceLowerBound(t *testing.T) {
	pace := 20 * time.Millisecond
	e := newEmitter(t, 100, WithPace(pace))

	start := time.Now()
	report, err := e.Emit(context.Background(), document(300), &collectingSink{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 2*pace)
	assert.GreaterOrEqual(t, report.Duration, 2*pace)
}

func TestEmitCancelAfterChunk(t *testing.T) {
	const cancelAt = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered []int
	sink := domain.SinkFunc(func(_ context.Context, c domain.Chunk) error {
		delivered = append(delivered, c.Index)
		if c.Index == cancelAt {
			cancel()
		}
		return nil
	})

	e := newEmitter(t, 10)
	report, err := e.Emit(ctx, document(100), sink)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrSink)

	assert.Equal(t, []int{0, 1, 2}, delivered)
	assert.Equal(t, domain.StreamCancelled, report.Outcome)
	assert.Equal(t, domain.StreamCancelled, e.State())
	assert.Equal(t, cancelAt, report.LastIndex)

	var cerr *domain.CancelledError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cancelAt+1, cerr.Index)
}

func TestEmitCancelDuringPacing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := domain.SinkFunc(func(_ context.Context, c domain.Chunk) error {
		if c.Index == 0 {
			time.AfterFunc(20*time.Millisecond, cancel)
		}
		return nil
	})

	e := newEmitter(t, 10, WithPace(time.Hour))

	done := make(chan error, 1)
	go func() {
		_, err := e.Emit(ctx, document(100), sink)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("emitter did not observe cancellation while pacing")
	}
}

func TestEmitAlreadyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &collectingSink{}
	report, err := newEmitter(t, 10).Emit(ctx, document(100), sink)

	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Empty(t, sink.chunks)
	assert.Equal(t, 0, report.Chunks)
	assert.Equal(t, -1, report.LastIndex)
}

func TestEmitSinkRequestsStop(t *testing.T) {
	var delivered []int
	sink := domain.SinkFunc(func(_ context.Context, c domain.Chunk) error {
		if c.Index == 1 {
			return fmt.Errorf("client went away: %w", domain.ErrStopStream)
		}
		delivered = append(delivered, c.Index)
		return nil
	})

	report, err := newEmitter(t, 10).Emit(context.Background(), document(100), sink)

	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.ErrorIs(t, err, domain.ErrStopStream)
	assert.Equal(t, []int{0}, delivered)
	assert.Equal(t, domain.StreamCancelled, report.Outcome)
}

func TestEmitSinkFailureHaltsWithoutRetry(t *testing.T) {
	cause := errors.New("connection reset")
	calls := 0
	sink := domain.SinkFunc(func(_ context.Context, c domain.Chunk) error {
		calls++
		if c.Index == 3 {
			return cause
		}
		return nil
	})

	e := newEmitter(t, 10)
	report, err := e.Emit(context.Background(), document(100), sink)

	require.ErrorIs(t, err, domain.ErrSink)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, domain.ErrCancelled)

	var serr *domain.SinkError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 3, serr.Index)

	assert.Equal(t, 4, calls, "sink must not be called again after failing")
	assert.Equal(t, 3, report.Chunks)
	assert.Equal(t, domain.StreamFailed, report.Outcome)
	assert.Equal(t, domain.StreamFailed, e.State())
}

func TestEmitSinkFailureCausedByCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := domain.SinkFunc(func(ctx context.Context, c domain.Chunk) error {
		cancel()
		return ctx.Err()
	})

	_, err := newEmitter(t, 10).Emit(ctx, document(100), sink)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.NotErrorIs(t, err, domain.ErrSink)
}

func TestEmitterIsSingleUse(t *testing.T) {
	e := newEmitter(t, 10)

	_, err := e.Emit(context.Background(), document(20), &collectingSink{})
	require.NoError(t, err)

	sink := &collectingSink{}
	_, err = e.Emit(context.Background(), document(20), sink)
	assert.ErrorIs(t, err, domain.ErrEmitterUsed)
	assert.Empty(t, sink.chunks)
	assert.Equal(t, domain.StreamCompleted, e.State())
}

func TestEmitPayloadCannotCorruptDocument(t *testing.T) {
	doc := document(30)
	original := doc.Bytes()

	sink := domain.SinkFunc(func(_ context.Context, c domain.Chunk) error {
		_ = append(c.Payload, []byte("XXXXXXXXXX")...)
		return nil
	})

	_, err := newEmitter(t, 10).Emit(context.Background(), doc, sink)
	require.NoError(t, err)
	assert.Equal(t, original, doc.Bytes())
}

func TestConcurrentStreamsShareOneDocument(t *testing.T) {
	doc := document(9000)
	const streams = 16

	var wg sync.WaitGroup
	sinks := make([]*collectingSink, streams)
	errs := make([]error, streams)

	for i := 0; i < streams; i++ {
		sinks[i] = &collectingSink{}
		e := newEmitter(t, 100+i*37, WithPace(time.Millisecond))

		wg.Add(1)
		go func(i int, e *Emitter) {
			defer wg.Done()
			_, errs[i] = e.Emit(context.Background(), doc, sinks[i])
		}(i, e)
	}
	wg.Wait()

	for i := 0; i < streams; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, doc.Bytes(), sinks[i].joined(), "stream %d", i)
	}
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 1, ChunkCount(0, 2000))
	assert.Equal(t, 1, ChunkCount(1, 2000))
	assert.Equal(t, 1, ChunkCount(2000, 2000))
	assert.Equal(t, 2, ChunkCount(2001, 2000))
	assert.Equal(t, 3, ChunkCount(4500, 2000))
}
