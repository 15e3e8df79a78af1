// Package emitter streams a composite document to a sink in bounded, ordered chunks.
package emitter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

const (
	// DefaultMaxChunkSize matches the chunk size the report consumers were built around
	DefaultMaxChunkSize = 2000

	// DefaultPace is the gap between two consecutive chunks
	DefaultPace = 10 * time.Millisecond
)

// Report summarises one emission
type Report struct {
	StreamID  string
	Outcome   domain.StreamState
	Chunks    int
	Bytes     int
	LastIndex int // -1 when nothing was delivered
	Duration  time.Duration
}

// Emitter delivers one document to one sink. It is single-use: after it reaches
// a terminal state every further Emit fails with domain.ErrEmitterUsed.
type Emitter struct {
	maxChunkSize int
	pacer        Pacer
	streamID     string
	logger       *zap.Logger

	state atomic.Int32
}

// Option configures an Emitter
type Option func(*Emitter) error

// WithPace sets a fixed gap between chunks. Zero disables pacing.
func WithPace(pace time.Duration) Option {
	return func(e *Emitter) error {
		if pace < 0 {
			return &domain.ConfigurationError{Param: "pace", Value: pace, Reason: "must not be negative"}
		}
		if pace == 0 {
			e.pacer = NoPacer{}
			return nil
		}
		e.pacer = FixedPacer{Interval: pace}
		return nil
	}
}

// WithPacer sets a custom pacing policy
func WithPacer(pacer Pacer) Option {
	return func(e *Emitter) error {
		if pacer == nil {
			return &domain.ConfigurationError{Param: "pacer", Value: nil, Reason: "must not be nil"}
		}
		e.pacer = pacer
		return nil
	}
}

// WithStreamID sets the identifier stamped on every chunk. Default is a random UUID.
func WithStreamID(id string) Option {
	return func(e *Emitter) error {
		if id != "" {
			e.streamID = id
		}
		return nil
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Emitter) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// New validates the configuration and returns a pending emitter
func New(maxChunkSize int, opts ...Option) (*Emitter, error) {
	if maxChunkSize <= 0 {
		return nil, &domain.ConfigurationError{Param: "max_chunk_size", Value: maxChunkSize, Reason: "must be a positive integer"}
	}

	e := &Emitter{
		maxChunkSize: maxChunkSize,
		pacer:        FixedPacer{Interval: DefaultPace},
		streamID:     uuid.New().String(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Emit streams doc to sink with a fresh single-use emitter
func Emit(ctx context.Context, doc *domain.CompositeDocument, sink domain.Sink, maxChunkSize int, pace time.Duration) (Report, error) {
	e, err := New(maxChunkSize, WithPace(pace))
	if err != nil {
		return Report{Outcome: domain.StreamPending, LastIndex: -1}, err
	}
	return e.Emit(ctx, doc, sink)
}

// State returns the current lifecycle state
func (e *Emitter) State() domain.StreamState {
	return domain.StreamState(e.state.Load())
}

// StreamID returns the identifier stamped on every chunk
func (e *Emitter) StreamID() string { return e.streamID }

// ChunkCount returns how many chunks a document of the given length produces.
// An empty document still produces one (empty, final) chunk.
func ChunkCount(length, maxChunkSize int) int {
	if length == 0 {
		return 1
	}
	return (length + maxChunkSize - 1) / maxChunkSize
}

// Emit delivers doc to sink chunk by chunk, pacing between chunks.
// A nil error means the stream completed. Cancellation returns an error matching
// domain.ErrCancelled, a sink failure one matching domain.ErrSink.
func (e *Emitter) Emit(ctx context.Context, doc *domain.CompositeDocument, sink domain.Sink) (Report, error) {
	report := Report{StreamID: e.streamID, Outcome: e.State(), LastIndex: -1}

	if doc == nil {
		return report, &domain.ValidationError{Index: -1, Field: "document", Reason: "must not be nil"}
	}
	if sink == nil {
		return report, &domain.ValidationError{Index: -1, Field: "sink", Reason: "must not be nil"}
	}
	if !e.state.CompareAndSwap(int32(domain.StreamPending), int32(domain.StreamStreaming)) {
		return report, domain.ErrEmitterUsed
	}

	start := time.Now()
	total := ChunkCount(doc.Len(), e.maxChunkSize)

	e.logger.Debug("stream started",
		zap.String("stream_id", e.streamID),
		zap.Int("bytes", doc.Len()),
		zap.Int("chunks", total),
		zap.Int("max_chunk_size", e.maxChunkSize),
	)

	finish := func(state domain.StreamState, err error) (Report, error) {
		e.state.Store(int32(state))
		report.Outcome = state
		report.Duration = time.Since(start)

		fields := []zap.Field{
			zap.String("stream_id", e.streamID),
			zap.String("outcome", state.String()),
			zap.Int("delivered", report.Chunks),
			zap.Int("total", total),
			zap.Duration("duration", report.Duration),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		e.logger.Debug("stream finished", fields...)

		return report, err
	}

	for index := 0; index < total; index++ {
		if err := ctx.Err(); err != nil {
			return finish(domain.StreamCancelled, &domain.CancelledError{Index: index, Cause: err})
		}

		// Pacing only separates chunks: never before the first, never after the last
		if index > 0 {
			if err := e.pacer.Wait(ctx); err != nil {
				return finish(domain.StreamCancelled, &domain.CancelledError{Index: index, Cause: err})
			}
			if err := ctx.Err(); err != nil {
				return finish(domain.StreamCancelled, &domain.CancelledError{Index: index, Cause: err})
			}
		}

		chunk := e.chunkAt(doc, index, total)
		if err := sink.Accept(ctx, chunk); err != nil {
			if errors.Is(err, domain.ErrStopStream) {
				return finish(domain.StreamCancelled, &domain.CancelledError{Index: index, Cause: err})
			}
			// A transport that failed because the stream was cancelled is a cancellation
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return finish(domain.StreamCancelled, &domain.CancelledError{Index: index, Cause: err})
			}
			return finish(domain.StreamFailed, &domain.SinkError{Index: index, Err: err})
		}

		report.Chunks++
		report.Bytes += len(chunk.Payload)
		report.LastIndex = index
	}

	return finish(domain.StreamCompleted, nil)
}

func (e *Emitter) chunkAt(doc *domain.CompositeDocument, index, total int) domain.Chunk {
	start := index * e.maxChunkSize
	end := start + e.maxChunkSize
	if end > doc.Len() {
		end = doc.Len()
	}
	return domain.Chunk{
		StreamID: e.streamID,
		Index:    index,
		Payload:  doc.Slice(start, end),
		Final:    index == total-1,
	}
}
