package domain

import "context"

// Chunk is one ordered, bounded slice of a composite document handed to a sink
type Chunk struct {
	StreamID string
	Index    int
	Payload  []byte
	Final    bool
}

// Sink accepts chunks for delivery to the ultimate client.
// Returning ErrStopStream (or an error wrapping it) ends the stream as cancelled;
// any other error fails the stream.
type Sink interface {
	Accept(ctx context.Context, chunk Chunk) error
}

// SinkFunc adapts a plain function to the Sink interface
type SinkFunc func(ctx context.Context, chunk Chunk) error

// Accept calls f(ctx, chunk)
func (f SinkFunc) Accept(ctx context.Context, chunk Chunk) error {
	return f(ctx, chunk)
}

// StreamState is the lifecycle state of a single emission
type StreamState int32

const (
	StreamPending StreamState = iota
	StreamStreaming
	StreamCompleted
	StreamCancelled
	StreamFailed
)

// String returns the lowercase state name
func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "pending"
	case StreamStreaming:
		return "streaming"
	case StreamCompleted:
		return "completed"
	case StreamCancelled:
		return "cancelled"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible
func (s StreamState) Terminal() bool {
	return s == StreamCompleted || s == StreamCancelled || s == StreamFailed
}

// ImageEncoder turns binary images into text-safe inline references, preserving input order
type ImageEncoder interface {
	EncodeImages(ctx context.Context, images [][]byte) ([]string, error)
}
