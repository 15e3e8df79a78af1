package sinks

import (
	"context"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

// ChannelSink forwards chunks to a channel. A send blocks until the receiver
// is ready or the context is done.
type ChannelSink struct {
	ch chan<- domain.Chunk
}

// NewChannelSink creates a sink sending to ch. The caller owns ch and closes it.
func NewChannelSink(ch chan<- domain.Chunk) *ChannelSink {
	return &ChannelSink{ch: ch}
}

// Accept implements domain.Sink
func (s *ChannelSink) Accept(ctx context.Context, chunk domain.Chunk) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- chunk:
		return nil
	}
}

var _ domain.Sink = (*ChannelSink)(nil)
