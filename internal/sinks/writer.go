package sinks

import (
	"context"
	"io"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

type flusher interface {
	Flush() error
}

// WriterSink appends chunk payloads to an io.Writer.
// Writers with a Flush() error method are flushed after the final chunk.
type WriterSink struct {
	w       io.Writer
	written int64
}

// NewWriterSink creates a sink writing to w
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Written returns the number of payload bytes written so far
func (s *WriterSink) Written() int64 { return s.written }

// Accept implements domain.Sink
func (s *WriterSink) Accept(_ context.Context, chunk domain.Chunk) error {
	n, err := s.w.Write(chunk.Payload)
	s.written += int64(n)
	if err != nil {
		return err
	}
	if chunk.Final {
		if f, ok := s.w.(flusher); ok {
			return f.Flush()
		}
	}
	return nil
}

var _ domain.Sink = (*WriterSink)(nil)
