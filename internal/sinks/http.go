// Package sinks delivers emitted chunks to concrete transports.
package sinks

import (
	"context"
	"fmt"
	"net/http"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

// HTTPSink writes chunks to a chunked HTTP response, flushing after each one.
// Status and headers are sent with the first chunk, so a failure before that
// can still be answered with a regular error response.
type HTTPSink struct {
	w           http.ResponseWriter
	flusher     http.Flusher
	contentType string
	started     bool
}

// NewHTTPSink fails with domain.ErrStreamUnsupported if w cannot flush
func NewHTTPSink(w http.ResponseWriter, contentType string) (*HTTPSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, domain.ErrStreamUnsupported
	}
	return &HTTPSink{w: w, flusher: flusher, contentType: contentType}, nil
}

// Started reports whether the response header has been written
func (s *HTTPSink) Started() bool { return s.started }

// Accept implements domain.Sink
func (s *HTTPSink) Accept(ctx context.Context, chunk domain.Chunk) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", s.contentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Stream-ID", chunk.StreamID)
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if len(chunk.Payload) > 0 {
		if _, err := s.w.Write(chunk.Payload); err != nil {
			// the client going away cancels the request context
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: %w", ctxErr, err)
			}
			return err
		}
	}
	s.flusher.Flush()
	return nil
}

var _ domain.Sink = (*HTTPSink)(nil)
