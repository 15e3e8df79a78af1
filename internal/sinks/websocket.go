package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

const defaultWriteTimeout = 10 * time.Second

// WebSocketSink sends every chunk as one binary message and closes the
// connection normally after the final chunk. Chunks are split on byte
// boundaries, so text frames could carry invalid UTF-8.
type WebSocketSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketSink wraps an upgraded connection. writeTimeout <= 0 uses a default.
func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

// Accept implements domain.Sink
func (s *WebSocketSink) Accept(ctx context.Context, chunk domain.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(s.writeTimeout)
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return peerError(ctx, err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk.Payload); err != nil {
		return peerError(ctx, err)
	}

	if chunk.Final {
		// the payload is delivered, a lost close frame does not fail the stream
		_ = s.Close(websocket.CloseNormalClosure, "")
	}
	return nil
}

// peerError turns write failures caused by the peer leaving into stop requests.
// gorilla answers a client close frame from the reader and then fails every
// write with ErrCloseSent; a dropped connection cancels ctx through WatchPeer.
func peerError(ctx context.Context, err error) error {
	if errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("peer closed: %w", domain.ErrStopStream)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// Close sends a close frame with the given code
func (s *WebSocketSink) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
}

// WatchPeer reads from the connection until it fails, then calls cancel.
// gorilla only processes incoming control frames while somebody reads,
// so a client close is noticed only through this loop.
func (s *WebSocketSink) WatchPeer(cancel context.CancelFunc) {
	go func() {
		defer cancel()
		for {
			if _, _, err := s.conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

var _ domain.Sink = (*WebSocketSink)(nil)
