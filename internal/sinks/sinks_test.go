package sinks

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
	"github.com/AilvenLiu/cad-recognition/internal/emitter"
)

func testDocument(size int) *domain.CompositeDocument {
	content := bytes.Repeat([]byte("<p>图纸</p>"), size/12+1)[:size]
	return domain.NewCompositeDocument(content, "text/html; charset=utf-8", "comparison", 2)
}

// plainWriter is a ResponseWriter without Flush
type plainWriter struct {
	header http.Header
}

func (w *plainWriter) Header() http.Header         { return w.header }
func (w *plainWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *plainWriter) WriteHeader(int)             {}

func TestHTTPSinkRequiresFlusher(t *testing.T) {
	_, err := NewHTTPSink(&plainWriter{header: http.Header{}}, "text/html")
	assert.ErrorIs(t, err, domain.ErrStreamUnsupported)
}

func TestHTTPSinkStreamsDocument(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewHTTPSink(rec, "text/html; charset=utf-8")
	require.NoError(t, err)
	assert.False(t, sink.Started())

	doc := testDocument(4500)
	_, err = emitter.Emit(context.Background(), doc, sink, 2000, 0)
	require.NoError(t, err)

	assert.True(t, sink.Started())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, rec.Flushed)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Stream-ID"))
	assert.Equal(t, doc.Bytes(), rec.Body.Bytes())
}

func TestHTTPSinkEmptyDocumentStillResponds(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewHTTPSink(rec, "text/html")
	require.NoError(t, err)

	_, err = emitter.Emit(context.Background(), domain.NewCompositeDocument(nil, "text/html", "t", 1), sink, 10, 0)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

// failingWriter fails every write after the first
type failingWriter struct {
	*httptest.ResponseRecorder
	writes int
}

func (w *failingWriter) Write(b []byte) (int, error) {
	w.writes++
	if w.writes > 1 {
		return 0, errors.New("broken pipe")
	}
	return w.ResponseRecorder.Write(b)
}

func TestHTTPSinkWriteFailureAfterClientLeft(t *testing.T) {
	w := &failingWriter{ResponseRecorder: httptest.NewRecorder()}
	sink, err := NewHTTPSink(w, "text/html")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sink.Accept(ctx, domain.Chunk{Index: 0, Payload: []byte("a")}))

	cancel()
	err = sink.Accept(ctx, domain.Chunk{Index: 1, Payload: []byte("b")})
	assert.ErrorIs(t, err, context.Canceled)

	err = sink.Accept(context.Background(), domain.Chunk{Index: 2, Payload: []byte("c")})
	assert.EqualError(t, err, "broken pipe")
}

func TestChannelSink(t *testing.T) {
	ch := make(chan domain.Chunk, 16)
	doc := testDocument(250)

	_, err := emitter.Emit(context.Background(), doc, NewChannelSink(ch), 100, 0)
	require.NoError(t, err)
	close(ch)

	var got []byte
	var finals []bool
	for c := range ch {
		got = append(got, c.Payload...)
		finals = append(finals, c.Final)
	}
	assert.Equal(t, doc.Bytes(), got)
	assert.Equal(t, []bool{false, false, true}, finals)
}

func TestChannelSinkUnblocksOnCancel(t *testing.T) {
	ch := make(chan domain.Chunk)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report, err := emitter.Emit(ctx, testDocument(100), NewChannelSink(ch), 10, 0)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, domain.StreamCancelled, report.Outcome)
}

func TestWriterSinkFlushesOnFinal(t *testing.T) {
	var out bytes.Buffer
	buffered := bufio.NewWriterSize(&out, 1<<20)
	sink := NewWriterSink(buffered)

	doc := testDocument(3000)
	_, err := emitter.Emit(context.Background(), doc, sink, 1000, 0)
	require.NoError(t, err)

	assert.Equal(t, doc.Bytes(), out.Bytes())
	assert.Equal(t, int64(3000), sink.Written())
}

func wsServer(t *testing.T, doc *domain.CompositeDocument, size int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sink := NewWebSocketSink(conn, time.Second)
		sink.WatchPeer(cancel)

		_, _ = emitter.Emit(ctx, doc, sink, size, time.Millisecond)
	}))
}

func TestWebSocketSinkSendsBinaryChunksThenCloses(t *testing.T) {
	doc := testDocument(4500)
	srv := wsServer(t, doc, 2000)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []byte
	var sizes []int
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		assert.Equal(t, websocket.BinaryMessage, kind)
		sizes = append(sizes, len(data))
		got = append(got, data...)
	}

	assert.Equal(t, []int{2000, 2000, 500}, sizes)
	assert.Equal(t, doc.Bytes(), got)
}

type emitResult struct {
	report emitter.Report
	err    error
}

func TestWebSocketSinkStopsWhenPeerLeaves(t *testing.T) {
	doc := testDocument(1000)
	finished := make(chan emitResult, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sink := NewWebSocketSink(conn, time.Second)
		sink.WatchPeer(cancel)

		report, err := emitter.Emit(ctx, doc, sink, 10, 20*time.Millisecond)
		finished <- emitResult{report, err}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	conn.Close()

	select {
	case res := <-finished:
		assert.Equal(t, domain.StreamCancelled, res.report.Outcome)
		assert.ErrorIs(t, res.err, domain.ErrCancelled)
		assert.Less(t, res.report.Chunks, 100)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after the peer left")
	}
}

func TestWebSocketSinkWriteAfterCloseStops(t *testing.T) {
	doc := testDocument(100)
	finished := make(chan emitResult, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sink := NewWebSocketSink(conn, time.Second)
		// the connection has already sent its close frame, as after answering a client close
		assert.NoError(t, sink.Close(websocket.CloseGoingAway, ""))

		report, err := emitter.Emit(context.Background(), doc, sink, 10, 0)
		finished <- emitResult{report, err}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case res := <-finished:
		assert.Equal(t, domain.StreamCancelled, res.report.Outcome)
		assert.ErrorIs(t, res.err, domain.ErrCancelled)
		assert.ErrorIs(t, res.err, domain.ErrStopStream)
		assert.Equal(t, 0, res.report.Chunks)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}
