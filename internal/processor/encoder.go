package processor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

// defaultImageType is used when the payload is not recognised as an image
const defaultImageType = "image/png"

// EncodeDataURI renders img as a base64 data URI with a sniffed image MIME type
func EncodeDataURI(img []byte) string {
	contentType := defaultImageType
	if mime := mimetype.Detect(img); strings.HasPrefix(mime.String(), "image/") {
		contentType = mime.String()
	}

	var b strings.Builder
	b.Grow(len("data:;base64,") + len(contentType) + base64.StdEncoding.EncodedLen(len(img)))
	b.WriteString("data:")
	b.WriteString(contentType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(img))
	return b.String()
}

// SequentialEncoder encodes images one by one on the caller's goroutine
type SequentialEncoder struct{}

// EncodeImages implements domain.ImageEncoder
func (SequentialEncoder) EncodeImages(ctx context.Context, images [][]byte) ([]string, error) {
	out := make([]string, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = EncodeDataURI(img)
	}
	return out, nil
}

// OrderedEncoder implements domain.ImageEncoder with a worker pool and order preservation.
// Results are written by input index, so output order never depends on scheduling.
type OrderedEncoder struct {
	workers int
	pool    *ants.Pool
	logger  *zap.Logger

	// Shutdown management
	shutdownOnce sync.Once
}

// NewOrderedEncoder creates an encoder backed by a pool of the given size
func NewOrderedEncoder(workers int, logger *zap.Logger) (*OrderedEncoder, error) {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := ants.NewPool(workers,
		ants.WithExpiryDuration(30*time.Second),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("encode worker panicked", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create encoder pool: %w", err)
	}

	logger.Info("ordered encoder started", zap.Int("workers", workers))

	return &OrderedEncoder{
		workers: workers,
		pool:    pool,
		logger:  logger,
	}, nil
}

// Stop releases the worker pool. Encoding after Stop fails with ants.ErrPoolClosed.
func (e *OrderedEncoder) Stop() {
	e.shutdownOnce.Do(func() {
		e.pool.Release()
		e.logger.Info("ordered encoder stopped")
	})
}

// Running returns the number of busy workers
func (e *OrderedEncoder) Running() int {
	return e.pool.Running()
}

// EncodeImages encodes every image concurrently and returns data URIs in input order
func (e *OrderedEncoder) EncodeImages(ctx context.Context, images [][]byte) ([]string, error) {
	if len(images) == 0 {
		return []string{}, nil
	}

	start := time.Now()
	out := make([]string, len(images))

	var wg sync.WaitGroup
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}

		index, data := i, img
		wg.Add(1)
		if err := e.pool.Submit(func() {
			defer wg.Done()
			out[index] = EncodeDataURI(data)
		}); err != nil {
			wg.Done()
			wg.Wait()
			return nil, fmt.Errorf("submit encode task %d: %w", index, err)
		}
	}
	wg.Wait()

	// A panicking task leaves its slot empty
	for i, uri := range out {
		if uri == "" {
			return nil, fmt.Errorf("image %d was not encoded", i)
		}
	}

	e.logger.Debug("images encoded",
		zap.Int("count", len(images)),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

// Verify that both encoders implement domain.ImageEncoder interface
var (
	_ domain.ImageEncoder = (*OrderedEncoder)(nil)
	_ domain.ImageEncoder = SequentialEncoder{}
)
