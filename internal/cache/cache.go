package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

const (
	defaultShardCount      = 16
	defaultTTL             = 15 * time.Minute
	defaultCleanupInterval = 1 * time.Minute
)

// ErrTooLarge is returned by Set when a document exceeds a shard's byte budget
var ErrTooLarge = errors.New("document exceeds cache byte budget")

// entry is a composed document with its expiry
type entry struct {
	doc       *domain.CompositeDocument
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// shard is a single partition of the cache with its own lock
type shard struct {
	mu    sync.RWMutex
	items map[string]*entry
	bytes int
}

// ShardedCache keeps composed documents in memory, partitioned by key hash.
// Documents are immutable, so the same instance is handed to every reader.
type ShardedCache struct {
	shards          []*shard
	ttl             time.Duration
	cleanupInterval time.Duration
	shardBudget     int // bytes per shard, 0 is unlimited
	evicted         atomic.Int64

	workerMu      sync.Mutex
	workerRunning bool
	workerStop    chan struct{}
	workerWg      sync.WaitGroup
}

// Option configures a ShardedCache
type Option func(*ShardedCache)

// WithMaxBytes bounds the total size of cached documents. The budget is split
// evenly across shards; a full shard evicts its oldest documents first.
// maxBytes <= 0 leaves the cache unbounded.
func WithMaxBytes(maxBytes int) Option {
	return func(c *ShardedCache) {
		if maxBytes <= 0 {
			c.shardBudget = 0
			return
		}
		c.shardBudget = maxBytes / len(c.shards)
		if c.shardBudget == 0 {
			c.shardBudget = 1
		}
	}
}

// NewShardedCache creates a cache with shardCount partitions and a ttl in seconds.
// Non-positive values fall back to defaults.
func NewShardedCache(shardCount int, ttl int, opts ...Option) *ShardedCache {
	if shardCount < 1 {
		shardCount = defaultShardCount
	}

	ttlDuration := time.Duration(ttl) * time.Second
	if ttlDuration <= 0 {
		ttlDuration = defaultTTL
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{items: make(map[string]*entry)}
	}

	c := &ShardedCache{
		shards:          shards,
		ttl:             ttlDuration,
		cleanupInterval: defaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReportKey builds the cache key of a job's report rendered with a template
func ReportKey(jobID, template string) string {
	return JobPrefix(jobID) + template
}

// JobPrefix is the key prefix shared by every report of a job
func JobPrefix(jobID string) string {
	return "report:" + jobID + ":"
}

func (c *ShardedCache) shardFor(key string) *shard {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(len(c.shards))]
}

// Get returns a live document (implements domain.DocumentCache)
func (c *ShardedCache) Get(ctx context.Context, key string) (*domain.CompositeDocument, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key]
	if !ok || item.expired(time.Now()) {
		// expired entries are left for the cleanup worker
		return nil, false
	}
	return item.doc, true
}

// Set stores doc under key (implements domain.DocumentCache). With a byte
// budget, older documents of the same shard are evicted to make room and a
// document larger than the whole shard budget is rejected with ErrTooLarge.
func (c *ShardedCache) Set(ctx context.Context, key string, doc *domain.CompositeDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil {
		return c.Delete(ctx, key)
	}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(key)
	if c.shardBudget > 0 {
		if doc.Len() > c.shardBudget {
			return ErrTooLarge
		}
		c.evicted.Add(int64(s.evict(c.shardBudget-doc.Len(), time.Now())))
	}

	s.items[key] = &entry{doc: doc, expiresAt: time.Now().Add(c.ttl)}
	s.bytes += doc.Len()
	return nil
}

// Delete removes key (implements domain.DocumentCache)
func (c *ShardedCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(key)
	return nil
}

// DeletePrefix removes every key starting with prefix (implements domain.DocumentCache)
func (c *ShardedCache) DeletePrefix(ctx context.Context, prefix string) error {
	for _, s := range c.shards {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		for key := range s.items {
			if strings.HasPrefix(key, prefix) {
				s.remove(key)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// CleanExpired drops expired documents (implements domain.DocumentCache)
func (c *ShardedCache) CleanExpired(ctx context.Context) error {
	now := time.Now()
	for _, s := range c.shards {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		for key, item := range s.items {
			if item.expired(now) {
				s.remove(key)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// remove must be called with s.mu held
func (s *shard) remove(key string) {
	if item, ok := s.items[key]; ok {
		s.bytes -= item.doc.Len()
		delete(s.items, key)
	}
}

// evict drops expired documents, then the oldest live ones, until the shard
// holds at most limit bytes. It returns how many live documents were dropped.
// Must be called with s.mu held.
func (s *shard) evict(limit int, now time.Time) int {
	if s.bytes <= limit {
		return 0
	}
	for key, item := range s.items {
		if item.expired(now) {
			s.remove(key)
		}
	}

	dropped := 0
	for s.bytes > limit && len(s.items) > 0 {
		// ttl is fixed, so the earliest expiry is the oldest insert
		var oldestKey string
		var oldest time.Time
		for key, item := range s.items {
			if oldestKey == "" || item.expiresAt.Before(oldest) {
				oldestKey, oldest = key, item.expiresAt
			}
		}
		s.remove(oldestKey)
		dropped++
	}
	return dropped
}

// StartCleanupWorker starts a goroutine that periodically drops expired documents
func (c *ShardedCache) StartCleanupWorker() {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()

	if c.workerRunning {
		return
	}

	c.workerRunning = true
	c.workerStop = make(chan struct{})

	c.workerWg.Add(1)
	go c.cleanupWorker(c.workerStop)
}

// StopCleanupWorker stops the cleanup goroutine and waits for it
func (c *ShardedCache) StopCleanupWorker() {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()

	if !c.workerRunning {
		return
	}

	close(c.workerStop)
	c.workerWg.Wait()
	c.workerRunning = false
}

func (c *ShardedCache) cleanupWorker(stop <-chan struct{}) {
	defer c.workerWg.Done()

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.CleanExpired(ctx)
			cancel()
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = c.CleanExpired(ctx)
			cancel()
		}
	}
}

// Clear removes every document
func (c *ShardedCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*entry)
		s.bytes = 0
		s.mu.Unlock()
	}
}

// Stats describes cache occupancy
type Stats struct {
	ShardCount   int `json:"shard_count"`
	Documents    int `json:"documents"`
	Expired      int `json:"expired"`
	Bytes        int `json:"bytes"`
	LargestShard int `json:"largest_shard"`
	EmptyShards  int `json:"empty_shards"`
	Evicted      int `json:"evicted"` // live documents dropped for the byte budget
}

// GetStats returns current occupancy
func (c *ShardedCache) GetStats() Stats {
	stats := Stats{ShardCount: len(c.shards), Evicted: int(c.evicted.Load())}
	now := time.Now()

	for _, s := range c.shards {
		s.mu.RLock()
		count := len(s.items)
		for _, item := range s.items {
			if item.expired(now) {
				stats.Expired++
			}
		}
		stats.Bytes += s.bytes
		s.mu.RUnlock()

		stats.Documents += count
		if count == 0 {
			stats.EmptyShards++
		}
		if count > stats.LargestShard {
			stats.LargestShard = count
		}
	}
	return stats
}

var _ domain.DocumentCache = (*ShardedCache)(nil)
