package samples

import (
	"context"
	"fmt"
	"io"
	"sync"

	"k8s.io/klog/v2"
)

// CachingProvider memoizes whole segments read through another provider.
// Exemplar segments are read again for every run of a load, so the cache is
// keyed by the exact (stream, start, end) request.
type CachingProvider struct {
	source     Provider
	data       map[segmentKey]*cacheEntry
	order      []segmentKey
	maxEntries int
	mutex      sync.RWMutex
	metrics    *metrics
}

type segmentKey struct {
	stream string
	start  int64
	end    int64
}

func (k segmentKey) String() string {
	return fmt.Sprintf("%s[%d,%d)", k.stream, k.start, k.end)
}

type cacheEntry struct {
	chunk Chunk
	hits  int64
}

type metrics struct {
	hits   int64
	misses int64
	mutex  sync.RWMutex
}

// NewCachingProvider wraps source. Once maxEntries segments are held the
// oldest one is evicted; maxEntries <= 0 means 256.
func NewCachingProvider(source Provider, maxEntries int) *CachingProvider {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &CachingProvider{
		source:     source,
		data:       make(map[segmentKey]*cacheEntry),
		maxEntries: maxEntries,
		metrics:    &metrics{},
	}
}

// Open serves the segment from the cache, reading it fully from the source on
// a miss.
func (c *CachingProvider) Open(ctx context.Context, stream string, start, end int64) (Stream, error) {
	key := segmentKey{stream: stream, start: start, end: end}

	c.mutex.Lock()
	entry, exists := c.data[key]
	if exists {
		entry.hits++
	}
	c.mutex.Unlock()

	if exists {
		c.recordHit()
		return &chunkStream{chunk: entry.chunk}, nil
	}
	c.recordMiss()

	src, err := c.source.Open(ctx, stream, start, end)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	chunk, err := ReadAll(src)
	if err != nil {
		return nil, err
	}
	c.set(key, chunk)
	return &chunkStream{chunk: chunk}, nil
}

func (c *CachingProvider) set(key segmentKey, chunk Chunk) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.data[key]; exists {
		return
	}
	for len(c.order) >= c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		if entry, ok := c.data[oldest]; ok {
			klog.V(4).InfoS("Evicted cached segment", "segment", oldest, "hits", entry.hits)
		}
		delete(c.data, oldest)
	}
	c.data[key] = &cacheEntry{chunk: chunk}
	c.order = append(c.order, key)

	klog.V(4).InfoS("Cached segment", "segment", key, "rows", chunk.Len())
}

// GetMetrics returns cache performance metrics
func (c *CachingProvider) GetMetrics() (hits, misses int64) {
	c.metrics.mutex.RLock()
	defer c.metrics.mutex.RUnlock()
	return c.metrics.hits, c.metrics.misses
}

func (c *CachingProvider) recordHit() {
	c.metrics.mutex.Lock()
	c.metrics.hits++
	c.metrics.mutex.Unlock()
}

func (c *CachingProvider) recordMiss() {
	c.metrics.mutex.Lock()
	c.metrics.misses++
	c.metrics.mutex.Unlock()
}

// Clear removes all entries from the cache
func (c *CachingProvider) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data = make(map[segmentKey]*cacheEntry)
	c.order = nil
	klog.V(4).Info("Cleared segment cache")
}

// Size returns the number of entries in the cache
func (c *CachingProvider) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}

// chunkStream replays one cached chunk. The matrix is shared, readers must
// not modify it.
type chunkStream struct {
	chunk Chunk
	done  bool
}

func (s *chunkStream) Read() (Chunk, error) {
	if s.done || s.chunk.Len() == 0 {
		return Chunk{}, io.EOF
	}
	s.done = true
	return s.chunk, nil
}

func (s *chunkStream) Close() error {
	s.done = true
	return nil
}
