package embedder

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/doujins-org/threadsearch/internal/normalize"
)

// Service is the embedding front door: queries go through the cache and
// the high-priority lane, document batches through the normal lane.
type Service struct {
	queue *Queue
	cache *Cache

	hits   atomic.Int64
	misses atomic.Int64
}

func NewService(queue *Queue, cache *Cache) (*Service, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	return &Service{queue: queue, cache: cache}, nil
}

// EmbedQuery returns the vector for query text, serving repeats from
// the cache. The cache key is the normalized query, so casing and
// whitespace variants share one entry.
func (s *Service) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	key := normalize.Query(query)
	if key == "" {
		return nil, fmt.Errorf("query is empty")
	}
	if s.cache != nil {
		if vec, ok := s.cache.Get(key); ok {
			s.hits.Add(1)
			return vec, nil
		}
	}
	s.misses.Add(1)
	vecs, err := s.queue.Embed(ctx, High, []string{key})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	if s.cache != nil {
		s.cache.Put(key, vecs[0])
	}
	return vecs[0], nil
}

// EmbedDocs embeds document parts at normal priority, uncached.
func (s *Service) EmbedDocs(ctx context.Context, docs []string) ([][]float32, error) {
	return s.queue.Embed(ctx, Normal, docs)
}

// CacheStats reports hit/miss counters and current cache size.
func (s *Service) CacheStats() (hits, misses int64, size int) {
	if s.cache != nil {
		size = s.cache.Len()
	}
	return s.hits.Load(), s.misses.Load(), size
}
