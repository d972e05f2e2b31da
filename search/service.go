// Package search answers queries: embed, probe the vector index, then
// rank candidates with a blend of similarity, points, recency and
// title topicality.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/doujins-org/threadsearch/metrics"
	"github.com/doujins-org/threadsearch/store"
	"github.com/doujins-org/threadsearch/vecindex"
)

const (
	// MaxTopK bounds the result size; oversized requests clamp down
	// to it, non-positive ones yield an empty result.
	MaxTopK = 50

	// MinQueryLen is the shortest accepted query, in runes.
	MinQueryLen = 3

	// candidate pool sizes fed to the ranker.
	baseCandidates     = 50
	filteredCandidates = 1000
)

var (
	// ErrQueryTooShort is a caller mistake, surfaced as HTTP 400.
	ErrQueryTooShort = errors.New("search: query too short")

	// ErrEmbedding means the model call failed; surfaced as HTTP 502.
	ErrEmbedding = errors.New("search: query embedding failed")

	// ErrNotReady means the index has not been built yet.
	ErrNotReady = errors.New("search: index not ready")
)

// Searcher is the vector index surface the service reads.
type Searcher interface {
	Search(vec []float32, k int) ([]vecindex.Hit, error)
	Ready() bool
}

// QueryEmbedder turns query text into a vector at interactive priority.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Catalog is the item-store surface used for ranking and filtering.
type Catalog interface {
	StoryMetas(ctx context.Context, ids []int64) (map[int64]store.StoryMeta, error)
	FilterCandidates(ctx context.Context, ids []int64, f store.Filters, sort store.Sort) ([]int64, error)
}

type Options struct {
	Weights Weights
}

type Service struct {
	index    Searcher
	embedder QueryEmbedder
	catalog  Catalog
	weights  Weights
	log      zerolog.Logger

	searches *metrics.Counter
}

func NewService(index Searcher, embedder QueryEmbedder, catalog Catalog, reg *metrics.Registry, opts Options, log zerolog.Logger) (*Service, error) {
	if index == nil || embedder == nil || catalog == nil {
		return nil, fmt.Errorf("index, embedder and catalog are required")
	}
	w := opts.Weights
	if w == (Weights{}) {
		w = DefaultWeights
	}
	s := &Service{
		index:    index,
		embedder: embedder,
		catalog:  catalog,
		weights:  w,
		log:      log.With().Str("component", "search").Logger(),
	}
	if reg != nil {
		s.searches = reg.Counter("searches_total", "Search queries served")
	}
	return s, nil
}

// ClampTopK folds an oversized request down to MaxTopK. A non-positive
// topK stays 0: the caller returns an empty result for it.
func ClampTopK(topK int) int {
	if topK < 0 {
		return 0
	}
	if topK > MaxTopK {
		return MaxTopK
	}
	return topK
}

func validateQuery(query string) error {
	if utf8.RuneCountInString(strings.TrimSpace(query)) < MinQueryLen {
		return ErrQueryTooShort
	}
	return nil
}

func (s *Service) candidates(ctx context.Context, query string, pool int) ([]vecindex.Hit, map[int64]store.StoryMeta, error) {
	if err := validateQuery(query); err != nil {
		return nil, nil, err
	}
	if !s.index.Ready() {
		return nil, nil, ErrNotReady
	}
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	hits, err := s.index.Search(vec, pool)
	if err != nil {
		if errors.Is(err, vecindex.ErrNotTrained) {
			return nil, nil, ErrNotReady
		}
		return nil, nil, err
	}
	if len(hits) == 0 {
		return nil, map[int64]store.StoryMeta{}, nil
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.Story
	}
	metas, err := s.catalog.StoryMetas(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	return hits, metas, nil
}

// Search runs the plain query path and returns at most topK ranked
// stories, best first.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if s.searches != nil {
		s.searches.Inc()
	}
	topK = ClampTopK(topK)
	if topK == 0 {
		if err := validateQuery(query); err != nil {
			return nil, err
		}
		return nil, nil
	}
	hits, metas, err := s.candidates(ctx, query, baseCandidates)
	if err != nil {
		return nil, err
	}
	ranked := Rank(query, hits, metas, s.weights)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

// SearchFiltered intersects a wider candidate pool with the filters.
// Relevance sorting keeps the blended order; score and time sorts take
// their order from the catalog.
func (s *Service) SearchFiltered(ctx context.Context, query string, topK int, f store.Filters, sortBy store.Sort) ([]Result, error) {
	if s.searches != nil {
		s.searches.Inc()
	}
	topK = ClampTopK(topK)
	if topK == 0 {
		if err := validateQuery(query); err != nil {
			return nil, err
		}
		return nil, nil
	}
	hits, metas, err := s.candidates(ctx, query, filteredCandidates)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	byStory := make(map[int64]vecindex.Hit, len(hits))
	for i, h := range hits {
		ids[i] = h.Story
		byStory[h.Story] = h
	}
	kept, err := s.catalog.FilterCandidates(ctx, ids, f, sortBy)
	if err != nil {
		return nil, err
	}
	keptSet := make(map[int64]struct{}, len(kept))
	for _, id := range kept {
		keptSet[id] = struct{}{}
	}

	if sortBy.By == store.SortRelevance || sortBy.By == "" {
		ranked := Rank(query, hits, metas, s.weights)
		out := make([]Result, 0, topK)
		for _, r := range ranked {
			if _, ok := keptSet[r.Story]; !ok {
				continue
			}
			out = append(out, r)
			if len(out) == topK {
				break
			}
		}
		return out, nil
	}

	// Catalog ordering wins; scores are still reported for context.
	ranked := Rank(query, hits, metas, s.weights)
	scores := make(map[int64]float64, len(ranked))
	for _, r := range ranked {
		scores[r.Story] = r.Score
	}
	out := make([]Result, 0, topK)
	for _, id := range kept {
		h, ok := byStory[id]
		if !ok {
			continue
		}
		out = append(out, Result{Story: id, Distance: h.Distance, Score: scores[id]})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}
