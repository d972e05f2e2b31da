package search

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/doujins-org/threadsearch/store"
	"github.com/doujins-org/threadsearch/vecindex"
)

type fakeIndex struct {
	hits  []vecindex.Hit
	ready bool
	err   error
	gotK  int
}

func (f *fakeIndex) Search(vec []float32, k int) ([]vecindex.Hit, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.hits) {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

func (f *fakeIndex) Ready() bool { return f.ready }

type fakeQueryEmbedder struct {
	err error
}

func (f *fakeQueryEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeSearchCatalog struct {
	metas     map[int64]store.StoryMeta
	kept      []int64
	gotFilter store.Filters
	gotSort   store.Sort
}

func (f *fakeSearchCatalog) StoryMetas(ctx context.Context, ids []int64) (map[int64]store.StoryMeta, error) {
	return f.metas, nil
}

func (f *fakeSearchCatalog) FilterCandidates(ctx context.Context, ids []int64, flt store.Filters, sortBy store.Sort) ([]int64, error) {
	f.gotFilter = flt
	f.gotSort = sortBy
	return f.kept, nil
}

func threeCandidates() (*fakeIndex, *fakeSearchCatalog) {
	idx := &fakeIndex{
		ready: true,
		hits: []vecindex.Hit{
			{Story: 1, Distance: 0.1},
			{Story: 2, Distance: 0.2},
			{Story: 3, Distance: 0.3},
		},
	}
	cat := &fakeSearchCatalog{
		metas: map[int64]store.StoryMeta{
			1: {ID: 1, Title: "a", Time: 300, Score: 10},
			2: {ID: 2, Title: "b", Time: 200, Score: 10},
			3: {ID: 3, Title: "c", Time: 100, Score: 10},
		},
	}
	return idx, cat
}

func newTestService(t *testing.T, idx *fakeIndex, cat *fakeSearchCatalog, emb *fakeQueryEmbedder) *Service {
	t.Helper()
	s, err := NewService(idx, emb, cat, nil, Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestClampTopK(t *testing.T) {
	if ClampTopK(0) != 0 || ClampTopK(-3) != 0 {
		t.Fatalf("non-positive values must stay 0")
	}
	if ClampTopK(1) != 1 || ClampTopK(10) != 10 {
		t.Fatalf("in-range value changed")
	}
	if ClampTopK(999) != MaxTopK {
		t.Fatalf("high clamp broken")
	}
}

func TestSearchTopKZeroReturnsEmpty(t *testing.T) {
	idx, cat := threeCandidates()
	s := newTestService(t, idx, cat, &fakeQueryEmbedder{})
	ctx := context.Background()

	got, err := s.Search(ctx, "go generics", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("results = %+v, want empty", got)
	}
	got, err = s.SearchFiltered(ctx, "go generics", 0, store.NewFilters(), store.Sort{})
	if err != nil || len(got) != 0 {
		t.Fatalf("filtered results = %+v, %v, want empty", got, err)
	}
	// Query validation still applies before the empty short-circuit.
	if _, err = s.Search(ctx, "go", 0); !errors.Is(err, ErrQueryTooShort) {
		t.Fatalf("expected ErrQueryTooShort, got %v", err)
	}
}

func TestSearchRejectsShortQuery(t *testing.T) {
	idx, cat := threeCandidates()
	s := newTestService(t, idx, cat, &fakeQueryEmbedder{})
	if _, err := s.Search(context.Background(), "  go  ", 10); !errors.Is(err, ErrQueryTooShort) {
		t.Fatalf("expected ErrQueryTooShort, got %v", err)
	}
}

func TestSearchNotReady(t *testing.T) {
	idx, cat := threeCandidates()
	idx.ready = false
	s := newTestService(t, idx, cat, &fakeQueryEmbedder{})
	if _, err := s.Search(context.Background(), "go generics", 10); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestSearchUntrainedIndexMapsToNotReady(t *testing.T) {
	idx, cat := threeCandidates()
	idx.err = vecindex.ErrNotTrained
	s := newTestService(t, idx, cat, &fakeQueryEmbedder{})
	if _, err := s.Search(context.Background(), "go generics", 10); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestSearchEmbeddingFailure(t *testing.T) {
	idx, cat := threeCandidates()
	s := newTestService(t, idx, cat, &fakeQueryEmbedder{err: errors.New("model down")})
	if _, err := s.Search(context.Background(), "go generics", 10); !errors.Is(err, ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
}

func TestSearchRanksAndTruncates(t *testing.T) {
	idx, cat := threeCandidates()
	s := newTestService(t, idx, cat, &fakeQueryEmbedder{})

	got, err := s.Search(context.Background(), "anything relevant", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].Story != 1 || got[1].Story != 2 {
		t.Fatalf("results = %+v, want stories [1 2]", got)
	}
	if idx.gotK != baseCandidates {
		t.Fatalf("candidate pool = %d, want %d", idx.gotK, baseCandidates)
	}
}

func TestSearchEmptyIndexResults(t *testing.T) {
	idx := &fakeIndex{ready: true}
	cat := &fakeSearchCatalog{}
	s := newTestService(t, idx, cat, &fakeQueryEmbedder{})
	got, err := s.Search(context.Background(), "no matches", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("results = %+v, want empty", got)
	}
}

func TestSearchFilteredRelevanceKeepsBlendedOrder(t *testing.T) {
	idx, cat := threeCandidates()
	cat.kept = []int64{3, 1}
	s := newTestService(t, idx, cat, &fakeQueryEmbedder{})

	f := store.NewFilters()
	f.MinScore = 5
	got, err := s.SearchFiltered(context.Background(), "anything relevant", 10, f, store.Sort{By: store.SortRelevance})
	if err != nil {
		t.Fatalf("SearchFiltered: %v", err)
	}
	if len(got) != 2 || got[0].Story != 1 || got[1].Story != 3 {
		t.Fatalf("results = %+v, want stories [1 3]", got)
	}
	if idx.gotK != filteredCandidates {
		t.Fatalf("candidate pool = %d, want %d", idx.gotK, filteredCandidates)
	}
	if cat.gotFilter.MinScore != 5 {
		t.Fatalf("filters not forwarded: %+v", cat.gotFilter)
	}
}

func TestSearchFilteredCatalogOrderWins(t *testing.T) {
	idx, cat := threeCandidates()
	cat.kept = []int64{3, 1}
	s := newTestService(t, idx, cat, &fakeQueryEmbedder{})

	got, err := s.SearchFiltered(context.Background(), "anything relevant", 10, store.NewFilters(), store.Sort{By: store.SortScore, Ascending: true})
	if err != nil {
		t.Fatalf("SearchFiltered: %v", err)
	}
	if len(got) != 2 || got[0].Story != 3 || got[1].Story != 1 {
		t.Fatalf("results = %+v, want catalog order [3 1]", got)
	}
	if cat.gotSort.By != store.SortScore || !cat.gotSort.Ascending {
		t.Fatalf("sort not forwarded: %+v", cat.gotSort)
	}
}
