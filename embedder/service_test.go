package embedder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestService(t *testing.T, fake *fakeEmbedder) *Service {
	t.Helper()
	q := NewQueue(fake, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)

	cache, err := OpenCache(filepath.Join(t.TempDir(), "cache.jsonl"), 100, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	svc, err := NewService(q, cache)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestEmbedQueryCaches(t *testing.T) {
	fake := &fakeEmbedder{}
	svc := newTestService(t, fake)
	ctx := context.Background()

	vec1, err := svc.EmbedQuery(ctx, "Hello World")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}

	// Casing and whitespace variants hit the same cache entry.
	vec2, err := svc.EmbedQuery(ctx, "  hello   WORLD ")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if len(vec1) != len(vec2) || vec1[0] != vec2[0] {
		t.Fatalf("expected identical cached vector")
	}

	fake.mu.Lock()
	calls := len(fake.calls)
	fake.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected 1 model call, got %d", calls)
	}

	hits, misses, size := svc.CacheStats()
	if hits != 1 || misses != 1 || size != 1 {
		t.Fatalf("stats = %d/%d/%d, want 1/1/1", hits, misses, size)
	}
}

func TestEmbedQueryRejectsEmpty(t *testing.T) {
	svc := newTestService(t, &fakeEmbedder{})
	if _, err := svc.EmbedQuery(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for blank query")
	}
}

func TestEmbedQueryModelFailure(t *testing.T) {
	wantErr := errors.New("rate limited")
	svc := newTestService(t, &fakeEmbedder{err: wantErr})
	if _, err := svc.EmbedQuery(context.Background(), "real query"); !errors.Is(err, wantErr) {
		t.Fatalf("expected model error, got %v", err)
	}
	// Failures are not cached.
	if _, _, size := svc.CacheStats(); size != 0 {
		t.Fatalf("failure was cached")
	}
}

func TestEmbedDocsPassThrough(t *testing.T) {
	fake := &fakeEmbedder{}
	svc := newTestService(t, fake)
	vecs, err := svc.EmbedDocs(context.Background(), []string{"doc one", "doc two"})
	if err != nil {
		t.Fatalf("EmbedDocs: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
}
