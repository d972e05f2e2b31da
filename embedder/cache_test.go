package embedder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")

	c, err := OpenCache(path, 10, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	c.Put("rust performance", []float32{1, 2, 3})
	c.Put("go generics", []float32{4, 5, 6})
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh open replays the journal.
	c2, err := OpenCache(path, 10, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	vec, ok := c2.Get("rust performance")
	if !ok || len(vec) != 3 || vec[0] != 1 {
		t.Fatalf("expected persisted entry, got %v ok=%v", vec, ok)
	}
	if _, ok := c2.Get("never stored"); ok {
		t.Fatalf("unexpected hit")
	}
}

func TestCacheSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	content := "not json at all\n" +
		`{"query":"good","embedding":[0.5]}` + "\n" +
		`{"query":"","embedding":[1]}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := OpenCache(path, 10, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer c.Close()
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if _, ok := c.Get("good"); !ok {
		t.Fatalf("expected surviving entry")
	}
}

func TestCacheEvicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	c, err := OpenCache(path, 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer c.Close()
	c.Put("a", []float32{1})
	c.Put("b", []float32{2})
	c.Put("c", []float32{3})
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected oldest entry evicted")
	}
}
