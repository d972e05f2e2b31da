package embedder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultCacheSize is the query cache capacity.
const DefaultCacheSize = 100000

type cacheRecord struct {
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding"`
}

// Cache remembers query embeddings across restarts. Entries are kept in
// an LRU and journaled to a JSONL file; the journal is replayed at open,
// so its tail holds the most recently used entries.
type Cache struct {
	mu   sync.Mutex
	lru  *lru.Cache[string, []float32]
	file *os.File
	enc  *json.Encoder
	log  zerolog.Logger
}

// OpenCache loads (creating if absent) the journal at path. Corrupt
// lines are skipped. Keys are expected pre-normalized by the caller.
func OpenCache(path string, capacity int, log zerolog.Logger) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	l, err := lru.New[string, []float32](capacity)
	if err != nil {
		return nil, err
	}
	c := &Cache{lru: l, log: log.With().Str("component", "embed_cache").Logger()}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening embedding cache %s: %w", path, err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var rec cacheRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			c.log.Warn().Int("line", lineNo).Err(err).Msg("skipping corrupt cache line")
			continue
		}
		if rec.Query == "" || len(rec.Embedding) == 0 {
			continue
		}
		c.lru.Add(rec.Query, rec.Embedding)
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading embedding cache %s: %w", path, err)
	}
	c.file = f
	c.enc = json.NewEncoder(f)
	c.log.Info().Int("entries", c.lru.Len()).Msg("embedding cache loaded")
	return c, nil
}

func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Put stores the vector and appends it to the journal. Journal write
// failures are logged, not fatal; the in-memory entry still serves.
func (c *Cache) Put(key string, vec []float32) {
	if key == "" || len(vec) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, vec)
	if c.enc != nil {
		if err := c.enc.Encode(cacheRecord{Query: key, Embedding: vec}); err != nil {
			c.log.Warn().Err(err).Msg("cache journal write failed")
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	c.enc = nil
	return err
}
