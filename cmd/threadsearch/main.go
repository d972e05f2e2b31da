// Command threadsearch runs the semantic search service: catalog sync,
// document embedding, the in-memory vector index, and the HTTP API,
// all in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/doujins-org/threadsearch/docbuild"
	"github.com/doujins-org/threadsearch/embedder"
	"github.com/doujins-org/threadsearch/embedengine"
	"github.com/doujins-org/threadsearch/embedstore"
	"github.com/doujins-org/threadsearch/hn"
	"github.com/doujins-org/threadsearch/httpapi"
	"github.com/doujins-org/threadsearch/ingest"
	"github.com/doujins-org/threadsearch/metrics"
	"github.com/doujins-org/threadsearch/search"
	"github.com/doujins-org/threadsearch/store"
	"github.com/doujins-org/threadsearch/vecindex"
)

type config struct {
	dbPath      string
	addr        string
	passwd      string
	openaiKey   string
	openaiBase  string
	embedModel  string
	answerModel string
	cachePath   string
	missingPath string

	nosync  bool
	noembed bool
	debug   bool
	offset  int64
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadConfig() (config, error) {
	_ = godotenv.Load()

	cfg := config{
		dbPath:      os.Getenv("DB_PATH"),
		addr:        envOr("ADDR", ":8080"),
		passwd:      os.Getenv("PASSWD"),
		openaiKey:   os.Getenv("OPENAI_API_KEY"),
		openaiBase:  os.Getenv("OPENAI_BASE_URL"),
		embedModel:  envOr("EMBED_MODEL", "text-embedding-3-small"),
		answerModel: envOr("ANSWER_MODEL", "gpt-4o-mini"),
		cachePath:   envOr("EMBED_CACHE_PATH", "embedder_cache.jsonl"),
		missingPath: envOr("MISSING_IDS_PATH", "missing_ids.txt"),
	}
	if strings.TrimSpace(cfg.dbPath) == "" {
		return cfg, fmt.Errorf("DB_PATH is required (connection string of the catalog database)")
	}

	// OPTS is space-separated; commas are tolerated as separators too.
	opts := strings.FieldsFunc(os.Getenv("OPTS"), func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
	for _, opt := range opts {
		switch {
		case opt == "nosync":
			cfg.nosync = true
		case opt == "noembed":
			cfg.noembed = true
		case opt == "debug":
			cfg.debug = true
		case strings.HasPrefix(opt, "offset="):
			n, err := strconv.ParseInt(strings.TrimPrefix(opt, "offset="), 10, 64)
			if err != nil || n < 0 {
				return cfg, fmt.Errorf("invalid OPTS flag %q", opt)
			}
			cfg.offset = n
		default:
			return cfg, fmt.Errorf("unknown OPTS flag %q", opt)
		}
	}
	return cfg, nil
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	var w io.Writer = os.Stderr
	if debug {
		level = zerolog.DebugLevel
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(level)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "threadsearch:", err)
		os.Exit(1)
	}
	log := newLogger(cfg.debug)
	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run(cfg config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.dbPath, store.Options{ReadOnly: cfg.nosync})
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer st.Close()

	es, err := embedstore.New(ctx, st.Pool(), cfg.nosync)
	if err != nil {
		return fmt.Errorf("opening embedding store: %w", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	parts, stories, err := es.Count(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int64("items", stats.Items).
		Int64("kids", stats.Kids).
		Int64("users", stats.Users).
		Int64("max_item", stats.MaxItemID).
		Int64("embedding_parts", parts).
		Int64("embedded_stories", stories).
		Msg("database state")

	reg := metrics.NewRegistry()

	emb, err := embedder.NewOpenAI(embedder.OpenAIConfig{
		BaseURL:    cfg.openaiBase,
		APIKey:     cfg.openaiKey,
		Model:      cfg.embedModel,
		Dimensions: embedstore.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("building embedder: %w", err)
	}
	queue := embedder.NewQueue(emb, log)
	cache, err := embedder.OpenCache(cfg.cachePath, embedder.DefaultCacheSize, log)
	if err != nil {
		return err
	}
	defer cache.Close()
	embSvc, err := embedder.NewService(queue, cache)
	if err != nil {
		return err
	}

	idx, err := vecindex.New(embedstore.Dimensions, vecindex.Options{})
	if err != nil {
		return err
	}
	var points []vecindex.Point
	if err := es.LoadAll(ctx, func(p embedstore.Part) error {
		points = append(points, vecindex.Point{Story: p.Story, Vector: p.Vector})
		return nil
	}); err != nil {
		return fmt.Errorf("loading embeddings for index build: %w", err)
	}
	if err := idx.Build(points); err != nil {
		return fmt.Errorf("building vector index: %w", err)
	}
	log.Info().Int("points", idx.Len()).Msg("vector index built")
	points = nil

	searchSvc, err := search.NewService(idx, embSvc, st, reg, search.Options{}, log)
	if err != nil {
		return err
	}
	var answerer *search.Answerer
	if cfg.openaiKey != "" {
		answerer, err = search.NewAnswerer(search.AnswerConfig{
			BaseURL: cfg.openaiBase,
			APIKey:  cfg.openaiKey,
			Model:   cfg.answerModel,
		}, st, log)
		if err != nil {
			return err
		}
	}
	api, err := httpapi.NewServer(searchSvc, answerer, idx, reg, httpapi.Config{Passwd: cfg.passwd}, log)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return queue.Run(ctx) })

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		log.Info().Str("addr", cfg.addr).Msg("http listening")
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
			return ctx.Err()
		}
	})

	// Cache stat gauges, refreshed on a slow tick.
	cacheSize := reg.Gauge("cache_size", "Entries in the query embedding cache")
	cacheHits := reg.Gauge("cache_hits", "Query embedding cache hits since start")
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				hits, _, size := embSvc.CacheStats()
				cacheHits.Set(hits)
				cacheSize.Set(int64(size))
			}
		}
	})

	if !cfg.nosync {
		client, err := hn.NewClient(hn.Options{})
		if err != nil {
			return err
		}
		missing, err := ingest.OpenMissing(cfg.missingPath)
		if err != nil {
			return err
		}
		defer missing.Close()

		ingOpts := ingest.Options{}
		if cfg.offset > 0 {
			ingOpts.Offset = cfg.offset
		}
		eng, err := ingest.NewEngine(client, st, nil, missing, reg, ingOpts, log)
		if err != nil {
			return err
		}

		g.Go(func() error { return eng.RunTailer(ctx) })
		g.Go(func() error { return eng.RunDispatcher(ctx) })
		g.Go(func() error { return eng.RunBackfill(ctx) })

		if !cfg.noembed {
			ee, err := embedengine.New(st, es, embSvc, idx,
				docbuild.New(docbuild.Options{}), reg,
				embedengine.Options{RewindOffset: cfg.offset}, log)
			if err != nil {
				return err
			}
			g.Go(func() error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-eng.BackfillDone():
				}
				if err := ee.RunCatchup(ctx); err != nil {
					return err
				}
				return ee.RunRealtime(ctx, eng.Affected())
			})
		}
	}

	return g.Wait()
}
