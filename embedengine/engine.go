// Package embedengine keeps embeddings current with the catalog. A
// catchup pass walks eligible stories the store has not embedded yet;
// a realtime loop periodically re-embeds stories whose discussions
// changed. Both feed the same build, encode, persist, reindex path.
package embedengine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/doujins-org/threadsearch/docbuild"
	"github.com/doujins-org/threadsearch/metrics"
	"github.com/doujins-org/threadsearch/store"
)

// Catalog is the read side of the item store the engine consumes.
type Catalog interface {
	Story(ctx context.Context, id int64) (*store.Item, error)
	StoryComments(ctx context.Context, storyID int64) ([]store.Comment, error)
	EligibleStoriesSince(ctx context.Context, afterID, minScore, minComments, limit int64) ([]int64, error)
	EligibleStoryOffset(ctx context.Context, last, k, minScore, minComments int64) (int64, error)
	IsEligibleStory(ctx context.Context, id, minScore, minComments int64) (bool, error)
}

// Vectors is the embedding store surface the engine writes.
type Vectors interface {
	UpsertParts(ctx context.Context, story int64, vectors [][]float32) error
	LastStory(ctx context.Context) (int64, error)
	MinMissingSince(ctx context.Context, afterID, minScore, minComments int64) (int64, error)
}

// Encoder turns document parts into vectors at background priority.
type Encoder interface {
	EmbedDocs(ctx context.Context, docs []string) ([][]float32, error)
}

// Index receives a story's fresh vectors after they are persisted.
type Index interface {
	Update(story int64, vectors [][]float32) error
}

// Drainer hands over the stories touched since the last drain.
type Drainer interface {
	Drain() []int64
}

type Options struct {
	// BatchSize is how many stories share one encode request.
	BatchSize int

	// RealtimeEvery is the drain cadence of the affected set.
	RealtimeEvery time.Duration

	// RewindOffset re-embeds this many eligible stories behind the
	// catchup start. OPTS offset=N sets it.
	RewindOffset int64

	MinScore    int64
	MinComments int64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BatchSize <= 0 {
		out.BatchSize = 16
	}
	if out.RealtimeEvery <= 0 {
		out.RealtimeEvery = 900 * time.Second
	}
	if out.MinScore <= 0 {
		out.MinScore = 20
	}
	if out.MinComments <= 0 {
		out.MinComments = 3
	}
	return out
}

type Engine struct {
	catalog Catalog
	vectors Vectors
	encoder Encoder
	index   Index
	builder *docbuild.Builder
	opts    Options
	log     zerolog.Logger

	embedRuns    *metrics.Counter
	storiesDone  *metrics.Counter
	realtimeFlag *metrics.Gauge
}

func New(catalog Catalog, vectors Vectors, encoder Encoder, index Index, builder *docbuild.Builder, reg *metrics.Registry, opts Options, log zerolog.Logger) (*Engine, error) {
	if catalog == nil || vectors == nil || encoder == nil || index == nil {
		return nil, fmt.Errorf("catalog, vectors, encoder and index are required")
	}
	if builder == nil {
		builder = docbuild.New(docbuild.Options{})
	}
	e := &Engine{
		catalog: catalog,
		vectors: vectors,
		encoder: encoder,
		index:   index,
		builder: builder,
		opts:    opts.withDefaults(),
		log:     log.With().Str("component", "embedengine").Logger(),
	}
	if reg != nil {
		e.embedRuns = reg.Counter("embed_runs_total", "Realtime embedding passes")
		e.storiesDone = reg.Counter("embedded_stories_total", "Stories embedded and indexed")
		e.realtimeFlag = reg.Gauge("embed_realtime", "1 while the realtime embedding loop runs")
	}
	return e, nil
}

// catchupStart picks where the catchup walk begins: the last embedded
// story, pulled back to just before the oldest eligible story that has
// no embedding, then rewound RewindOffset eligible stories further.
func (e *Engine) catchupStart(ctx context.Context) (int64, error) {
	last, err := e.vectors.LastStory(ctx)
	if err != nil {
		return 0, err
	}
	start := last
	missing, err := e.vectors.MinMissingSince(ctx, 0, e.opts.MinScore, e.opts.MinComments)
	if err != nil {
		return 0, err
	}
	if missing > 0 && missing-1 < start {
		start = missing - 1
	}
	if e.opts.RewindOffset > 0 && start > 0 {
		start, err = e.catalog.EligibleStoryOffset(ctx, start, e.opts.RewindOffset, e.opts.MinScore, e.opts.MinComments)
		if err != nil {
			return 0, err
		}
		if start > 0 {
			start--
		}
	}
	return start, nil
}

// RunCatchup embeds every eligible story past the computed start, in
// id order, then returns.
func (e *Engine) RunCatchup(ctx context.Context) error {
	cursor, err := e.catchupStart(ctx)
	if err != nil {
		return fmt.Errorf("computing catchup start: %w", err)
	}
	e.log.Info().Int64("after", cursor).Msg("catchup starting")

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := e.catalog.EligibleStoriesSince(ctx, cursor, e.opts.MinScore, e.opts.MinComments, int64(e.opts.BatchSize))
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		done, err := e.ProcessStories(ctx, ids)
		if err != nil {
			return err
		}
		total += done
		cursor = ids[len(ids)-1]
	}
	e.log.Info().Int("stories", total).Msg("catchup complete")
	return nil
}

// RunRealtime drains the affected set on a fixed cadence until ctx is
// cancelled. The set holds every touched story; eligibility is checked
// here, at drain time, so the check sees the story's current score and
// comment count.
func (e *Engine) RunRealtime(ctx context.Context, drainer Drainer) error {
	if drainer == nil {
		return fmt.Errorf("drainer is required")
	}
	if e.realtimeFlag != nil {
		e.realtimeFlag.Set(1)
		defer e.realtimeFlag.Set(0)
	}
	ticker := time.NewTicker(e.opts.RealtimeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ids := drainer.Drain()
			if e.embedRuns != nil {
				e.embedRuns.Inc()
			}
			eligible := ids[:0]
			for _, id := range ids {
				ok, err := e.catalog.IsEligibleStory(ctx, id, e.opts.MinScore, e.opts.MinComments)
				if err != nil {
					e.log.Warn().Err(err).Int64("story", id).Msg("eligibility check failed")
					continue
				}
				if ok {
					eligible = append(eligible, id)
				}
			}
			if len(eligible) == 0 {
				continue
			}
			e.log.Info().Int("stories", len(eligible)).Msg("realtime embedding pass")
			if _, err := e.ProcessStories(ctx, eligible); err != nil {
				return err
			}
		}
	}
}

type builtStory struct {
	id    int64
	parts []string
}

// ProcessStories builds, encodes, persists and reindexes the given
// stories, batching encode requests. Per-story build or store failures
// are logged and skipped; an encoder failure skips the whole batch
// (embeddings stay absent until the next pass picks the stories up).
func (e *Engine) ProcessStories(ctx context.Context, ids []int64) (int, error) {
	done := 0
	for lo := 0; lo < len(ids); lo += e.opts.BatchSize {
		hi := lo + e.opts.BatchSize
		if hi > len(ids) {
			hi = len(ids)
		}
		n, err := e.processBatch(ctx, ids[lo:hi])
		if err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

func (e *Engine) processBatch(ctx context.Context, ids []int64) (int, error) {
	var built []builtStory
	var texts []string
	for _, id := range ids {
		parts, err := e.buildStory(ctx, id)
		if err != nil {
			e.log.Warn().Err(err).Int64("story", id).Msg("document build failed")
			continue
		}
		if len(parts) == 0 {
			continue
		}
		built = append(built, builtStory{id: id, parts: parts})
		texts = append(texts, parts...)
	}
	if len(built) == 0 {
		return 0, nil
	}

	vecs, err := e.encoder.EmbedDocs(ctx, texts)
	if err != nil {
		e.log.Warn().Err(err).Int("stories", len(built)).Msg("encode failed, batch skipped")
		return 0, nil
	}
	if len(vecs) != len(texts) {
		e.log.Warn().Int("want", len(texts)).Int("got", len(vecs)).Msg("encoder returned wrong count, batch skipped")
		return 0, nil
	}

	done := 0
	off := 0
	for _, b := range built {
		storyVecs := vecs[off : off+len(b.parts)]
		off += len(b.parts)
		if err := e.vectors.UpsertParts(ctx, b.id, storyVecs); err != nil {
			return done, fmt.Errorf("storing embeddings of story %d: %w", b.id, err)
		}
		if err := e.index.Update(b.id, storyVecs); err != nil {
			e.log.Warn().Err(err).Int64("story", b.id).Msg("index update failed")
		}
		if e.storiesDone != nil {
			e.storiesDone.Inc()
		}
		done++
	}
	return done, nil
}

func (e *Engine) buildStory(ctx context.Context, id int64) ([]string, error) {
	it, err := e.catalog.Story(ctx, id)
	if err != nil {
		return nil, err
	}
	if it == nil || it.Deleted || it.Dead {
		return nil, nil
	}
	comments, err := e.catalog.StoryComments(ctx, id)
	if err != nil {
		return nil, err
	}
	dcs := make([]docbuild.Comment, 0, len(comments))
	for _, c := range comments {
		if c.Deleted || c.Dead {
			continue
		}
		dcs = append(dcs, docbuild.Comment{ID: c.ID, Parent: c.Parent, Order: c.Order, Text: c.Text})
	}
	return e.builder.Build(docbuild.Story{ID: it.ID, Title: it.Title, Text: it.Text}, dcs), nil
}
