// Package ingest mirrors the upstream item stream into the catalog:
// a bounded backfill of the id window behind the upstream high-water
// mark, then a live tailer over the update stream. Updates arriving
// during backfill are buffered and drained before live processing, so
// nothing is lost in the handover.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/doujins-org/threadsearch/hn"
	"github.com/doujins-org/threadsearch/metrics"
	"github.com/doujins-org/threadsearch/store"
)

// Feed is the upstream surface the engine consumes.
type Feed interface {
	MaxItem(ctx context.Context) (int64, error)
	Items(ctx context.Context, ids []int64) ([]*hn.Item, error)
	User(ctx context.Context, name string) (*hn.User, error)
	StreamUpdates(ctx context.Context, fn func(hn.Updates) error) error
}

// Catalog is the slice of the item store the engine writes.
type Catalog interface {
	UpsertItems(ctx context.Context, items []store.Item) error
	UpsertUsers(ctx context.Context, users []store.User) error
	MaxItemID(ctx context.Context) (int64, error)
	RootStoryID(ctx context.Context, id int64) (int64, bool, error)
}

type Options struct {
	// Offset is how far behind the local high-water mark backfill
	// starts. OPTS offset=N overrides it.
	Offset int64

	// BatchSize is clamped to [64, 2048].
	BatchSize int64

	Retries    uint64
	RetryDelay time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Offset <= 0 {
		out.Offset = 10000
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 128
	}
	if out.BatchSize < 64 {
		out.BatchSize = 64
	}
	if out.BatchSize > 2048 {
		out.BatchSize = 2048
	}
	if out.Retries == 0 {
		out.Retries = 5
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 5 * time.Second
	}
	return out
}

type Engine struct {
	feed     Feed
	catalog  Catalog
	affected *AffectedSet
	missing  *Missing
	opts     Options
	log      zerolog.Logger

	events       chan hn.Updates
	backfillDone chan struct{}

	updates      *metrics.Counter
	itemsUpdated *metrics.Counter
	usersUpdated *metrics.Counter
	affectedCnt  *metrics.Counter
	liveFlag     *metrics.Gauge
}

func NewEngine(feed Feed, catalog Catalog, affected *AffectedSet, missing *Missing, reg *metrics.Registry, opts Options, log zerolog.Logger) (*Engine, error) {
	if feed == nil || catalog == nil {
		return nil, fmt.Errorf("feed and catalog are required")
	}
	if affected == nil {
		affected = NewAffectedSet()
	}
	e := &Engine{
		feed:         feed,
		catalog:      catalog,
		affected:     affected,
		missing:      missing,
		opts:         opts.withDefaults(),
		log:          log.With().Str("component", "ingest").Logger(),
		events:       make(chan hn.Updates, 1024),
		backfillDone: make(chan struct{}),
	}
	if reg != nil {
		e.updates = reg.Counter("updates_total", "Update stream events processed")
		e.itemsUpdated = reg.Counter("items_updated_total", "Items written to the catalog")
		e.usersUpdated = reg.Counter("users_updated_total", "User profiles written to the catalog")
		e.affectedCnt = reg.Counter("affected_stories_total", "Stories queued for re-embedding")
		e.liveFlag = reg.Gauge("initial_fetch_completed", "1 once backfill finished and the tailer went live")
	}
	return e, nil
}

// Affected exposes the set the embedding engine drains.
func (e *Engine) Affected() *AffectedSet { return e.affected }

// BackfillDone is closed once RunBackfill finishes; the embedding
// catchup waits on it.
func (e *Engine) BackfillDone() <-chan struct{} { return e.backfillDone }

func itemRow(it *hn.Item) store.Item {
	parts := ""
	if len(it.Parts) > 0 {
		if b, err := json.Marshal(it.Parts); err == nil {
			parts = string(b)
		}
	}
	return store.Item{
		ID:          it.ID,
		Deleted:     it.Deleted,
		Type:        it.Type,
		By:          it.By,
		Time:        it.Time,
		Text:        it.Text,
		Dead:        it.Dead,
		Parent:      it.Parent,
		Poll:        it.Poll,
		URL:         it.URL,
		Score:       it.Score,
		Title:       it.Title,
		Parts:       parts,
		Descendants: it.Descendants,
		Kids:        it.Kids,
	}
}

func userRow(u *hn.User) store.User {
	submitted := ""
	if len(u.Submitted) > 0 {
		if b, err := json.Marshal(u.Submitted); err == nil {
			submitted = string(b)
		}
	}
	return store.User{
		ID:        u.ID,
		Created:   u.Created,
		Karma:     u.Karma,
		About:     u.About,
		Submitted: submitted,
	}
}

// fetchAndStoreItems pulls ids from the feed, records holes in the
// missing journal, and upserts the rest in one transaction. Returns the
// fetched items for ancestor walking.
func (e *Engine) fetchAndStoreItems(ctx context.Context, ids []int64) ([]*hn.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	fetched, err := e.feed.Items(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching %d items: %w", len(ids), err)
	}
	rows := make([]store.Item, 0, len(fetched))
	var kept []*hn.Item
	for i, it := range fetched {
		if it == nil {
			if e.missing != nil {
				e.missing.Add(ids[i])
			}
			continue
		}
		rows = append(rows, itemRow(it))
		kept = append(kept, it)
	}
	if err := e.catalog.UpsertItems(ctx, rows); err != nil {
		return nil, err
	}
	if e.itemsUpdated != nil {
		e.itemsUpdated.Add(int64(len(rows)))
	}
	return kept, nil
}

// RunBackfill syncs the id window behind the upstream high-water mark,
// then closes the handover gate so the dispatcher can go live. Each
// batch retries on a fixed interval before giving up.
func (e *Engine) RunBackfill(ctx context.Context) error {
	defer close(e.backfillDone)

	localMax, err := e.catalog.MaxItemID(ctx)
	if err != nil {
		return err
	}
	upstreamMax, err := e.feed.MaxItem(ctx)
	if err != nil {
		return fmt.Errorf("reading upstream max item: %w", err)
	}

	start := localMax - e.opts.Offset
	if start < 1 {
		start = 1
	}
	e.log.Info().
		Int64("from", start).
		Int64("to", upstreamMax).
		Int64("batch_size", e.opts.BatchSize).
		Msg("backfill starting")

	for lo := start; lo <= upstreamMax; lo += e.opts.BatchSize {
		hi := lo + e.opts.BatchSize - 1
		if hi > upstreamMax {
			hi = upstreamMax
		}
		ids := make([]int64, 0, hi-lo+1)
		for id := lo; id <= hi; id++ {
			if e.missing != nil && e.missing.Has(id) {
				continue
			}
			ids = append(ids, id)
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.RetryDelay), e.opts.Retries),
			ctx)
		err := backoff.Retry(func() error {
			_, err := e.fetchAndStoreItems(ctx, ids)
			if err != nil {
				e.log.Warn().Err(err).Int64("from", lo).Int64("to", hi).Msg("backfill batch failed")
			}
			return err
		}, policy)
		if err != nil {
			return fmt.Errorf("backfill batch [%d,%d]: %w", lo, hi, err)
		}
	}
	e.log.Info().Int64("to", upstreamMax).Msg("backfill complete")
	return nil
}

// RunTailer feeds stream events into the dispatcher channel. It only
// returns on cancellation; transport hiccups reconnect inside the feed.
func (e *Engine) RunTailer(ctx context.Context) error {
	return e.feed.StreamUpdates(ctx, func(u hn.Updates) error {
		select {
		case e.events <- u:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}

// RunDispatcher buffers events until backfill completes, then drains
// the buffer and processes live events in arrival order.
func (e *Engine) RunDispatcher(ctx context.Context) error {
	bufItems := make(map[int64]struct{})
	bufProfiles := make(map[string]struct{})
	buffering := true

	for buffering {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-e.events:
			for _, id := range u.Items {
				bufItems[id] = struct{}{}
			}
			for _, p := range u.Profiles {
				bufProfiles[p] = struct{}{}
			}
		case <-e.backfillDone:
			buffering = false
		}
	}

	if len(bufItems) > 0 || len(bufProfiles) > 0 {
		buffered := hn.Updates{}
		for id := range bufItems {
			buffered.Items = append(buffered.Items, id)
		}
		for p := range bufProfiles {
			buffered.Profiles = append(buffered.Profiles, p)
		}
		e.log.Info().
			Int("items", len(buffered.Items)).
			Int("profiles", len(buffered.Profiles)).
			Msg("draining updates buffered during backfill")
		e.processUpdates(ctx, buffered)
	}

	if e.liveFlag != nil {
		e.liveFlag.Set(1)
	}
	e.log.Info().Msg("ingest live")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-e.events:
			e.processUpdates(ctx, u)
		}
	}
}

// processUpdates writes changed items and profiles, then queues the
// story at the root of each changed item for re-embedding. Every root
// is queued; the embedding engine decides eligibility when it drains,
// so a story that crosses the thresholds between the touch and the
// drain is not missed. Failures are logged and skipped; the stream
// must outlive upstream flakiness.
func (e *Engine) processUpdates(ctx context.Context, u hn.Updates) {
	if e.updates != nil {
		e.updates.Inc()
	}

	items, err := e.fetchAndStoreItems(ctx, u.Items)
	if err != nil {
		e.log.Warn().Err(err).Int("items", len(u.Items)).Msg("update item sync failed")
	}

	var users []store.User
	for _, name := range u.Profiles {
		usr, err := e.feed.User(ctx, name)
		if err != nil {
			e.log.Warn().Err(err).Str("user", name).Msg("profile fetch failed")
			continue
		}
		if usr == nil {
			continue
		}
		users = append(users, userRow(usr))
	}
	if len(users) > 0 {
		if err := e.catalog.UpsertUsers(ctx, users); err != nil {
			e.log.Warn().Err(err).Int("users", len(users)).Msg("profile sync failed")
		} else if e.usersUpdated != nil {
			e.usersUpdated.Add(int64(len(users)))
		}
	}

	roots := make(map[int64]struct{})
	for _, it := range items {
		root, isStory, err := e.catalog.RootStoryID(ctx, it.ID)
		if err != nil {
			e.log.Warn().Err(err).Int64("item", it.ID).Msg("ancestor walk failed")
			continue
		}
		if !isStory || root == 0 {
			continue
		}
		roots[root] = struct{}{}
	}
	for root := range roots {
		e.affected.Add(root)
		if e.affectedCnt != nil {
			e.affectedCnt.Inc()
		}
	}
}
