package embedder

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrClosed is returned for requests submitted after the queue stopped.
var ErrClosed = errors.New("embedder: queue closed")

type Priority int

const (
	// High is for interactive query embeds; they dequeue ahead of any
	// waiting document batch.
	High Priority = iota
	Normal
)

type request struct {
	texts []string
	reply chan result
}

type result struct {
	vecs [][]float32
	err  error
}

// Queue serializes model calls through one consumer goroutine with two
// priority lanes. A long document batch already in flight finishes, but
// queued high-priority work is always taken before queued normal work.
type Queue struct {
	emb    Embedder
	high   chan request
	normal chan request
	done   chan struct{}
	log    zerolog.Logger
}

func NewQueue(emb Embedder, log zerolog.Logger) *Queue {
	return &Queue{
		emb:    emb,
		high:   make(chan request),
		normal: make(chan request),
		done:   make(chan struct{}),
		log:    log.With().Str("component", "embed_queue").Logger(),
	}
}

// Run consumes until ctx is cancelled. Call once.
func (q *Queue) Run(ctx context.Context) error {
	defer close(q.done)
	for {
		// Drain high-priority work first.
		select {
		case req := <-q.high:
			q.serve(ctx, req)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-q.high:
			q.serve(ctx, req)
		case req := <-q.normal:
			q.serve(ctx, req)
		}
	}
}

func (q *Queue) serve(ctx context.Context, req request) {
	vecs, err := q.emb.EmbedTexts(ctx, req.texts)
	if err != nil {
		q.log.Warn().Err(err).Int("texts", len(req.texts)).Msg("embedding call failed")
	}
	req.reply <- result{vecs: vecs, err: err}
}

// Embed submits texts at the given priority and waits for the vectors.
// A model failure is returned to this caller only; the queue keeps
// serving other requests.
func (q *Queue) Embed(ctx context.Context, p Priority, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := request{texts: texts, reply: make(chan result, 1)}
	lane := q.normal
	if p == High {
		lane = q.high
	}
	select {
	case lane <- req:
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.vecs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
