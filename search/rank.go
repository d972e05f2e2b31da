package search

import (
	"sort"
	"strings"

	"github.com/doujins-org/threadsearch/store"
	"github.com/doujins-org/threadsearch/vecindex"
)

// Weights blends the ranking features. Each feature is min-max
// normalized over the candidate set before weighting.
type Weights struct {
	Points     float64
	Similarity float64
	Recency    float64
	Topicality float64
}

var DefaultWeights = Weights{
	Points:     0.25,
	Similarity: 0.25,
	Recency:    0.40,
	Topicality: 0.15,
}

// Result is one ranked story.
type Result struct {
	Story    int64
	Distance float32
	Score    float64
}

// minMax normalizes values into [0,1]. With reverse, smaller raw values
// map to 1. A degenerate set (min == max) maps to all 1s, or all 0s
// when reversed, so a constant feature neither helps nor hurts order.
func minMax(values []float64, reverse bool) []float64 {
	if len(values) == 0 {
		return nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(values))
	if hi == lo {
		fill := 1.0
		if reverse {
			fill = 0.0
		}
		for i := range out {
			out[i] = fill
		}
		return out
	}
	span := hi - lo
	for i, v := range values {
		n := (v - lo) / span
		if reverse {
			n = 1 - n
		}
		out[i] = n
	}
	return out
}

// topicality rewards query words appearing early in the title:
// each matching title position i contributes 1/(i+1).
func topicality(queryWords map[string]struct{}, title string) float64 {
	var t float64
	for i, w := range strings.Fields(strings.ToLower(title)) {
		if _, ok := queryWords[w]; ok {
			t += 1 / float64(i+1)
		}
	}
	return t
}

// Rank orders index hits by the blended feature score, descending.
// Hits without catalog metadata or without a title are dropped (an
// absent title is stored as ""). Ties break by ascending story id, so
// the ordering is total and stable across runs.
func Rank(query string, hits []vecindex.Hit, metas map[int64]store.StoryMeta, w Weights) []Result {
	type cand struct {
		hit  vecindex.Hit
		meta store.StoryMeta
	}
	cands := make([]cand, 0, len(hits))
	for _, h := range hits {
		m, ok := metas[h.Story]
		if !ok || m.Title == "" {
			continue
		}
		cands = append(cands, cand{hit: h, meta: m})
	}
	if len(cands) == 0 {
		return nil
	}

	queryWords := make(map[string]struct{})
	for _, qw := range strings.Fields(strings.ToLower(query)) {
		queryWords[qw] = struct{}{}
	}

	points := make([]float64, len(cands))
	dists := make([]float64, len(cands))
	times := make([]float64, len(cands))
	topics := make([]float64, len(cands))
	for i, c := range cands {
		points[i] = float64(c.meta.Score)
		dists[i] = float64(c.hit.Distance)
		times[i] = float64(c.meta.Time)
		topics[i] = topicality(queryWords, c.meta.Title)
	}
	nPoints := minMax(points, false)
	nSim := minMax(dists, true) // closer is better
	nRecency := minMax(times, false)
	nTopic := minMax(topics, false)

	out := make([]Result, len(cands))
	for i, c := range cands {
		out[i] = Result{
			Story:    c.hit.Story,
			Distance: c.hit.Distance,
			Score: w.Points*nPoints[i] +
				w.Similarity*nSim[i] +
				w.Recency*nRecency[i] +
				w.Topicality*nTopic[i],
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Story < out[j].Story
	})
	return out
}
