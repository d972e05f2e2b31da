package search

import (
	"testing"

	"github.com/doujins-org/threadsearch/eval"
	"github.com/doujins-org/threadsearch/store"
	"github.com/doujins-org/threadsearch/vecindex"
)

func TestMinMax(t *testing.T) {
	got := minMax([]float64{10, 20, 30}, false)
	want := []float64{0, 0.5, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("minMax = %v, want %v", got, want)
		}
	}

	rev := minMax([]float64{10, 20, 30}, true)
	if rev[0] != 1 || rev[2] != 0 {
		t.Fatalf("reversed = %v", rev)
	}

	// Degenerate sets are neutral: all 1s forward, all 0s reversed.
	if flat := minMax([]float64{5, 5, 5}, false); flat[0] != 1 || flat[2] != 1 {
		t.Fatalf("degenerate forward = %v", flat)
	}
	if flat := minMax([]float64{5, 5, 5}, true); flat[0] != 0 || flat[2] != 0 {
		t.Fatalf("degenerate reversed = %v", flat)
	}
	if out := minMax(nil, false); out != nil {
		t.Fatalf("empty input = %v", out)
	}
}

func TestTopicality(t *testing.T) {
	words := map[string]struct{}{"go": {}, "practice": {}}
	if got := topicality(words, "Go generics in practice"); got != 1.0+0.25 {
		t.Fatalf("topicality = %v, want 1.25", got)
	}
	if got := topicality(words, "Rust ownership explained"); got != 0 {
		t.Fatalf("topicality = %v, want 0", got)
	}
	if got := topicality(map[string]struct{}{}, "anything"); got != 0 {
		t.Fatalf("topicality with no query words = %v", got)
	}
}

func rankedIDs(results []Result) []int64 {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Story
	}
	return ids
}

func TestRankOrdersByBlend(t *testing.T) {
	hits := []vecindex.Hit{
		{Story: 1, Distance: 0.3},
		{Story: 2, Distance: 0.2},
		{Story: 3, Distance: 0.1},
	}
	metas := map[int64]store.StoryMeta{
		1: {ID: 1, Title: "older", Time: 100, Score: 10},
		2: {ID: 2, Title: "middle", Time: 200, Score: 10},
		3: {ID: 3, Title: "newest", Time: 300, Score: 10},
	}
	got := Rank("unrelated query", hits, metas, DefaultWeights)
	ids := rankedIDs(got)
	if len(ids) != 3 || ids[0] != 3 || ids[1] != 2 || ids[2] != 1 {
		t.Fatalf("order = %v, want [3 2 1]", ids)
	}
	if got[0].Score <= got[1].Score || got[1].Score <= got[2].Score {
		t.Fatalf("scores not descending: %+v", got)
	}
}

func TestRankTopicalityBreaksEvenField(t *testing.T) {
	hits := []vecindex.Hit{
		{Story: 1, Distance: 0.2},
		{Story: 2, Distance: 0.2},
	}
	metas := map[int64]store.StoryMeta{
		1: {ID: 1, Title: "Kubernetes at scale", Time: 100, Score: 50},
		2: {ID: 2, Title: "Databases at scale", Time: 100, Score: 50},
	}
	got := Rank("kubernetes outage", hits, metas, DefaultWeights)
	if ids := rankedIDs(got); ids[0] != 1 {
		t.Fatalf("order = %v, want title match first", ids)
	}
}

func TestRankTiesBreakByStoryID(t *testing.T) {
	hits := []vecindex.Hit{
		{Story: 9, Distance: 0.5},
		{Story: 4, Distance: 0.5},
	}
	metas := map[int64]store.StoryMeta{
		9: {ID: 9, Title: "same", Time: 100, Score: 10},
		4: {ID: 4, Title: "same", Time: 100, Score: 10},
	}
	got := Rank("query", hits, metas, DefaultWeights)
	if ids := rankedIDs(got); ids[0] != 4 || ids[1] != 9 {
		t.Fatalf("order = %v, want [4 9]", ids)
	}
}

func TestRankRetrievalQuality(t *testing.T) {
	hits := []vecindex.Hit{
		{Story: 1, Distance: 0.9},
		{Story: 2, Distance: 0.1},
		{Story: 3, Distance: 0.2},
		{Story: 4, Distance: 0.8},
	}
	metas := map[int64]store.StoryMeta{
		1: {ID: 1, Title: "stale tangent", Time: 100, Score: 5},
		2: {ID: 2, Title: "Go memory model", Time: 400, Score: 80},
		3: {ID: 3, Title: "Go garbage collector", Time: 380, Score: 60},
		4: {ID: 4, Title: "unrelated", Time: 120, Score: 8},
	}
	cases := []eval.Case{
		{Name: "memory model", Query: "go memory model", Expected: []int64{2, 3}},
	}
	for _, tc := range cases {
		got := rankedIDs(Rank(tc.Query, hits, metas, DefaultWeights))
		if r := eval.RecallAtK(got, tc.Expected, 2); r != 1.0 {
			t.Fatalf("%s: recall@2 = %v with order %v", tc.Name, r, got)
		}
		if m := eval.MRR(got, tc.Expected); m != 1.0 {
			t.Fatalf("%s: mrr = %v with order %v", tc.Name, m, got)
		}
	}
}

func TestRankDropsHitsWithoutMetadata(t *testing.T) {
	hits := []vecindex.Hit{
		{Story: 1, Distance: 0.1},
		{Story: 2, Distance: 0.2},
	}
	metas := map[int64]store.StoryMeta{
		2: {ID: 2, Title: "present", Time: 100, Score: 10},
	}
	got := Rank("query", hits, metas, DefaultWeights)
	if len(got) != 1 || got[0].Story != 2 {
		t.Fatalf("results = %+v, want only story 2", got)
	}
	if Rank("query", hits, nil, DefaultWeights) != nil {
		t.Fatalf("expected nil with no metadata")
	}
}

func TestRankDropsUntitledCandidates(t *testing.T) {
	hits := []vecindex.Hit{
		{Story: 1, Distance: 0.1},
		{Story: 2, Distance: 0.5},
	}
	metas := map[int64]store.StoryMeta{
		1: {ID: 1, Title: "", Time: 400, Score: 90},
		2: {ID: 2, Title: "titled", Time: 100, Score: 10},
	}
	got := Rank("query", hits, metas, DefaultWeights)
	if len(got) != 1 || got[0].Story != 2 {
		t.Fatalf("results = %+v, want only the titled story", got)
	}
}
