package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/doujins-org/threadsearch/metrics"
	"github.com/doujins-org/threadsearch/search"
	"github.com/doujins-org/threadsearch/store"
	"github.com/doujins-org/threadsearch/vecindex"
)

type fakeIndex struct {
	hits  []vecindex.Hit
	ready bool
}

func (f *fakeIndex) Search(vec []float32, k int) ([]vecindex.Hit, error) {
	if k < len(f.hits) {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

func (f *fakeIndex) Ready() bool { return f.ready }
func (f *fakeIndex) Len() int    { return len(f.hits) }

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1}, nil
}

type fakeCatalog struct {
	metas    map[int64]store.StoryMeta
	filtered bool
}

func (f *fakeCatalog) StoryMetas(ctx context.Context, ids []int64) (map[int64]store.StoryMeta, error) {
	return f.metas, nil
}

func (f *fakeCatalog) FilterCandidates(ctx context.Context, ids []int64, flt store.Filters, sortBy store.Sort) ([]int64, error) {
	f.filtered = true
	return ids, nil
}

func testServer(t *testing.T, idx *fakeIndex, cat *fakeCatalog, emb *fakeEmbedder, reg *metrics.Registry, cfg Config) *Server {
	t.Helper()
	svc, err := search.NewService(idx, emb, cat, nil, search.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("search.NewService: %v", err)
	}
	srv, err := NewServer(svc, nil, idx, reg, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func twoStories() (*fakeIndex, *fakeCatalog) {
	idx := &fakeIndex{
		ready: true,
		hits: []vecindex.Hit{
			{Story: 1, Distance: 0.1},
			{Story: 2, Distance: 0.2},
		},
	}
	cat := &fakeCatalog{
		metas: map[int64]store.StoryMeta{
			1: {ID: 1, Title: "one", Time: 200, Score: 10},
			2: {ID: 2, Title: "two", Time: 100, Score: 10},
		},
	}
	return idx, cat
}

func do(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", url, nil))
	return rec
}

func TestSearchEndpointPairs(t *testing.T) {
	idx, cat := twoStories()
	srv := testServer(t, idx, cat, &fakeEmbedder{}, nil, Config{})

	rec := do(t, srv.Handler(), "/search?query=interesting+stuff")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var pairs [][]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &pairs); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(pairs) != 2 || len(pairs[0]) != 2 {
		t.Fatalf("body shape %v", pairs)
	}
	if int64(pairs[0][0]) != 1 || int64(pairs[1][0]) != 2 {
		t.Fatalf("story order %v", pairs)
	}
}

func TestSearchEndpointTopKZero(t *testing.T) {
	idx, cat := twoStories()
	srv := testServer(t, idx, cat, &fakeEmbedder{}, nil, Config{})

	rec := do(t, srv.Handler(), "/search?query=interesting+stuff&top_k=0")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var pairs [][]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &pairs); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("body = %v, want empty list", pairs)
	}
}

func TestSearchEndpointAnswerShape(t *testing.T) {
	idx, cat := twoStories()
	srv := testServer(t, idx, cat, &fakeEmbedder{}, nil, Config{})

	rec := do(t, srv.Handler(), "/search?query=interesting+stuff&answer=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Results [][]float64 `json:"results"`
		Answer  string      `json:"answer"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("results = %v", body.Results)
	}
	// No answerer configured degrades to an empty answer.
	if body.Answer != "" {
		t.Fatalf("answer = %q, want empty", body.Answer)
	}
}

func TestSearchEndpointErrors(t *testing.T) {
	cases := []struct {
		name string
		url  string
		idx  func(*fakeIndex)
		emb  *fakeEmbedder
		want int
	}{
		{name: "short query", url: "/search?query=go", emb: &fakeEmbedder{}, want: http.StatusBadRequest},
		{name: "bad top_k", url: "/search?query=long+enough&top_k=abc", emb: &fakeEmbedder{}, want: http.StatusBadRequest},
		{name: "bad sort_by", url: "/search?query=long+enough&sort_by=karma", emb: &fakeEmbedder{}, want: http.StatusBadRequest},
		{name: "bad min_score", url: "/search?query=long+enough&min_score=-2", emb: &fakeEmbedder{}, want: http.StatusBadRequest},
		{name: "embed failure", url: "/search?query=long+enough", emb: &fakeEmbedder{err: errors.New("down")}, want: http.StatusBadGateway},
		{name: "not ready", url: "/search?query=long+enough", idx: func(f *fakeIndex) { f.ready = false }, emb: &fakeEmbedder{}, want: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idx, cat := twoStories()
			if tc.idx != nil {
				tc.idx(idx)
			}
			srv := testServer(t, idx, cat, tc.emb, nil, Config{})
			rec := do(t, srv.Handler(), tc.url)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d, body %s", rec.Code, tc.want, rec.Body.String())
			}
			var e map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e["error"] == "" {
				t.Fatalf("expected error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestSearchEndpointFilteredPath(t *testing.T) {
	idx, cat := twoStories()
	srv := testServer(t, idx, cat, &fakeEmbedder{}, nil, Config{})

	rec := do(t, srv.Handler(), "/search?query=long+enough&by=pg")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !cat.filtered {
		t.Fatalf("filter param did not reach the catalog")
	}
}

func TestHealthz(t *testing.T) {
	idx, cat := twoStories()
	reg := metrics.NewRegistry()
	reg.Gauge("initial_fetch_completed", "").Set(1)
	srv := testServer(t, idx, cat, &fakeEmbedder{}, reg, Config{})

	rec := do(t, srv.Handler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" || body["index_ready"] != true || body["index_points"] != float64(2) {
		t.Fatalf("body = %v", body)
	}
	if body["initial_fetch_completed"] != true || body["embed_realtime"] != false {
		t.Fatalf("flags = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	idx, cat := twoStories()
	reg := metrics.NewRegistry()
	reg.Counter("searches_total", "").Inc()

	// Unset password disables the endpoint entirely.
	srv := testServer(t, idx, cat, &fakeEmbedder{}, reg, Config{})
	if rec := do(t, srv.Handler(), "/metrics?passwd=x"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	srv = testServer(t, idx, cat, &fakeEmbedder{}, reg, Config{Passwd: "sekrit"})
	if rec := do(t, srv.Handler(), "/metrics"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec := do(t, srv.Handler(), "/metrics?passwd=wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec := do(t, srv.Handler(), "/metrics?passwd=sekrit")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "searches_total 1") {
		t.Fatalf("exposition missing counter:\n%s", rec.Body.String())
	}

	// The header form works too.
	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("X-Metrics-Passwd", "sekrit")
	hrec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(hrec, req)
	if hrec.Code != http.StatusOK {
		t.Fatalf("header auth status = %d", hrec.Code)
	}
}

func TestCORSHeader(t *testing.T) {
	idx, cat := twoStories()
	srv := testServer(t, idx, cat, &fakeEmbedder{}, nil, Config{})
	rec := do(t, srv.Handler(), "/healthz")
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}
