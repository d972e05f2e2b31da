// Package httpapi exposes the search service over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/doujins-org/threadsearch/metrics"
	"github.com/doujins-org/threadsearch/search"
	"github.com/doujins-org/threadsearch/store"
)

// IndexStatus is what /healthz reports about the vector index.
type IndexStatus interface {
	Ready() bool
	Len() int
}

type Config struct {
	// Passwd guards /metrics. Empty disables the endpoint.
	Passwd string
}

type Server struct {
	svc      *search.Service
	answerer *search.Answerer // optional
	index    IndexStatus
	reg      *metrics.Registry
	passwd   string
	log      zerolog.Logger
}

func NewServer(svc *search.Service, answerer *search.Answerer, index IndexStatus, reg *metrics.Registry, cfg Config, log zerolog.Logger) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("search service is required")
	}
	return &Server{
		svc:      svc,
		answerer: answerer,
		index:    index,
		reg:      reg,
		passwd:   cfg.Passwd,
		log:      log.With().Str("component", "httpapi").Logger(),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return Chain(mux, Recover(s.log), Logger(s.log), CORS)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseInt64(q string) (int64, bool) {
	n, err := strconv.ParseInt(q, 10, 64)
	return n, err == nil
}

// parseFilters reads the optional narrowing params. The second return
// is false when no filter param was given at all.
func parseFilters(r *http.Request) (store.Filters, bool, error) {
	f := store.NewFilters()
	present := false
	q := r.URL.Query()

	if by := strings.TrimSpace(q.Get("by")); by != "" {
		f.By = by
		present = true
	}
	intParam := func(name string, dst *int64) error {
		raw := q.Get(name)
		if raw == "" {
			return nil
		}
		n, ok := parseInt64(raw)
		if !ok || n < 0 {
			return fmt.Errorf("invalid %s", name)
		}
		*dst = n
		present = true
		return nil
	}
	for name, dst := range map[string]*int64{
		"after":        &f.After,
		"before":       &f.Before,
		"min_score":    &f.MinScore,
		"max_score":    &f.MaxScore,
		"min_comments": &f.MinComments,
		"max_comments": &f.MaxComments,
	} {
		if err := intParam(name, dst); err != nil {
			return f, false, err
		}
	}
	return f, present, nil
}

func parseSort(r *http.Request) (store.Sort, error) {
	q := r.URL.Query()
	out := store.Sort{By: store.SortRelevance}
	switch by := q.Get("sort_by"); by {
	case "", "relevance":
	case "score":
		out.By = store.SortScore
	case "time":
		out.By = store.SortTime
	default:
		return out, fmt.Errorf("invalid sort_by")
	}
	switch ord := q.Get("sort_order"); ord {
	case "", "desc":
	case "asc":
		out.Ascending = true
	default:
		return out, fmt.Errorf("invalid sort_order")
	}
	return out, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")

	topK := search.MaxTopK
	if raw := q.Get("top_k"); raw != "" {
		n, ok := parseInt64(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid top_k")
			return
		}
		topK = int(n)
	}

	filters, filtered, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sortBy, err := parseSort(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wantAnswer := q.Get("answer") == "1"

	var results []search.Result
	if filtered || sortBy.By != store.SortRelevance {
		results, err = s.svc.SearchFiltered(r.Context(), query, topK, filters, sortBy)
	} else {
		results, err = s.svc.Search(r.Context(), query, topK)
	}
	if err != nil {
		switch {
		case errors.Is(err, search.ErrQueryTooShort):
			writeError(w, http.StatusBadRequest, "query must be at least 3 characters")
		case errors.Is(err, search.ErrEmbedding):
			writeError(w, http.StatusBadGateway, "embedding model unavailable")
		case errors.Is(err, search.ErrNotReady):
			writeError(w, http.StatusServiceUnavailable, "index not ready")
		default:
			s.log.Error().Err(err).Str("query", query).Msg("search failed")
			writeError(w, http.StatusInternalServerError, "search failed")
		}
		return
	}

	// The plain wire shape is [[story, distance], ...].
	pairs := make([][]any, len(results))
	for i, res := range results {
		pairs[i] = []any{res.Story, res.Distance}
	}

	if !wantAnswer {
		writeJSON(w, http.StatusOK, pairs)
		return
	}
	answer := ""
	if s.answerer != nil {
		answer = s.answerer.AnswerFor(r.Context(), query, results)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": pairs,
		"answer":  answer,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.index != nil {
		resp["index_ready"] = s.index.Ready()
		resp["index_points"] = s.index.Len()
	}
	if s.reg != nil {
		resp["initial_fetch_completed"] = s.reg.Gauge("initial_fetch_completed", "").Value() == 1
		resp["embed_realtime"] = s.reg.Gauge("embed_realtime", "").Value() == 1
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.passwd == "" || s.reg == nil {
		http.NotFound(w, r)
		return
	}
	got := r.URL.Query().Get("passwd")
	if got == "" {
		got = r.Header.Get("X-Metrics-Passwd")
	}
	if got != s.passwd {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.reg.Handler().ServeHTTP(w, r)
}
