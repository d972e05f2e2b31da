package search

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/doujins-org/threadsearch/docbuild"
	"github.com/doujins-org/threadsearch/internal/normalize"
	"github.com/doujins-org/threadsearch/store"
)

const (
	// answerPromptBudget bounds the whole prompt; answerReserve is held
	// back for the completion.
	answerPromptBudget = 3840
	answerReserve      = 256

	answerCacheSize = 10000
)

// AnswerCatalog supplies the discussion content quoted in prompts.
type AnswerCatalog interface {
	StoryMetas(ctx context.Context, ids []int64) (map[int64]store.StoryMeta, error)
	StoryComments(ctx context.Context, storyID int64) ([]store.Comment, error)
}

type AnswerConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Answerer writes a short synthesized answer from the top-ranked
// discussions. Failures degrade to an empty answer; they never fail
// the search that requested one.
type Answerer struct {
	client  *openai.Client
	model   string
	catalog AnswerCatalog
	builder *docbuild.Builder
	cache   *lru.Cache[string, string]
	log     zerolog.Logger
}

func NewAnswerer(cfg AnswerConfig, catalog AnswerCatalog, log zerolog.Logger) (*Answerer, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	openaiCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		openaiCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	openaiCfg.HTTPClient = &http.Client{Timeout: timeout}
	cache, err := lru.New[string, string](answerCacheSize)
	if err != nil {
		return nil, err
	}
	a := &Answerer{
		client:  openai.NewClientWithConfig(openaiCfg),
		model:   cfg.Model,
		catalog: catalog,
		builder: docbuild.New(docbuild.Options{}),
		cache:   cache,
		log:     log.With().Str("component", "answerer").Logger(),
	}
	return a, nil
}

// buildPrompt quotes the top titles, then fills the remaining budget
// with top-level comments of the best story.
func (a *Answerer) buildPrompt(ctx context.Context, query string, results []Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nDiscussion titles:\n", strings.TrimSpace(query))

	ids := make([]int64, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Story)
	}
	metas, err := a.catalog.StoryMetas(ctx, ids)
	if err != nil {
		a.log.Warn().Err(err).Msg("prompt metadata fetch failed")
		return ""
	}
	used := 0
	budget := answerPromptBudget - answerReserve
	for _, r := range results {
		m, ok := metas[r.Story]
		if !ok || m.Title == "" {
			continue
		}
		line := "- " + m.Title + "\n"
		if used+docbuild.EstimateTokens(line) > budget {
			break
		}
		sb.WriteString(line)
		used += docbuild.EstimateTokens(line)
	}

	if len(results) > 0 {
		comments, err := a.catalog.StoryComments(ctx, results[0].Story)
		if err == nil && len(comments) > 0 {
			sb.WriteString("\nTop discussion comments:\n")
			for _, c := range comments {
				if c.Depth != 1 || c.Deleted || c.Dead || c.Text == "" {
					continue
				}
				line := "- " + a.builder.Clean(c.Text) + "\n"
				cost := docbuild.EstimateTokens(line)
				if used+cost > budget {
					// The last comment is cut to the remaining budget
					// rather than dropped.
					if keep := (budget-used)*4 - 1; keep > 0 {
						runes := []rune(line)
						sb.WriteString(string(runes[:keep]) + "\n")
					}
					break
				}
				sb.WriteString(line)
				used += cost
			}
		}
	}

	sb.WriteString("\nAnswer the question in one short paragraph using only the material above.")
	return sb.String()
}

// AnswerFor returns a synthesized answer for the query, or "" when the
// model is unavailable or the prompt could not be built.
func (a *Answerer) AnswerFor(ctx context.Context, query string, results []Result) string {
	if len(results) == 0 {
		return ""
	}
	key := normalize.Query(query)
	if cached, ok := a.cache.Get(key); ok {
		return cached
	}
	prompt := a.buildPrompt(ctx, query, results)
	if prompt == "" {
		return ""
	}
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     a.model,
		MaxTokens: answerReserve,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You summarize forum discussions. Answer from the provided excerpts only; say so when they do not answer the question.",
			},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("answer generation failed")
		return ""
	}
	if len(resp.Choices) == 0 {
		return ""
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	a.cache.Add(key, answer)
	return answer
}
