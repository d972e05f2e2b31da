package hn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://hacker-news.firebaseio.com/v0"

type Options struct {
	BaseURL string
	Timeout time.Duration

	// Upstream politeness. Zero values take the defaults below;
	// RequestsPerSecond < 0 disables limiting.
	RequestsPerSecond float64
	Burst             int

	// Fan-out width for Items.
	MaxConcurrent int

	HTTPClient *http.Client
}

func (o *Options) withDefaults() Options {
	out := *o
	if strings.TrimSpace(out.BaseURL) == "" {
		out.BaseURL = DefaultBaseURL
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.RequestsPerSecond == 0 {
		out.RequestsPerSecond = 20
	}
	if out.Burst <= 0 {
		out.Burst = 40
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 16
	}
	return out
}

// Client reads the public item API. It is safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
	maxConc int
}

func NewClient(opts Options) (*Client, error) {
	cfg := opts.withDefaults()
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   httpc,
		limiter: limiter,
		maxConc: cfg.MaxConcurrent,
	}, nil
}

var nullBody = []byte("null")

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if bytes.Equal(bytes.TrimSpace(body), nullBody) {
		return nil, nil
	}
	return body, nil
}

// MaxItem returns the current largest item id upstream.
func (c *Client) MaxItem(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/maxitem.json")
	if err != nil {
		return 0, fmt.Errorf("fetching max item: %w", err)
	}
	if body == nil {
		return 0, fmt.Errorf("fetching max item: empty response")
	}
	var id int64
	if err := json.Unmarshal(body, &id); err != nil {
		return 0, fmt.Errorf("decoding max item: %w", err)
	}
	return id, nil
}

// Item returns the item, or (nil, nil) when the id does not exist
// upstream. Callers treat the nil item as a missing id.
func (c *Client) Item(ctx context.Context, id int64) (*Item, error) {
	if id <= 0 {
		return nil, fmt.Errorf("item id must be positive")
	}
	body, err := c.get(ctx, fmt.Sprintf("/item/%d.json", id))
	if err != nil {
		return nil, fmt.Errorf("fetching item %d: %w", id, err)
	}
	if body == nil {
		return nil, nil
	}
	var it Item
	if err := json.Unmarshal(body, &it); err != nil {
		return nil, fmt.Errorf("decoding item %d: %w", id, err)
	}
	return &it, nil
}

// User returns the profile, or (nil, nil) when the user does not exist.
func (c *Client) User(ctx context.Context, name string) (*User, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("user name is required")
	}
	body, err := c.get(ctx, "/user/"+url.PathEscape(name)+".json")
	if err != nil {
		return nil, fmt.Errorf("fetching user %s: %w", name, err)
	}
	if body == nil {
		return nil, nil
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", name, err)
	}
	return &u, nil
}

// Items fetches ids with bounded concurrency, preserving order.
// Missing ids leave nil slots; the first transport error aborts the batch.
func (c *Client) Items(ctx context.Context, ids []int64) ([]*Item, error) {
	out := make([]*Item, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConc)
	for i, id := range ids {
		g.Go(func() error {
			it, err := c.Item(ctx, id)
			if err != nil {
				return err
			}
			out[i] = it
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
