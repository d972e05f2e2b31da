package hn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const streamReconnectDelay = 5 * time.Second

// putEvent is the envelope Firebase wraps stream payloads in.
type putEvent struct {
	Path string   `json:"path"`
	Data *Updates `json:"data"`
}

// StreamUpdates follows the /updates.json event stream and calls fn once
// per payload. The first payload after each (re)connect is the current
// snapshot and is delivered like any other event.
//
// Transport errors reconnect after a fixed pause, forever. The stream
// only ends when ctx is cancelled or fn returns an error.
func (c *Client) StreamUpdates(ctx context.Context, fn func(Updates) error) error {
	if fn == nil {
		return fmt.Errorf("update handler is required")
	}
	for {
		err := c.streamOnce(ctx, fn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var he *handlerError
			if errors.As(err, &he) {
				return he.err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(streamReconnectDelay):
		}
	}
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

func (c *Client) streamOnce(ctx context.Context, fn func(Updates) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/updates.json", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The stream client must not carry the point-read timeout: the
	// connection is expected to stay open indefinitely.
	httpc := &http.Client{Transport: c.httpc.Transport}
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update stream: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := c.dispatch(event, data.String(), fn); err != nil {
				return &handlerError{err: err}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("update stream: connection closed")
}

func (c *Client) dispatch(event, data string, fn func(Updates) error) error {
	switch event {
	case "put", "patch", "":
	default:
		// keep-alive, cancel, auth_revoked
		return nil
	}
	if strings.TrimSpace(data) == "" || data == "null" {
		return nil
	}
	var pe putEvent
	if err := json.Unmarshal([]byte(data), &pe); err != nil {
		// Malformed frames are dropped rather than killing the stream.
		return nil
	}
	if pe.Data == nil || (len(pe.Data.Items) == 0 && len(pe.Data.Profiles) == 0) {
		return nil
	}
	return fn(*pe.Data)
}
