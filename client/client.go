// Package client talks to a repolens HTTP server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"repolens/internal/cache"
	"repolens/shared/types"

	"github.com/google/uuid"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for baseURL. Requests are bounded by their context;
// streaming responses would not survive a fixed client timeout.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// ChunkFunc receives each chunk of a streaming response in order.
type ChunkFunc func(*types.StreamChunk) error

// Query sends params under a fresh request id.
func (c *Client) Query(ctx context.Context, params types.Params, onChunk ChunkFunc) (*types.Response, error) {
	req, err := types.NewRequest(uuid.New().String(), params)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req, onChunk)
}

// Do sends one request and returns its terminal response. Error responses
// are returned as responses, not as errors.
func (c *Client) Do(ctx context.Context, req types.Request, onChunk ChunkFunc) (*types.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v0/requests", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/x-ndjson") {
		var out types.Response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding response (%s): %w", resp.Status, err)
		}
		return &out, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 64<<20)
	for scanner.Scan() {
		var frame types.Outbound
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return nil, fmt.Errorf("decoding frame: %w", err)
		}
		switch {
		case frame.Response != nil:
			return frame.Response, nil
		case frame.Chunk != nil && onChunk != nil:
			if err := onChunk(frame.Chunk); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("stream for %s ended without a response", req.ID)
}

func (c *Client) getJSON(ctx context.Context, method, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Cancel asks the server to stop request id. found is false when the id
// was not in flight.
func (c *Client) Cancel(ctx context.Context, id string) (found bool, err error) {
	var out struct {
		Found bool `json:"found"`
	}
	err = c.getJSON(ctx, http.MethodPost, "/api/v0/requests/"+url.PathEscape(id)+"/cancel", &out)
	return out.Found, err
}

func (c *Client) Pending(ctx context.Context) ([]types.PendingInfo, error) {
	var out struct {
		Pending []types.PendingInfo `json:"pending"`
	}
	err := c.getJSON(ctx, http.MethodGet, "/api/v0/requests", &out)
	return out.Pending, err
}

func (c *Client) CacheStats(ctx context.Context) (cache.Stats, error) {
	var out struct {
		Stats cache.Stats `json:"stats"`
	}
	err := c.getJSON(ctx, http.MethodGet, "/api/v0/cache", &out)
	return out.Stats, err
}

// Invalidate drops cached results for repo and kind; empty values widen
// the scope.
func (c *Client) Invalidate(ctx context.Context, repo, kind string) (int, error) {
	q := url.Values{}
	if repo != "" {
		q.Set("repo", repo)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.getJSON(ctx, http.MethodDelete, "/api/v0/cache?"+q.Encode(), &out)
	return out.Removed, err
}

func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, http.MethodGet, "/health", &out); err != nil {
		return err
	}
	if out.Status != "healthy" {
		return fmt.Errorf("server reports %q", out.Status)
	}
	return nil
}
