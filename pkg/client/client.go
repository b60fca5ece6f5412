package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidemark-io/tidemark/pkg/fsview"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

// Client queries a running Fusion server's views API. It is used by the CLI
// view commands and by tests.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client for the Fusion base URL. The API key is optional for
// the read-only views surface.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set(wire.HeaderAPIKey, c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var werr wire.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
		_ = json.Unmarshal(data, &werr)
		if werr.Detail == "" {
			werr.Detail = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("fusion returned %d: %s", resp.StatusCode, werr.Detail)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Tree fetches a subtree of a view. maxDepth < 0 means unlimited.
func (c *Client) Tree(ctx context.Context, viewID, path string, maxDepth int, onlyPath bool) (*fsview.NodeView, error) {
	q := url.Values{}
	if path != "" {
		q.Set("path", path)
	}
	if maxDepth >= 0 {
		q.Set("max_depth", strconv.Itoa(maxDepth))
	}
	if onlyPath {
		q.Set("only_path", "true")
	}
	var out fsview.NodeView
	if err := c.get(ctx, "/api/v1/views/"+viewID+"/tree", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches the aggregated statistics of a view.
func (c *Client) Stats(ctx context.Context, viewID string) (*fsview.Stats, error) {
	var out fsview.Stats
	if err := c.get(ctx, "/api/v1/views/"+viewID+"/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BlindSpots fetches the blind-spot sets of a view.
func (c *Client) BlindSpots(ctx context.Context, viewID string) (*fsview.BlindSpots, error) {
	var out fsview.BlindSpots
	if err := c.get(ctx, "/api/v1/views/"+viewID+"/blind-spots", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SuspectEntry is one suspect-list row.
type SuspectEntry struct {
	Path  string  `json:"path"`
	Mtime float64 `json:"mtime"`
}

// SuspectList fetches the suspect list of a view.
func (c *Client) SuspectList(ctx context.Context, viewID string) ([]SuspectEntry, error) {
	var out struct {
		Suspects []SuspectEntry `json:"suspects"`
	}
	if err := c.get(ctx, "/api/v1/views/"+viewID+"/suspect-list", nil, &out); err != nil {
		return nil, err
	}
	return out.Suspects, nil
}

// Search runs a glob search over a view.
func (c *Client) Search(ctx context.Context, viewID, pattern string) ([]fsview.NodeView, error) {
	q := url.Values{}
	q.Set("pattern", pattern)
	var out struct {
		Results []fsview.NodeView `json:"results"`
	}
	if err := c.get(ctx, "/api/v1/views/"+viewID+"/search", q, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Sessions lists the active sessions of the pipe resolved from the API key.
func (c *Client) Sessions(ctx context.Context) (*wire.SessionList, error) {
	var out wire.SessionList
	if err := c.get(ctx, "/api/v1/pipe/session/", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
