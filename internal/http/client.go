package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"lsmkv/pkg/db"
)

// Client talks to a Server.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) kvURL(key string) string {
	return c.baseURL + "/api/kv/" + url.PathEscape(key)
}

func (c *Client) Put(ctx context.Context, key, value string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.kvURL(key), bytes.NewBufferString(value))
	if err != nil {
		return fmt.Errorf("create PUT request: %w", err)
	}
	_, err = c.do(req, http.StatusOK)
	return err
}

// Get returns found == false when the server answers 404.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.kvURL(key), nil)
	if err != nil {
		return "", false, fmt.Errorf("create GET request: %w", err)
	}
	resp, err := c.do(req, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return "", false, err
	}
	if resp.Status == StatusError {
		return "", false, nil
	}
	return string(resp.Value), true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.kvURL(key), nil)
	if err != nil {
		return fmt.Errorf("create DELETE request: %w", err)
	}
	_, err = c.do(req, http.StatusOK)
	return err
}

func (c *Client) Stats(ctx context.Context) (db.Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stats", nil)
	if err != nil {
		return db.Stats{}, fmt.Errorf("create stats request: %w", err)
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return db.Stats{}, err
	}
	if resp.Stats == nil {
		return db.Stats{}, fmt.Errorf("stats missing from response")
	}
	return *resp.Stats, nil
}

func (c *Client) Flush(ctx context.Context) error {
	return c.post(ctx, "/api/flush")
}

func (c *Client) Compact(ctx context.Context) error {
	return c.post(ctx, "/api/compact")
}

// Scan lists up to limit live entries in [start, end). Empty bounds are open
// and a non-positive limit uses the server default.
func (c *Client) Scan(ctx context.Context, start, end string, limit int) ([]Entry, error) {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if end != "" {
		q.Set("end", end)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := c.baseURL + "/api/scan"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create scan request: %w", err)
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	_, err = c.do(req, http.StatusOK)
	return err
}

// do sends req and decodes the Response envelope. Any status outside
// accepted is an error.
func (c *Client) do(req *http.Request, accepted ...int) (Response, error) {
	var out Response

	resp, err := c.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if !slices.Contains(accepted, resp.StatusCode) {
		b, _ := io.ReadAll(resp.Body)
		return out, fmt.Errorf("%s %s failed: %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s body: %w", req.Method, err)
	}
	return out, nil
}
