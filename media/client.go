// Package media talks to the library and action services over HTTP.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Klomgor/Maintainerr/executor"
	"github.com/Klomgor/Maintainerr/internal/logger"
	"github.com/Klomgor/Maintainerr/rules"
)

const defaultTimeout = 15 * time.Second

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// ErrNotConfigured is returned when a client has no endpoint
var ErrNotConfigured = errors.New("media service url not configured")

type connection struct {
	endpoint string
	apiKey   string
}

// client holds the current connection behind an atomic pointer so a
// settings change takes effect on the next request
type client struct {
	conn atomic.Pointer[connection]
	http *http.Client
}

func (c *client) init(endpoint, apiKey string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.http = &http.Client{Timeout: timeout}
	c.Configure(endpoint, apiKey)
}

// Configure replaces the endpoint and API key. Requests already in
// flight keep the previous values.
func (c *client) Configure(endpoint, apiKey string) {
	c.conn.Store(&connection{endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"), apiKey: apiKey})
}

// Endpoint returns the configured base URL
func (c *client) Endpoint() string {
	return c.conn.Load().endpoint
}

func (c *client) do(ctx context.Context, method, path string, payload any, v any) error {
	conn := c.conn.Load()
	if conn.endpoint == "" {
		return ErrNotConfigured
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, conn.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if conn.apiKey != "" {
		req.Header.Set("X-Api-Key", conn.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, URL: conn.endpoint + path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CatalogClient reads library items from GET {base}/items
type CatalogClient struct {
	client
}

var _ executor.Catalog = (*CatalogClient)(nil)

// NewCatalogClient creates a catalog client
func NewCatalogClient(endpoint, apiKey string, timeout time.Duration) *CatalogClient {
	c := &CatalogClient{}
	c.init(endpoint, apiKey, timeout)
	return c
}

// SnapshotItems fetches every library item. Items without an id are dropped.
func (c *CatalogClient) SnapshotItems(ctx context.Context) ([]rules.Item, error) {
	var resp struct {
		Items []rules.Item `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/items", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch library items: %w", err)
	}

	items := make([]rules.Item, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.ID == "" {
			logger.Warn("skipping library item without id", "component", "media", "title", it.Title)
			continue
		}
		if it.Fields == nil {
			it.Fields = map[string]any{}
		}
		items = append(items, it)
	}
	return items, nil
}

// ActionClient applies actions with POST {base}/actions/{action}.
// Without an endpoint it only logs, like DryRunActions.
type ActionClient struct {
	client
}

var _ executor.ActionExecutor = (*ActionClient)(nil)

// NewActionClient creates an action client
func NewActionClient(endpoint, apiKey string, timeout time.Duration) *ActionClient {
	c := &ActionClient{}
	c.init(endpoint, apiKey, timeout)
	return c
}

type actionRequest struct {
	ItemID    string `json:"itemId"`
	LibraryID string `json:"libraryId,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Apply asks the action service to run action on item
func (c *ActionClient) Apply(ctx context.Context, action string, item rules.Item) error {
	if c.Endpoint() == "" {
		return DryRunActions{}.Apply(ctx, action, item)
	}
	payload := actionRequest{ItemID: item.ID, LibraryID: item.LibraryID, Title: item.Title}
	if err := c.do(ctx, http.MethodPost, "/actions/"+url.PathEscape(action), payload, nil); err != nil {
		return fmt.Errorf("action %s on item %s: %w", action, item.ID, err)
	}
	return nil
}

// DryRunActions logs actions instead of applying them
type DryRunActions struct{}

var _ executor.ActionExecutor = DryRunActions{}

func (DryRunActions) Apply(ctx context.Context, action string, item rules.Item) error {
	logger.Info("dry run: action not applied", "component", "media", "action", action, "item_id", item.ID, "title", item.Title)
	return nil
}
