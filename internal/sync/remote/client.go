package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/receiptsync/internal/logging"
	"github.com/kimhsiao/receiptsync/internal/models"
)

// DefaultTimeout bounds each request when no client is supplied.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// Client talks to the remote API over HTTP/JSON.
type Client struct {
	baseURL string
	http    *http.Client
	headers map[string]string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.http.Timeout = d
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) ClientOption {
	return func(cl *Client) {
		cl.headers[key] = value
	}
}

// NewClient creates a Client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}

	c := &Client{
		baseURL: u.String(),
		http:    &http.Client{Timeout: DefaultTimeout},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do sends body as JSON and decodes a 2xx response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		reader = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	logging.Debug("Remote request", map[string]interface{}{
		"method":     method,
		"path":       path,
		"status":     resp.StatusCode,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(raw)),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func receiptPath(id models.UUID) string {
	return "/receipts/" + url.PathEscape(string(id))
}

// CreateReceipt implements API.
func (c *Client) CreateReceipt(ctx context.Context, r *models.Receipt) (*models.Receipt, error) {
	var out models.Receipt
	if err := c.do(ctx, http.MethodPost, "/receipts", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateReceipt implements API.
func (c *Client) UpdateReceipt(ctx context.Context, id models.UUID, r *models.Receipt) (*models.Receipt, error) {
	var out models.Receipt
	if err := c.do(ctx, http.MethodPut, receiptPath(id), r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteReceipt implements API. A 404 counts as success.
func (c *Client) DeleteReceipt(ctx context.Context, id models.UUID) error {
	err := c.do(ctx, http.MethodDelete, receiptPath(id), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// GetReceipt implements API. A 404 returns nil, nil.
func (c *Client) GetReceipt(ctx context.Context, id models.UUID) (*models.Receipt, error) {
	var out models.Receipt
	err := c.do(ctx, http.MethodGet, receiptPath(id), nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// listEnvelope accepts {"receipts": [...]} as well as {"data": [...]}.
type listEnvelope struct {
	Receipts []*models.Receipt `json:"receipts"`
	Data     []*models.Receipt `json:"data"`
}

// ListReceipts implements API. The response may be a bare array or an
// envelope object.
func (c *Client) ListReceipts(ctx context.Context, page, pageSize int) ([]*models.Receipt, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(pageSize))

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/receipts?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []*models.Receipt{}, nil
	}
	if trimmed[0] == '[' {
		var list []*models.Receipt
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode receipt list: %w", err)
		}
		return list, nil
	}
	var env listEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode receipt list: %w", err)
	}
	if env.Receipts != nil {
		return env.Receipts, nil
	}
	if env.Data != nil {
		return env.Data, nil
	}
	return []*models.Receipt{}, nil
}

// CreateCategory implements API.
func (c *Client) CreateCategory(ctx context.Context, cat *models.Category) (*models.Category, error) {
	var out models.Category
	if err := c.do(ctx, http.MethodPost, "/categories", cat, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCategory implements API.
func (c *Client) UpdateCategory(ctx context.Context, id models.UUID, cat *models.Category) (*models.Category, error) {
	var out models.Category
	if err := c.do(ctx, http.MethodPut, "/categories/"+url.PathEscape(string(id)), cat, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var _ API = (*Client)(nil)
