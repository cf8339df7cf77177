// Package engine is the HTTP client of the remote execution engine. It
// implements pipeline.Engine on top of the fiber v3 client.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3/client"

	"github.com/meikuraledutech/pipeline"
)

// Client talks to one engine instance.
type Client struct {
	http   *client.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHeader adds a header sent with every request, e.g. an API token.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.http.SetHeader(key, value) }
}

// New returns a Client for the engine at baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	hc := client.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)
	c := &Client{http: hc, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ pipeline.Engine = (*Client)(nil)

// DatasetColumns implements pipeline.ColumnSource.
func (c *Client) DatasetColumns(ctx context.Context, table string) ([]pipeline.Column, error) {
	var out struct {
		Columns []pipeline.Column `json:"columns"`
	}
	if err := c.do(ctx, "GET", "/datasets/"+url.PathEscape(table)+"/columns", nil, &out); err != nil {
		return nil, err
	}
	return out.Columns, nil
}

// ExecuteNode asks the engine to run one node against the given graph.
// An error reply carrying a message is reported as an unsuccessful result
// rather than a transport error.
func (c *Client) ExecuteNode(ctx context.Context, modelID, nodeID string, g pipeline.Graph) (*pipeline.ExecuteResult, error) {
	path := fmt.Sprintf("/models/%s/nodes/%s/execute", url.PathEscape(modelID), url.PathEscape(nodeID))
	body := map[string]any{"graph": g}

	var out pipeline.ExecuteResult
	err := c.do(ctx, "POST", path, body, &out)
	var rerr *RemoteError
	if errors.As(err, &rerr) && rerr.Message != "" {
		return &pipeline.ExecuteResult{Success: false, Error: rerr.Message}, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PreviewNode fetches sample rows of an executed node.
func (c *Client) PreviewNode(ctx context.Context, modelID, nodeID string) (*pipeline.Preview, error) {
	path := fmt.Sprintf("/models/%s/nodes/%s/preview", url.PathEscape(modelID), url.PathEscape(nodeID))
	var out pipeline.Preview
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearCache drops the engine's intermediate results for a model.
func (c *Client) ClearCache(ctx context.Context, modelID string) error {
	return c.do(ctx, "POST", "/models/"+url.PathEscape(modelID)+"/cache/clear", nil, nil)
}

// Datasets lists the tables available as sources.
func (c *Client) Datasets(ctx context.Context) ([]pipeline.Dataset, error) {
	var out []pipeline.Dataset
	if err := c.do(ctx, "GET", "/datasets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RemoteError is a non-2xx reply from the engine.
type RemoteError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("engine: %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("engine: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	cfg := client.Config{Ctx: ctx}
	if body != nil {
		cfg.Body = body
	}

	start := time.Now()
	var (
		resp *client.Response
		err  error
	)
	switch method {
	case "POST":
		resp, err = c.http.Post(path, cfg)
	default:
		resp, err = c.http.Get(path, cfg)
	}
	if err != nil {
		return fmt.Errorf("engine: %s %s: %w", method, path, err)
	}
	defer resp.Close()

	status := resp.StatusCode()
	c.logger.Debug("engine request", "method", method, "path", path, "status", status, "duration", time.Since(start))

	if status < 200 || status > 299 {
		return &RemoteError{Method: method, Path: path, Status: status, Message: errorMessage(resp.Body())}
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := resp.JSON(out); err != nil {
		return fmt.Errorf("engine: decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a reply body, falling back
// to the raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
