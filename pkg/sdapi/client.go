// Package sdapi is the HTTP client for the image generation service. It
// submits generate and inpaint jobs and fetches task status; it never waits on
// a task itself (see package tasks).
package sdapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sdstudio/sdclient/pkg/errors"
)

const maxResponseBytes = 8 << 20

// Client talks to the generation service over JSON/HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets a per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithToken authenticates every request with the given access token, both as
// a bearer header and as the access_token cookie.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// NewClient returns a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Submit posts a job and returns the assigned task id.
func (c *Client) Submit(ctx context.Context, req Request) (*SubmitResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}

	kind := req.Kind()
	slog.Info("sd_submit", "kind", kind, "body_bytes", len(body))

	var res SubmitResult
	if err := c.do(ctx, http.MethodPost, kind.submitPath(), body, &res); err != nil {
		slog.Error("sd_submit_failed", "kind", kind, "error", err)
		return nil, err
	}
	if res.TaskID == "" {
		slog.Error("sd_submit_failed", "kind", kind, "error", ErrNoTaskID)
		return nil, &Error{Kind: ErrNoTaskID, StatusCode: http.StatusOK}
	}

	attrs := []any{"kind", kind, "task_id", res.TaskID}
	if res.QueuePosition != nil {
		attrs = append(attrs, "queue_position", *res.QueuePosition)
	}
	slog.Info("sd_submit_accepted", attrs...)
	return &res, nil
}

// Generate submits a text-to-image job.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*SubmitResult, error) {
	return c.Submit(ctx, req)
}

// Inpaint submits an inpainting job.
func (c *Client) Inpaint(ctx context.Context, req *InpaintRequest) (*SubmitResult, error) {
	return c.Submit(ctx, req)
}

// TaskStatus fetches the current status of a task of the given kind.
func (c *Client) TaskStatus(ctx context.Context, kind Kind, taskID string) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.do(ctx, http.MethodGet, kind.statusPath(taskID), nil, &st); err != nil {
		return nil, err
	}
	slog.Debug("sd_task_status", "kind", kind, "task_id", taskID, "status", st.Status)
	return &st, nil
}

// ImageURL returns the absolute URL of a generated image.
func (c *Client) ImageURL(taskID, fileName string) string {
	return c.baseURL + "/images/sd/" + url.PathEscape(taskID) + "/" + url.PathEscape(fileName)
}

// ResolveURL makes a server-relative result URL absolute.
func (c *Client) ResolveURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return c.baseURL + u
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: c.token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: ErrTransport, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: ErrMalformedResponse, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}
