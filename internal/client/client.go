// Package client provides an HTTP client for the batchgen server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/batchgen/internal/metrics"
)

// Client talks to the batchgen REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client.
// If baseURL is empty, uses BATCHGEN_SERVER_URL env var or defaults to localhost:8585.
// Timeout can be configured via BATCHGEN_CLIENT_TIMEOUT env var (default 30m for synchronous generation).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("BATCHGEN_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8585"
	}

	timeout := 30 * time.Minute
	if t := os.Getenv("BATCHGEN_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server error: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// do sends a request and decodes a JSON response into result (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, result)
}

// =============================================================================
// TYPES (matching the REST API)
// =============================================================================

// Batch is a set of prompts generated together.
type Batch struct {
	ID                  string           `json:"id"`
	Name                *string          `json:"name,omitempty"`
	Status              string           `json:"status"`
	ImageCountPerPrompt int              `json:"imageCountPerPrompt"`
	RequiresReference   bool             `json:"requiresReference"`
	Running             bool             `json:"running"`
	Prompts             []Prompt         `json:"prompts"`
	ReferenceImages     []ReferenceImage `json:"referenceImages"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// ImageCount returns the number of generated images across all prompts.
func (b *Batch) ImageCount() int {
	n := 0
	for _, p := range b.Prompts {
		n += len(p.GeneratedImages)
	}
	return n
}

// Prompt is one prompt of a batch.
type Prompt struct {
	ID              string           `json:"id"`
	Text            string           `json:"text"`
	Position        int              `json:"position"`
	GeneratedImages []GeneratedImage `json:"generatedImages"`
}

// GeneratedImage is an image produced for a prompt.
type GeneratedImage struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Href       string    `json:"href"`
	StorageKey string    `json:"storageKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ReferenceImage is an uploaded reference image.
type ReferenceImage struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Href       string    `json:"href"`
	StorageKey string    `json:"storageKey"`
	MIMEType   string    `json:"mimeType"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Run is a generation run of a batch.
type Run struct {
	ID          string     `json:"id"`
	BatchID     string     `json:"batchId"`
	Status      string     `json:"status"`
	Completed   int        `json:"completed"`
	Total       int        `json:"total"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Expansion is the result of expanding a mega prompt.
type Expansion struct {
	Mode    string   `json:"mode"`
	Prompts []string `json:"prompts"`
}

// Event is a progress event for a batch.
type Event struct {
	BatchID   string    `json:"batchId"`
	RunID     string    `json:"runId,omitempty"`
	Status    string    `json:"status"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Status == "COMPLETED" || e.Status == "FAILED"
}

// CreateBatchInput is the payload for creating a batch.
type CreateBatchInput struct {
	Name                *string  `json:"name,omitempty" yaml:"name,omitempty"`
	Prompts             []string `json:"prompts" yaml:"prompts"`
	ReferenceImageID    string   `json:"referenceImageId,omitempty" yaml:"referenceImageId,omitempty"`
	ImageCountPerPrompt int      `json:"imageCountPerPrompt,omitempty" yaml:"imageCountPerPrompt,omitempty"`
	RequiresReference   bool     `json:"requiresReference,omitempty" yaml:"requiresReference,omitempty"`
}

// GenerateResult is the reply of a generate call.
type GenerateResult struct {
	Message string `json:"message"`
	Run     Run    `json:"run"`
}

// =============================================================================
// BATCHES
// =============================================================================

// CreateBatch creates a batch. The server starts generating it right away.
func (c *Client) CreateBatch(ctx context.Context, input CreateBatchInput) (*Batch, error) {
	var b Batch
	if err := c.doJSON(ctx, http.MethodPost, "/api/batches", input, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBatches lists all batches, newest first.
func (c *Client) ListBatches(ctx context.Context) ([]Batch, error) {
	var out []Batch
	if err := c.doJSON(ctx, http.MethodGet, "/api/batches", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBatch returns a batch with its prompts and images.
func (c *Client) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	if err := c.doJSON(ctx, http.MethodGet, "/api/batches/"+url.PathEscape(id), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBatch deletes a batch and its generated images.
func (c *Client) DeleteBatch(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/batches/"+url.PathEscape(id), nil, nil)
}

// Generate runs generation for a batch. With async the call returns once
// the run has started; otherwise it blocks until the run finishes.
func (c *Client) Generate(ctx context.Context, id string, async bool) (*GenerateResult, error) {
	path := "/api/batches/" + url.PathEscape(id) + "/generate"
	if async {
		path += "?async=true"
	}
	var res GenerateResult
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Rerun creates a copy of a batch and starts generating it.
func (c *Client) Rerun(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	if err := c.doJSON(ctx, http.MethodPost, "/api/batches/"+url.PathEscape(id)+"/rerun", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// =============================================================================
// REFERENCES & PROMPTS
// =============================================================================

// UploadReference uploads a reference image.
func (c *Client) UploadReference(ctx context.Context, filename, contentType string, data []byte) (*ReferenceImage, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	var ref ReferenceImage
	if err := c.do(ctx, http.MethodPost, "/api/upload", &buf, mw.FormDataContentType(), &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// ExpandPrompts turns a mega prompt into count prompts. referenceKey is
// an optional reference image storage key.
func (c *Client) ExpandPrompts(ctx context.Context, megaPrompt string, count int, referenceKey string) (*Expansion, error) {
	form := url.Values{"megaPrompt": {megaPrompt}}
	if count > 0 {
		form.Set("count", strconv.Itoa(count))
	}
	if referenceKey != "" {
		form.Set("referenceImages", referenceKey)
	}

	var exp Expansion
	if err := c.do(ctx, http.MethodPost, "/api/prompts/generate", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &exp); err != nil {
		return nil, err
	}
	return &exp, nil
}

// =============================================================================
// RUNS & STATS
// =============================================================================

// ListRuns lists recent runs, optionally for one batch.
func (c *Client) ListRuns(ctx context.Context, batchID string) ([]Run, error) {
	path := "/api/runs"
	if batchID != "" {
		path += "?batch=" + url.QueryEscape(batchID)
	}
	var out []Run
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRun returns a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := c.doJSON(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Stats returns server runtime statistics.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var s metrics.Snapshot
	if err := c.doJSON(ctx, http.MethodGet, "/api/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ImageURL returns the absolute url of a server-relative href.
func (c *Client) ImageURL(href string) string {
	return c.baseURL + href
}

// =============================================================================
// EVENTS
// =============================================================================

// ErrStopWatching can be returned from a WatchBatch callback to end the
// watch without error.
var ErrStopWatching = errors.New("stop watching")

// WatchBatch streams progress events for a batch. The first event is the
// batch's current status and carries no run id. onEvent is invoked for each
// event; return ErrStopWatching to end the watch or any other error to abort.
func (c *Client) WatchBatch(ctx context.Context, id string, onEvent func(Event) error) error {
	wsEndpoint := c.baseURL
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/api/batches/" + url.PathEscape(id) + "/events")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return &APIError{StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}

		if err := onEvent(ev); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}
