// Package engine talks to the node-graph execution engine over HTTP and its
// push-event websocket.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genstudio/internal/graph"
	"genstudio/internal/models"
)

const (
	ResultTimeout    = 10 * time.Second
	CatalogTimeout   = 15 * time.Second
	StatsTimeout     = 5 * time.Second
	InterruptTimeout = 5 * time.Second

	// maxErrorBody bounds how much of a rejection body is kept in errors.
	maxErrorBody = 4 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a stateless wrapper around the engine's REST endpoints. Every
// request carries an Origin header derived from the base URL so the engine's
// host check always passes.
type Client struct {
	baseURL    string
	origin     string
	httpClient *http.Client
}

// NewClient builds a client for opts.BaseURL.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	return &Client{
		baseURL:    base,
		origin:     OriginOf(base),
		httpClient: httpClient,
	}
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// OriginOf returns scheme://host[:port] of base, or base itself when it does not parse.
func OriginOf(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return base
	}
	return u.Scheme + "://" + u.Host
}

// SubmitResult is the engine's acknowledgement of a queued job.
type SubmitResult struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

// Submit queues g for execution. clientID ties push events to a websocket session.
func (c *Client) Submit(ctx context.Context, g graph.JobGraph, clientID string) (SubmitResult, error) {
	payload := struct {
		Prompt   graph.JobGraph `json:"prompt"`
		ClientID string         `json:"client_id,omitempty"`
	}{Prompt: g, ClientID: clientID}
	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode prompt: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/prompt", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out SubmitResult
	if err := c.doJSON(req, "prompt", &out); err != nil {
		return SubmitResult{}, err
	}
	if out.PromptID == "" {
		return SubmitResult{}, &RejectedError{Op: "prompt", Status: http.StatusOK, Body: "missing prompt_id"}
	}
	return out, nil
}

// History returns the engine's history entry for promptID, or nil when the
// engine has no record of it yet.
func (c *Client) History(ctx context.Context, promptID string) (*History, error) {
	ctx, cancel := context.WithTimeout(ctx, ResultTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}
	var entries map[string]*History
	if err := c.doJSON(req, "history", &entries); err != nil {
		return nil, err
	}
	return entries[promptID], nil
}

// Result fetches and interprets the history entry of promptID. A missing entry
// yields an incomplete result rather than an error.
func (c *Client) Result(ctx context.Context, promptID string) (models.JobResult, error) {
	h, err := c.History(ctx, promptID)
	if err != nil {
		return models.JobResult{}, err
	}
	return InterpretResult(h), nil
}

// Catalog is the engine's object info: node class to definition.
type Catalog map[string]json.RawMessage

// Catalog fetches the installed node types and their allowed literal values.
func (c *Client) Catalog(ctx context.Context) (Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, CatalogTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/object_info", nil)
	if err != nil {
		return nil, err
	}
	var out Catalog
	if err := c.doJSON(req, "object_info", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Checkpoints lists the checkpoint filenames the catalog offers for the
// default checkpoint loader.
func (cat Catalog) Checkpoints() []string {
	raw, ok := cat["CheckpointLoaderSimple"]
	if !ok {
		return []string{}
	}
	var def struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return []string{}
	}
	field := def.Input.Required["ckpt_name"]
	if len(field) == 0 {
		return []string{}
	}
	var names []string
	if err := json.Unmarshal(field[0], &names); err != nil || names == nil {
		return []string{}
	}
	return names
}

// FileRef addresses a file in the engine's storage.
type FileRef struct {
	Filename  string
	Subfolder string
	Type      string
}

// File is a streamed engine file. Callers must close Body.
type File struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// FetchFile streams a file from the engine.
func (c *Client) FetchFile(ctx context.Context, ref FileRef) (*File, error) {
	q := url.Values{"filename": {ref.Filename}}
	if ref.Subfolder != "" {
		q.Set("subfolder", ref.Subfolder)
	}
	if ref.Type != "" {
		q.Set("type", ref.Type)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable("view", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, rejected("view", resp)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &File{Body: resp.Body, ContentType: contentType, ContentLength: resp.ContentLength}, nil
}

// UploadResult names the stored input file.
type UploadResult struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Upload stores an input image on the engine.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader, overwrite bool) (UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return UploadResult{}, fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return UploadResult{}, fmt.Errorf("read upload: %w", err)
	}
	if overwrite {
		if err := mw.WriteField("overwrite", "true"); err != nil {
			return UploadResult{}, fmt.Errorf("build upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("build upload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload/image", &buf)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out UploadResult
	if err := c.doJSON(req, "upload", &out); err != nil {
		return UploadResult{}, err
	}
	return out, nil
}

// Interrupt asks the engine to stop the running job.
func (c *Client) Interrupt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, InterruptTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, "/interrupt", nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, "interrupt", nil)
}

// SystemStats returns the engine's raw system stats.
func (c *Client) SystemStats(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, StatsTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/system_stats", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.doJSON(req, "system_stats", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Origin", c.origin)
	return req, nil
}

func (c *Client) doJSON(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rejected(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if req.Context().Err() != nil {
			return unavailable(op, err)
		}
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func rejected(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(body))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return &RejectedError{Op: op, Status: resp.StatusCode, Body: text}
}
