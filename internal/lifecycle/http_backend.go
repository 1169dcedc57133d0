package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genstudio/internal/bridge"
	"genstudio/internal/engine"
	"genstudio/internal/models"
)

// APIError is a non-2xx answer from the API server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// HTTPBackendOptions configures an HTTPBackend.
type HTTPBackendOptions struct {
	// APIURL is the base URL of the genstudio API server.
	APIURL       string
	// EngineURL and TextGenURL are forwarded per request; empty values let
	// the server use its defaults.
	EngineURL    string
	TextGenURL   string
	TextGenModel string
	HTTPClient   *http.Client
}

// HTTPBackend drives the controller through the API server's endpoints.
type HTTPBackend struct {
	apiURL       string
	engineURL    string
	textgenURL   string
	textgenModel string
	client       *http.Client
}

// NewHTTPBackend builds a backend for opts.APIURL.
func NewHTTPBackend(opts HTTPBackendOptions) *HTTPBackend {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{
		apiURL:       strings.TrimRight(opts.APIURL, "/"),
		engineURL:    opts.EngineURL,
		textgenURL:   opts.TextGenURL,
		textgenModel: opts.TextGenModel,
		client:       client,
	}
}

// Submit posts to /api/jobs.
func (b *HTTPBackend) Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResponse, error) {
	if req.EngineBaseURL == "" {
		req.EngineBaseURL = b.engineURL
	}
	var out models.SubmitResponse
	err := b.doJSON(ctx, http.MethodPost, "/api/jobs", req, &out)
	return out, err
}

// Result reads /api/engine/results/{promptId}.
func (b *HTTPBackend) Result(ctx context.Context, promptID string) (models.JobResult, error) {
	ctx, cancel := context.WithTimeout(ctx, engine.ResultTimeout)
	defer cancel()

	path := "/api/engine/results/" + url.PathEscape(promptID)
	if b.engineURL != "" {
		path += "?" + url.Values{"engineBaseUrl": {b.engineURL}}.Encode()
	}
	var out models.JobResult
	err := b.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// UpdateRecord patches /api/jobs/{id}.
func (b *HTTPBackend) UpdateRecord(ctx context.Context, id string, patch models.RecordPatch) error {
	body := models.RecordUpdate{RecordPatch: patch, EngineBaseURL: b.engineURL}
	return b.doJSON(ctx, http.MethodPatch, "/api/jobs/"+url.PathEscape(id), body, nil)
}

// Interrupt posts to /api/engine/interrupt.
func (b *HTTPBackend) Interrupt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, engine.InterruptTimeout)
	defer cancel()
	body := map[string]string{"engineBaseUrl": b.engineURL}
	return b.doJSON(ctx, http.MethodPost, "/api/engine/interrupt", body, nil)
}

// Enhance posts to /api/textgen/enhance.
func (b *HTTPBackend) Enhance(ctx context.Context, mode models.Mode, prompt string) (string, error) {
	req := models.EnhanceRequest{Prompt: prompt, Mode: mode, TextGenBaseURL: b.textgenURL, Model: b.textgenModel}
	var out models.EnhanceResponse
	if err := b.doJSON(ctx, http.MethodPost, "/api/textgen/enhance", req, &out); err != nil {
		return "", err
	}
	return out.EnhancedPrompt, nil
}

// Subscribe opens /api/engine/events for promptID.
func (b *HTTPBackend) Subscribe(ctx context.Context, promptID, clientID string) (Stream, error) {
	q := url.Values{"clientId": {clientID}, "promptId": {promptID}}
	if b.engineURL != "" {
		q.Set("engineBaseUrl", b.engineURL)
	}
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.apiURL+"/api/engine/events?"+q.Encode(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := b.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	s := &sseStream{body: resp.Body, cancel: cancel, events: make(chan engine.Event, 16)}
	go s.read(ctx)
	return s, nil
}

type sseStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan engine.Event
}

func (s *sseStream) Events() <-chan engine.Event { return s.events }

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}

func (s *sseStream) read(ctx context.Context) {
	defer close(s.events)
	rd := bridge.NewReader(s.body)
	for {
		msg, err := rd.Next()
		if err != nil {
			return
		}
		if msg.Event == "" {
			continue
		}
		select {
		case s.events <- engine.Event{Type: msg.Event, Data: json.RawMessage(msg.Data)}:
		case <-ctx.Done():
			return
		}
	}
}

const apiTimeout = 30 * time.Second

func (b *HTTPBackend) doJSON(ctx context.Context, method, path string, in, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, apiTimeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.apiURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	var er models.ErrorResponse
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		msg = er.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
