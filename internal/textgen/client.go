// Package textgen is a small client for OpenAI-compatible local chat servers
// used to enhance prompts and explain workflows.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"genstudio/internal/models"
)

const (
	DefaultBaseURL = "http://localhost:1234"

	ChatTimeout   = 60 * time.Second
	ModelsTimeout = 5 * time.Second

	enhanceTemperature = 0.7
	enhanceMaxTokens   = 500
	explainTemperature = 0.3
	explainMaxTokens   = 1000
)

var (
	// ErrUnavailable marks timeouts and transport failures.
	ErrUnavailable = errors.New("text generation backend unavailable")
	// ErrEmptyResponse is returned when the model answers without content.
	ErrEmptyResponse = errors.New("text generation backend returned no content")
)

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("text generation error %d", e.Status)
	}
	return fmt.Sprintf("text generation error %d: %s", e.Status, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// Client calls /v1/chat/completions and /v1/models.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient builds a client. An empty BaseURL uses DefaultBaseURL.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Client{baseURL: baseURL, model: strings.TrimSpace(opts.Model), client: client}
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Enhance rewrites prompt into a detailed generation prompt for mode.
func (c *Client) Enhance(ctx context.Context, mode models.Mode, prompt string) (string, error) {
	return c.chat(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt(mode)},
			{Role: "user", Content: prompt},
		},
		Temperature: enhanceTemperature,
		MaxTokens:   enhanceMaxTokens,
	})
}

// NodeGroup explains a set of related nodes.
type NodeGroup struct {
	GroupName   string `json:"groupName"`
	Explanation string `json:"explanation"`
}

// KeyParameter is a user-facing knob worth adjusting.
type KeyParameter struct {
	Name string `json:"name"`
	Tip  string `json:"tip"`
}

// Explanation is a beginner-friendly description of a workflow.
type Explanation struct {
	Summary       string         `json:"summary"`
	NodeGroups    []NodeGroup    `json:"nodeGroups"`
	KeyParameters []KeyParameter `json:"keyParameters"`
	Tips          []string       `json:"tips"`
}

// Explain asks the model to describe a workflow summary. Answers that are not
// JSON are returned verbatim as the summary.
func (c *Client) Explain(ctx context.Context, summary string) (*Explanation, error) {
	content, err := c.chat(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: explainSystemPrompt},
			{Role: "user", Content: summary},
		},
		Temperature: explainTemperature,
		MaxTokens:   explainMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return parseExplanation(content), nil
}

func parseExplanation(content string) *Explanation {
	var out Explanation
	fragment := extractJSONFragment(content)
	if fragment == "" || json.Unmarshal([]byte(fragment), &out) != nil || out.Summary == "" {
		out = Explanation{Summary: content}
	}
	if out.NodeGroups == nil {
		out.NodeGroups = []NodeGroup{}
	}
	if out.KeyParameters == nil {
		out.KeyParameters = []KeyParameter{}
	}
	if out.Tips == nil {
		out.Tips = []string{}
	}
	return &out
}

// ListModels returns the ids of the models the backend has loaded.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, ModelsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *Client) chat(ctx context.Context, payload chatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ChatTimeout)
	defer cancel()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return "", statusError(resp)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	text := strings.TrimSpace(string(body))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Status: resp.StatusCode, Body: text}
}

func extractJSONFragment(raw string) string {
	text := trimCodeFence(strings.TrimSpace(raw))
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```JSON")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
