package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Usage is the token accounting an OpenAI-compatible API reports.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Completion is a buffered non-streaming upstream response.
type Completion struct {
	Body    []byte
	Usage   *Usage
	Content string // concatenated choice text, for estimating when Usage is absent
}

// UpstreamError is a non-2xx answer from the inference API.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// Upstream is an authenticated client for an OpenAI-compatible API.
type Upstream struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stream  *http.Client // no overall timeout; bounded by the request context
}

func NewUpstream(baseURL, apiKey string, timeout time.Duration) *Upstream {
	return &Upstream{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

func (u *Upstream) do(ctx context.Context, client *http.Client, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+u.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// Complete sends a non-streaming chat completion.
func (u *Upstream) Complete(ctx context.Context, body []byte) (*Completion, error) {
	resp, err := u.do(ctx, u.http, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read body: %w", err)
	}

	var parsed struct {
		Usage   *Usage `json:"usage"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("upstream: decode body: %w", err)
	}
	var content strings.Builder
	for _, ch := range parsed.Choices {
		content.WriteString(ch.Message.Content)
	}
	return &Completion{Body: raw, Usage: parsed.Usage, Content: content.String()}, nil
}

// Stream opens a streaming chat completion. The caller closes the body.
func (u *Upstream) Stream(ctx context.Context, body []byte) (io.ReadCloser, error) {
	resp, err := u.do(ctx, u.stream, body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
