package services

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
)

var ErrCompletionFailed = errors.New("chat completion failed")

// ChatTurn is one model-facing history entry.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is also the body of POST /api/chat.
type CompletionRequest struct {
	Messages     []ChatTurn `json:"messages"`
	Model        string     `json:"model"`
	SystemPrompt string     `json:"systemPrompt"`
}

type CompletionResponse struct {
	Response string `json:"response"`
}

// Completer produces the assistant reply for a conversation. Every
// failure, whatever its cause, wraps ErrCompletionFailed.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// HTTPCompleter calls a chat completion endpoint speaking the
// CompletionRequest / CompletionResponse JSON shapes.
type HTTPCompleter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPCompleter returns a completer posting to endpoint. A zero
// timeout leaves requests bounded only by their context.
func NewHTTPCompleter(endpoint string, timeout time.Duration) *HTTPCompleter {
	return &HTTPCompleter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrCompletionFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrCompletionFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrCompletionFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out CompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrCompletionFailed, err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", fmt.Errorf("%w: empty response", ErrCompletionFailed)
	}
	return out.Response, nil
}
