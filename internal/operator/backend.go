// Package operator is the narrow interface to the long-running operator
// agent: conversational chat calls and the session/turn registry behind the
// control API.
package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Backend is the operator agent as the pipeline sees it.
type Backend interface {
	// Chat sends free-form text to the operator and returns its reply.
	Chat(ctx context.Context, sessionID, text string) (string, error)
}

// HTTPBackend talks to the operator agent over its HTTP contract.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend builds a backend for the operator at baseURL.
func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

type chatResponse struct {
	OK    bool   `json:"ok"`
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

// Chat implements Backend.
func (b *HTTPBackend) Chat(ctx context.Context, sessionID, text string) (string, error) {
	body, err := json.Marshal(chatRequest{SessionID: sessionID, Text: text})
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("operator chat call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read operator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("operator returned status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to parse operator response: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("operator error: %s", out.Error)
	}
	return out.Reply, nil
}
