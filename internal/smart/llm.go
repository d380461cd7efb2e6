// Package smart layers LLM-assisted retrieval over the query engine:
// query enhancement (rewrites and a HyDE-style hypothetical answer),
// fusion across the sub-query result lists, and grounded answer
// synthesis with citations. The layer is additive — with no LLM wired
// in, callers get plain query results back unchanged.
package smart

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/scopehq/contextmcp/internal/errors"
)

// LLM produces a completion for a prompt.
type LLM interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// LLMConfig configures the chat-completions client.
type LLMConfig struct {
	// Endpoint is the service base URL; /v1/chat/completions is appended.
	Endpoint    string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// HTTPLLM speaks the OpenAI-compatible chat completions shape.
type HTTPLLM struct {
	client    *http.Client
	transport *http.Transport
	cfg       LLMConfig
}

var _ LLM = (*HTTPLLM)(nil)

// NewHTTPLLM creates the client.
func NewHTTPLLM(cfg LLMConfig) (*HTTPLLM, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.KindValidation, "llm endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     60 * time.Second,
	}
	return &HTTPLLM{
		client:    &http.Client{Transport: transport},
		transport: transport,
		cfg:       cfg,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends one chat turn and returns the assistant text.
func (l *HTTPLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       l.cfg.Model,
		Messages:    messages,
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: l.cfg.Temperature,
	})
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, "marshal chat request", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, l.cfg.Endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, "build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.KindIO, "chat request failed", err).WithResource(l.cfg.Endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := errors.KindIO
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = errors.KindBackpressure
		}
		return "", errors.Newf(kind, "llm service returned %d: %s", resp.StatusCode, string(msg)).
			WithResource(l.cfg.Endpoint)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errors.Wrap(errors.KindIO, "decode chat response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New(errors.KindIO, "llm returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Close releases pooled connections.
func (l *HTTPLLM) Close() error {
	l.transport.CloseIdleConnections()
	return nil
}
