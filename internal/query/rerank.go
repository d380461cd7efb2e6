package query

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/scopehq/contextmcp/internal/errors"
)

// RerankConfig configures the cross-encoder service client.
type RerankConfig struct {
	// Endpoint is the service base URL; /rerank is appended.
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// HTTPReranker scores (query, document) pairs against a cross-encoder
// service speaking the common rerank shape:
// {model, query, documents} → {scores:[float64]}.
type HTTPReranker struct {
	client    *http.Client
	transport *http.Transport
	cfg       RerankConfig
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker creates the client.
func NewHTTPReranker(cfg RerankConfig) (*HTTPReranker, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.KindValidation, "rerank endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     30 * time.Second,
	}
	return &HTTPReranker{
		client:    &http.Client{Transport: transport},
		transport: transport,
		cfg:       cfg,
	}, nil
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank scores documents against the query, one score per document in
// input order.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(rerankRequest{Model: r.cfg.Model, Query: query, Documents: documents})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "marshal rerank request", err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.cfg.Endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "rerank request failed", err).WithResource(r.cfg.Endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := errors.KindIO
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = errors.KindBackpressure
		}
		return nil, errors.Newf(kind, "rerank service returned %d: %s", resp.StatusCode, string(msg)).
			WithResource(r.cfg.Endpoint)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(errors.KindIO, "decode rerank response", err)
	}
	if len(parsed.Scores) != len(documents) {
		return nil, errors.Newf(errors.KindIO,
			"rerank score count mismatch: sent %d, got %d", len(documents), len(parsed.Scores))
	}
	return parsed.Scores, nil
}

// Close releases pooled connections.
func (r *HTTPReranker) Close() error {
	r.transport.CloseIdleConnections()
	return nil
}
