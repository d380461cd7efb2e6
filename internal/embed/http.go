package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/scopehq/contextmcp/internal/errors"
)

// HTTPConfig configures a dense embedding service client.
type HTTPConfig struct {
	// Endpoint is the service base URL, e.g. "http://localhost:8080".
	Endpoint string
	// Model is sent with every request.
	Model string
	// Dimensions is the expected vector width. Responses with a
	// different width fail with a dimension mismatch.
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	MaxRetries int
}

// HTTPEmbedder talks to an OpenAI-compatible /v1/embeddings service.
// Both the prose and code models use this client, pointed at their
// respective endpoints.
type HTTPEmbedder struct {
	client    *http.Client
	transport *http.Transport
	cfg       HTTPConfig
}

var _ DenseEmbedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder creates the client. No health check is performed here;
// Available probes the service on demand.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.KindValidation, "embedding endpoint is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     30 * time.Second,
	}
	// Timeouts are applied per request via context so retries can use
	// a fresh budget each attempt.
	return &HTTPEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		cfg:       cfg,
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed embeds a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts, splitting into service-sized batches and
// retrying transient failures with backoff.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		retryCfg := errors.DefaultRetryConfig()
		if e.cfg.MaxRetries > 0 {
			retryCfg.MaxRetries = e.cfg.MaxRetries
		}
		vecs, err := errors.RetryWithResult(ctx, retryCfg, func() ([][]float32, error) {
			return e.embedOnce(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *HTTPEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(embeddingRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "marshal embedding request", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.cfg.Endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "embedding request failed", err).WithResource(e.cfg.Endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := errors.KindIO
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			kind = errors.KindBackpressure
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			kind = errors.KindValidation
		}
		return nil, errors.Newf(kind, "embedding service returned %d: %s", resp.StatusCode, string(msg)).
			WithResource(e.cfg.Endpoint)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(errors.KindIO, "decode embedding response", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, errors.Newf(errors.KindIO, "embedding count mismatch: sent %d, got %d", len(texts), len(parsed.Data))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, errors.Newf(errors.KindIO, "embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) != e.cfg.Dimensions {
			return nil, errors.Newf(errors.KindDimensionMismatch,
				"model %s returned %d dimensions, expected %d", e.cfg.Model, len(d.Embedding), e.cfg.Dimensions)
		}
		vecs[d.Index] = Normalize(d.Embedding)
	}
	return vecs, nil
}

// Dimensions returns the configured vector width.
func (e *HTTPEmbedder) Dimensions() int { return e.cfg.Dimensions }

// ModelName returns the configured model identifier.
func (e *HTTPEmbedder) ModelName() string { return e.cfg.Model }

// Available probes the service with a trivial request.
func (e *HTTPEmbedder) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.embedOnce(probeCtx, []string{"ping"})
	return err == nil
}

// Close releases pooled connections.
func (e *HTTPEmbedder) Close() error {
	e.transport.CloseIdleConnections()
	return nil
}
