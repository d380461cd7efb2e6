package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/scopehq/contextmcp/internal/errors"
)

// CrawlRequest describes one crawl to a page producer.
type CrawlRequest struct {
	URL       string `json:"url"`
	CrawlType string `json:"crawl_type"` // single, sitemap, recursive
	MaxPages  int    `json:"max_pages,omitempty"`
	Depth     int    `json:"depth,omitempty"`
}

// Page is one crawled page: a URL with its extracted markdown.
type Page struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Domain  string `json:"domain"`
	Content string `json:"content"`
}

// PageProducer yields crawled pages. The crawler itself is an external
// collaborator; the core only consumes its output.
type PageProducer interface {
	Produce(ctx context.Context, req CrawlRequest) ([]Page, error)
}

// StaticPages is an in-memory producer for tests and manual ingests.
type StaticPages []Page

var _ PageProducer = StaticPages(nil)

func (p StaticPages) Produce(context.Context, CrawlRequest) ([]Page, error) {
	return p, nil
}

// CrawlerConfig configures the crawler service client.
type CrawlerConfig struct {
	// Endpoint is the service base URL; /crawl is appended.
	Endpoint string
	// Timeout bounds the whole crawl call, not a single page.
	Timeout time.Duration
}

// HTTPCrawler talks to the crawler service.
type HTTPCrawler struct {
	client    *http.Client
	transport *http.Transport
	cfg       CrawlerConfig
}

var _ PageProducer = (*HTTPCrawler)(nil)

// NewHTTPCrawler creates the client.
func NewHTTPCrawler(cfg CrawlerConfig) (*HTTPCrawler, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.KindValidation, "crawler endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     60 * time.Second,
	}
	return &HTTPCrawler{
		client:    &http.Client{Transport: transport},
		transport: transport,
		cfg:       cfg,
	}, nil
}

type crawlResponse struct {
	Pages []Page `json:"pages"`
}

// Produce runs one crawl and returns the extracted pages.
func (c *HTTPCrawler) Produce(ctx context.Context, req CrawlRequest) ([]Page, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "marshal crawl request", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Endpoint+"/crawl", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build crawl request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "crawl request failed", err).WithResource(req.URL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := errors.KindIO
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			kind = errors.KindBackpressure
		case http.StatusBadRequest:
			kind = errors.KindValidation
		}
		return nil, errors.Newf(kind, "crawler returned %d: %s", resp.StatusCode, string(msg)).
			WithResource(req.URL)
	}

	var parsed crawlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(errors.KindIO, "decode crawl response", err)
	}
	return parsed.Pages, nil
}

// Close releases pooled connections.
func (c *HTTPCrawler) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
