package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/scopehq/contextmcp/internal/errors"
)

// LexicalEncoder builds sparse vectors from code-aware tokens: each term
// hashes to a stable vocabulary index and is weighted 1+log(tf). It runs
// fully locally, so sparse search works without any SPLADE service.
type LexicalEncoder struct{}

var _ SparseEncoder = (*LexicalEncoder)(nil)

// NewLexicalEncoder creates the local encoder.
func NewLexicalEncoder() *LexicalEncoder { return &LexicalEncoder{} }

// Encode tokenizes text and aggregates term frequencies. Empty or
// token-free text yields a zero vector, not an error.
func (l *LexicalEncoder) Encode(_ context.Context, text string) (SparseVector, error) {
	counts := map[string]int{}
	for _, tok := range Tokenize(text) {
		counts[tok]++
	}
	if len(counts) == 0 {
		return SparseVector{}, nil
	}

	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	vec := SparseVector{
		Indices: make([]uint32, 0, len(terms)),
		Values:  make([]float32, 0, len(terms)),
		Terms:   terms,
	}
	for _, t := range terms {
		vec.Indices = append(vec.Indices, termIndex(t))
		vec.Values = append(vec.Values, float32(1+math.Log(float64(counts[t]))))
	}
	sortByIndex(&vec)
	return vec, nil
}

// EncodeBatch encodes each text independently.
func (l *LexicalEncoder) EncodeBatch(ctx context.Context, texts []string) ([]SparseVector, error) {
	out := make([]SparseVector, len(texts))
	for i, t := range texts {
		v, err := l.Encode(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Name identifies the encoder in logs and stats.
func (l *LexicalEncoder) Name() string { return "lexical" }

// termIndex maps a term into a 2^20 vocabulary space.
func termIndex(term string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return h.Sum32() % (1 << 20)
}

func sortByIndex(v *SparseVector) {
	order := make([]int, len(v.Indices))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return v.Indices[order[a]] < v.Indices[order[b]] })

	idx := make([]uint32, len(order))
	vals := make([]float32, len(order))
	var terms []string
	if len(v.Terms) == len(order) {
		terms = make([]string, len(order))
	}
	for pos, i := range order {
		idx[pos] = v.Indices[i]
		vals[pos] = v.Values[i]
		if terms != nil {
			terms[pos] = v.Terms[i]
		}
	}
	v.Indices, v.Values = idx, vals
	if terms != nil {
		v.Terms = terms
	}
}

// SpladeEncoder calls a SPLADE-style HTTP service that returns
// {indices, values} pairs per input text.
type SpladeEncoder struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
}

var _ SparseEncoder = (*SpladeEncoder)(nil)

// NewSpladeEncoder creates the HTTP sparse encoder.
func NewSpladeEncoder(endpoint string, timeout time.Duration) (*SpladeEncoder, error) {
	if endpoint == "" {
		return nil, errors.New(errors.KindValidation, "sparse endpoint is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SpladeEncoder{client: &http.Client{}, endpoint: endpoint, timeout: timeout}, nil
}

// Encode encodes one text.
func (s *SpladeEncoder) Encode(ctx context.Context, text string) (SparseVector, error) {
	vecs, err := s.EncodeBatch(ctx, []string{text})
	if err != nil {
		return SparseVector{}, err
	}
	return vecs[0], nil
}

// EncodeBatch posts texts and decodes one sparse vector per input.
// Empty texts come back as zero vectors from the service.
func (s *SpladeEncoder) EncodeBatch(ctx context.Context, texts []string) ([]SparseVector, error) {
	if len(texts) == 0 {
		return []SparseVector{}, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(map[string][]string{"texts": texts})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "marshal sparse request", err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.endpoint+"/encode", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build sparse request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "sparse request failed", err).WithResource(s.endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Newf(errors.KindIO, "sparse service returned %d: %s", resp.StatusCode, string(msg)).
			WithResource(s.endpoint)
	}

	var parsed struct {
		Vectors []SparseVector `json:"vectors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(errors.KindIO, "decode sparse response", err)
	}
	if len(parsed.Vectors) != len(texts) {
		return nil, errors.Newf(errors.KindIO, "sparse count mismatch: sent %d, got %d", len(texts), len(parsed.Vectors))
	}
	for i := range parsed.Vectors {
		if len(parsed.Vectors[i].Indices) != len(parsed.Vectors[i].Values) {
			return nil, errors.Newf(errors.KindIO, "sparse vector %d has mismatched indices and values", i)
		}
		sortByIndex(&parsed.Vectors[i])
	}
	return parsed.Vectors, nil
}

// Name identifies the encoder in logs and stats.
func (s *SpladeEncoder) Name() string { return "splade" }
