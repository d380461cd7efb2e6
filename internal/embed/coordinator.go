package embed

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/scopehq/contextmcp/internal/errors"
)

// Input is one chunk to embed.
type Input struct {
	ID     string
	Text   string
	IsCode bool
}

// Result carries the vectors for one input. Failed holds the per-model
// error when the dense vector had to be zero-filled.
type Result struct {
	ID     string
	Dense  []float32
	Sparse SparseVector
	Failed error
}

// Coordinator routes chunks to the prose or code dense model, encodes
// sparse vectors alongside, and bounds total in-flight requests with a
// shared semaphore. A dense batch that fails after retries zero-fills
// its vectors instead of failing the whole ingestion; queries go through
// EmbedQuery, which fails hard.
type Coordinator struct {
	text      DenseEmbedder
	code      DenseEmbedder
	sparse    SparseEncoder
	sem       *semaphore.Weighted
	batchSize int
	logger    *slog.Logger
}

// NewCoordinator wires the models together. code may be nil, in which
// case the prose model embeds everything.
func NewCoordinator(text, code DenseEmbedder, sparse SparseEncoder, batchSize, concurrency int) *Coordinator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	if code == nil {
		code = text
	}
	return &Coordinator{
		text:      text,
		code:      code,
		sparse:    sparse,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		batchSize: batchSize,
		logger:    slog.Default().With("component", "embed"),
	}
}

// Dimensions returns the dense vector width.
func (c *Coordinator) Dimensions() int { return c.text.Dimensions() }

// SparseName returns the sparse encoder identifier.
func (c *Coordinator) SparseName() string { return c.sparse.Name() }

// EmbedChunks embeds all inputs. Results align with inputs by position.
// Only context cancellation and sparse-encoder failures abort; dense
// model failures degrade to zero vectors with Failed set.
func (c *Coordinator) EmbedChunks(ctx context.Context, inputs []Input) ([]Result, error) {
	results := make([]Result, len(inputs))
	for i, in := range inputs {
		results[i].ID = in.ID
	}
	if len(inputs) == 0 {
		return results, nil
	}

	var textIdx, codeIdx []int
	for i, in := range inputs {
		if in.IsCode {
			codeIdx = append(codeIdx, i)
		} else {
			textIdx = append(textIdx, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.embedDense(gctx, c.text, inputs, textIdx, results) })
	g.Go(func() error { return c.embedDense(gctx, c.code, inputs, codeIdx, results) })
	g.Go(func() error {
		texts := make([]string, len(inputs))
		for i, in := range inputs {
			texts[i] = in.Text
		}
		vecs, err := c.sparse.EncodeBatch(gctx, texts)
		if err != nil {
			return errors.Wrap(errors.KindInternal, "sparse encoding failed", err)
		}
		for i := range results {
			results[i].Sparse = vecs[i]
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedDense processes one model's share of the inputs in batches.
func (c *Coordinator) embedDense(ctx context.Context, model DenseEmbedder, inputs []Input, idx []int, results []Result) error {
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(idx); start += c.batchSize {
		end := start + c.batchSize
		if end > len(idx) {
			end = len(idx)
		}
		batch := idx[start:end]

		g.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return errors.Wrap(errors.KindCancelled, "embedding cancelled", err)
			}
			defer c.sem.Release(1)

			// spans[j] is the half-open slice range in texts holding
			// input j's pieces; over-cap inputs contribute several.
			texts := make([]string, 0, len(batch))
			spans := make([][2]int, len(batch))
			for j, i := range batch {
				parts := capSlices(inputs[i].Text)
				spans[j] = [2]int{len(texts), len(texts) + len(parts)}
				texts = append(texts, parts...)
			}
			vecs, err := model.EmbedBatch(gctx, texts)
			if err != nil {
				if errors.KindOf(err) == errors.KindCancelled {
					return err
				}
				c.logger.Warn("dense batch failed, zero-filling",
					"model", model.ModelName(), "batch_size", len(batch), "error", err)
				for _, i := range batch {
					results[i].Dense = make([]float32, model.Dimensions())
					results[i].Failed = err
				}
				return nil
			}
			for j, i := range batch {
				s := spans[j]
				if s[1]-s[0] == 1 {
					results[i].Dense = vecs[s[0]]
				} else {
					results[i].Dense = meanPool(vecs[s[0]:s[1]], model.Dimensions())
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// maxInputChars mirrors the chunker's four-chars-per-token estimate.
const maxInputChars = MaxInputTokens * 4

// capSlices splits text at the model input cap. Chunked input returns
// as a single slice; the split only fires on degenerate oversized text.
func capSlices(text string) []string {
	if len(text) <= maxInputChars {
		return []string{text}
	}
	var parts []string
	for off := 0; off < len(text); off += maxInputChars {
		end := off + maxInputChars
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[off:end])
	}
	return parts
}

// meanPool averages piece vectors back into one unit vector.
func meanPool(vecs [][]float32, dims int) []float32 {
	sum := make([]float32, dims)
	for _, v := range vecs {
		for k, val := range v {
			sum[k] += val
		}
	}
	inv := 1 / float32(len(vecs))
	for k := range sum {
		sum[k] *= inv
	}
	return Normalize(sum)
}

// EmbedQuery embeds a search query: dense via the prose model, sparse via
// the configured encoder. Unlike ingestion, a model failure here is fatal.
func (c *Coordinator) EmbedQuery(ctx context.Context, query string) ([]float32, SparseVector, error) {
	var dense []float32
	var sparse SparseVector

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.text.Embed(gctx, query)
		if err != nil {
			return errors.Wrap(errors.KindInternal, "embed query", err)
		}
		dense = v
		return nil
	})
	g.Go(func() error {
		v, err := c.sparse.Encode(gctx, query)
		if err != nil {
			return errors.Wrap(errors.KindInternal, "encode query", err)
		}
		sparse = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, SparseVector{}, err
	}
	return dense, sparse, nil
}
