package smart

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scopehq/contextmcp/internal/query"
)

const (
	rrfConstant     = 60
	maxContextHits  = 8
	maxContextChars = 2000
)

// Request is one smart query.
type Request struct {
	Query         string
	Project       string
	Dataset       string
	IncludeGlobal bool
	TopK          int
	Threshold     float64
	Strategies    []string
	// AnswerType selects synthesis: "text" (default) or "none" to skip
	// the answer and return fused retrievals only.
	AnswerType string
}

// Citation ties an answer reference to a retrieved hit.
type Citation struct {
	Index int    `json:"index"`
	HitID string `json:"hitId"`
	Path  string `json:"path"`
	URL   string `json:"url,omitempty"`
}

// Response is a finished smart query.
type Response struct {
	Answer     string
	Confidence float64
	Citations  []Citation
	Retrievals []query.Hit
	SubQueries []string
	Latency    time.Duration
}

// Engine runs smart queries over the plain query engine. llm may be
// nil, which degrades every run to a single plain retrieval.
type Engine struct {
	queries *query.Engine
	llm     LLM
	logger  *slog.Logger
}

// New wires the layer. llm may be nil.
func New(queries *query.Engine, llm LLM) *Engine {
	return &Engine{
		queries: queries,
		llm:     llm,
		logger:  slog.Default().With("component", "smart"),
	}
}

// Run enhances, retrieves per sub-query, fuses, and synthesizes.
func (e *Engine) Run(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	// Mirrors the plain engine: a non-positive topK is an explicit
	// empty request, not a default.
	if req.TopK <= 0 {
		return &Response{Retrievals: []query.Hit{}, Latency: time.Since(started)}, nil
	}

	subs := e.enhance(ctx, req.Query, req.Strategies)

	lists := make([][]query.Hit, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, sub := range subs {
		g.Go(func() error {
			res, err := e.queries.Run(gctx, query.Request{
				Query:         sub,
				Project:       req.Project,
				Dataset:       req.Dataset,
				IncludeGlobal: req.IncludeGlobal,
				TopK:          req.TopK,
				Threshold:     req.Threshold,
			})
			if err != nil {
				return err
			}
			lists[i] = res.Hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuseHits(lists, req.TopK)
	resp := &Response{
		Retrievals: fused,
		SubQueries: subs,
	}

	if e.llm != nil && req.AnswerType != "none" && len(fused) > 0 {
		answer, confidence, citations := e.synthesize(ctx, req.Query, fused)
		resp.Answer = answer
		resp.Confidence = confidence
		resp.Citations = citations
	}

	resp.Latency = time.Since(started)
	return resp, nil
}

// fuseHits merges the per-sub-query lists with RRF keyed by hit id.
// Ties break by final score, then first appearance.
func fuseHits(lists [][]query.Hit, topK int) []query.Hit {
	type fusedHit struct {
		hit      query.Hit
		score    float64
		inserted int
	}
	byID := map[string]*fusedHit{}
	var order []*fusedHit

	for _, list := range lists {
		for rank, hit := range list {
			f, ok := byID[hit.ID]
			if !ok {
				f = &fusedHit{hit: hit, inserted: len(order)}
				byID[hit.ID] = f
				order = append(order, f)
			}
			f.score += 1.0 / float64(rrfConstant+rank+1)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		if order[i].hit.Scoring.Final != order[j].hit.Scoring.Final {
			return order[i].hit.Scoring.Final > order[j].hit.Scoring.Final
		}
		return order[i].inserted < order[j].inserted
	})

	out := make([]query.Hit, 0, topK)
	for _, f := range order {
		f.hit.Scoring.Fused = f.score
		out = append(out, f.hit)
		if len(out) == topK {
			break
		}
	}
	return out
}

const answerSystem = "You answer questions about a codebase using only the " +
	"numbered context blocks. Cite blocks inline as [1], [2]. If the context " +
	"does not answer the question, say so. End with a line " +
	"'confidence: <0..1>' estimating how well the context supports the answer."

// synthesize builds the grounded answer. Failures degrade to
// retrievals-only rather than failing the run.
func (e *Engine) synthesize(ctx context.Context, question string, hits []query.Hit) (string, float64, []Citation) {
	n := len(hits)
	if n > maxContextHits {
		n = maxContextHits
	}

	var b strings.Builder
	citations := make([]Citation, 0, n)
	for i := 0; i < n; i++ {
		h := hits[i]
		content := h.Payload.Content
		if len(content) > maxContextChars {
			content = content[:maxContextChars]
		}
		where := h.Payload.Path
		if where == "" {
			where = h.Payload.URL
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, where, content)
		citations = append(citations, Citation{
			Index: i + 1,
			HitID: h.ID,
			Path:  h.Payload.Path,
			URL:   h.Payload.URL,
		})
	}
	fmt.Fprintf(&b, "Question: %s", question)

	out, err := e.llm.Complete(ctx, answerSystem, b.String())
	if err != nil {
		e.logger.Warn("answer synthesis failed", "error", err)
		return "", 0, nil
	}

	answer, confidence := splitConfidence(out)
	return answer, confidence, citedOnly(citations, answer)
}

var confidenceLine = regexp.MustCompile(`(?i)confidence:\s*([0-9.]+)\s*$`)

// splitConfidence pulls the trailing confidence line off the answer.
// A missing or unparsable line yields 0.5.
func splitConfidence(out string) (string, float64) {
	out = strings.TrimSpace(out)
	m := confidenceLine.FindStringSubmatch(out)
	if m == nil {
		return out, 0.5
	}
	answer := strings.TrimSpace(strings.TrimSuffix(out, m[0]))
	c, err := strconv.ParseFloat(m[1], 64)
	if err != nil || c < 0 || c > 1 {
		return answer, 0.5
	}
	return answer, c
}

// citedOnly keeps the citations the answer actually references.
func citedOnly(all []Citation, answer string) []Citation {
	var used []Citation
	for _, c := range all {
		if strings.Contains(answer, fmt.Sprintf("[%d]", c.Index)) {
			used = append(used, c)
		}
	}
	if len(used) == 0 {
		return all
	}
	return used
}
