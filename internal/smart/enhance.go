package smart

import (
	"context"
	"fmt"
	"strings"
)

// Enhancement strategies.
const (
	// StrategyRewrite asks for alternative phrasings of the query.
	StrategyRewrite = "rewrite"
	// StrategyHyDE asks for a short hypothetical answer whose embedding
	// tends to land near real answers.
	StrategyHyDE = "hyde"
)

const maxRewrites = 3

const rewriteSystem = "You rewrite search queries for a code and documentation " +
	"search engine. Respond with one rewritten query per line, nothing else."

const hydeSystem = "You write a short, plausible answer to the question as if " +
	"quoting project documentation. Two or three sentences, no preamble."

// enhance expands one query into sub-queries. The original is always
// first; a failing strategy is skipped rather than failing the run.
func (e *Engine) enhance(ctx context.Context, query string, strategies []string) []string {
	subs := []string{query}
	if e.llm == nil {
		return subs
	}
	if len(strategies) == 0 {
		strategies = []string{StrategyRewrite}
	}

	seen := map[string]bool{strings.ToLower(query): true}
	for _, strategy := range strategies {
		switch strategy {
		case StrategyRewrite:
			prompt := fmt.Sprintf("Rewrite this query %d different ways:\n\n%s", maxRewrites, query)
			out, err := e.llm.Complete(ctx, rewriteSystem, prompt)
			if err != nil {
				e.logger.Warn("rewrite enhancement failed", "error", err)
				continue
			}
			for _, line := range strings.Split(out, "\n") {
				line = cleanRewrite(line)
				if line == "" || seen[strings.ToLower(line)] {
					continue
				}
				seen[strings.ToLower(line)] = true
				subs = append(subs, line)
				if len(subs) > maxRewrites {
					break
				}
			}
		case StrategyHyDE:
			out, err := e.llm.Complete(ctx, hydeSystem, query)
			if err != nil {
				e.logger.Warn("hyde enhancement failed", "error", err)
				continue
			}
			out = strings.TrimSpace(out)
			if out != "" && !seen[strings.ToLower(out)] {
				seen[strings.ToLower(out)] = true
				subs = append(subs, out)
			}
		default:
			e.logger.Warn("unknown enhancement strategy", "strategy", strategy)
		}
	}
	return subs
}

// cleanRewrite strips list markers and quotes the model tends to add.
func cleanRewrite(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "0123456789.-*) ")
	line = strings.Trim(line, `"'`)
	return strings.TrimSpace(line)
}
