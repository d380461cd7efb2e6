package chunk

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Code chunks a source file along top-level declaration boundaries.
// Files in languages without a registered grammar, and files the grammar
// fails to parse, fall back to line-window chunking. Either way every
// chunk stays within twice the configured token budget.
func Code(path string, content []byte, opts Options) []Chunk {
	opts = opts.normalized()
	lang := DetectLanguage(path)
	cfg := languages[lang]
	if cfg == nil {
		return lineChunks(string(content), opts, true, lang, 0)
	}

	segs, err := parseSegments(cfg, content)
	if err != nil || len(segs) == 0 {
		return lineChunks(string(content), opts, true, lang, 0)
	}
	return packSegments(segs, strings.Split(string(content), "\n"), opts, lang)
}

// segment is one top-level declaration span, in 0-based line coordinates.
type segment struct {
	startLine int
	endLine   int
	symbol    string
	tokens    int
}

func parseSegments(cfg *languageConfig, content []byte) ([]segment, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(cfg.language)
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() && root.NamedChildCount() == 0 {
		return nil, nil
	}

	lines := strings.Split(string(content), "\n")
	var segs []segment
	prevEnd := -1
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		start := int(node.StartPoint().Row)
		end := int(node.EndPoint().Row)
		// Leading comments and blank lines attach to the declaration
		// that follows them.
		if prevEnd+1 < start {
			start = prevEnd + 1
		}
		seg := segment{startLine: start, endLine: end}
		if cfg.declTypes[node.Type()] {
			if name := node.ChildByFieldName(cfg.nameField); name != nil {
				seg.symbol = name.Content(content)
			}
		}
		seg.tokens = EstimateTokens(joinLines(lines, seg.startLine, seg.endLine))
		segs = append(segs, seg)
		prevEnd = end
	}
	return segs, nil
}

// packSegments greedily merges consecutive declarations into chunks under
// the token budget. A declaration that alone exceeds the budget is split
// into line windows instead of being emitted oversized.
func packSegments(segs []segment, lines []string, opts Options, lang string) []Chunk {
	var chunks []Chunk
	flush := func(start, end int, symbol string) {
		content := joinLines(lines, start, end)
		if strings.TrimSpace(content) == "" {
			return
		}
		chunks = append(chunks, Chunk{
			Content:   content,
			Index:     len(chunks),
			StartLine: start + 1,
			EndLine:   end + 1,
			IsCode:    true,
			Language:  lang,
			Symbol:    symbol,
		})
	}

	groupStart, groupEnd := -1, -1
	groupTokens := 0
	groupSymbol := ""
	flushGroup := func() {
		if groupStart >= 0 {
			flush(groupStart, groupEnd, groupSymbol)
		}
		groupStart, groupEnd, groupTokens, groupSymbol = -1, -1, 0, ""
	}

	for _, seg := range segs {
		if seg.tokens > opts.MaxTokens {
			flushGroup()
			for _, sub := range lineChunks(joinLines(lines, seg.startLine, seg.endLine), opts, true, lang, seg.startLine) {
				sub.Index = len(chunks)
				sub.Symbol = seg.symbol
				chunks = append(chunks, sub)
			}
			continue
		}
		if groupStart >= 0 && groupTokens+seg.tokens > opts.MaxTokens {
			flushGroup()
		}
		if groupStart < 0 {
			groupStart = seg.startLine
			groupSymbol = seg.symbol
		} else if groupSymbol == "" {
			groupSymbol = seg.symbol
		}
		groupEnd = seg.endLine
		groupTokens += seg.tokens
	}
	flushGroup()
	return chunks
}

func joinLines(lines []string, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end >= len(lines) {
		end = len(lines) - 1
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start:end+1], "\n")
}
