package chunk

import "strings"

// Markdown chunks a document along heading sections. Fenced code blocks
// are atomic up to the token budget: a fence under the budget is never
// split across chunks, while one over the budget is cut into line
// windows like any oversized declaration. A chunk cut from a fence is
// marked as code and carries the fence's info string as its language.
func Markdown(content []byte, opts Options) []Chunk {
	opts = opts.normalized()
	blocks := markdownBlocks(string(content))
	if len(blocks) == 0 {
		return nil
	}

	var chunks []Chunk
	flush := func(group []mdBlock) {
		if len(group) == 0 {
			return
		}
		var sb strings.Builder
		for i, b := range group {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.text)
		}
		text := sb.String()
		if strings.TrimSpace(text) == "" {
			return
		}
		c := Chunk{
			Content:   text,
			Index:     len(chunks),
			StartLine: group[0].startLine + 1,
			EndLine:   group[len(group)-1].endLine + 1,
			Language:  "markdown",
		}
		if len(group) == 1 && group[0].fence {
			c.IsCode = true
			if group[0].fenceLang != "" {
				c.Language = group[0].fenceLang
			}
		}
		chunks = append(chunks, c)
	}

	var group []mdBlock
	tokens := 0
	for _, b := range blocks {
		bTokens := EstimateTokens(b.text)
		startsSection := b.heading && len(group) > 0
		overBudget := tokens > 0 && tokens+bTokens > opts.MaxTokens
		if startsSection || overBudget {
			flush(group)
			group, tokens = nil, 0
		}
		// An oversized fence is split into line windows so it stays
		// within the size discipline every other chunker honors.
		if b.fence && bTokens > opts.MaxTokens {
			flush(group)
			group, tokens = nil, 0
			lang := b.fenceLang
			if lang == "" {
				lang = "markdown"
			}
			for _, sub := range lineChunks(b.text, opts, true, lang, b.startLine) {
				sub.Index = len(chunks)
				chunks = append(chunks, sub)
			}
			continue
		}
		group = append(group, b)
		tokens += bTokens
	}
	flush(group)
	return chunks
}

// mdBlock is one indivisible markdown unit: a heading line, a fenced code
// block, or a paragraph.
type mdBlock struct {
	text      string
	startLine int // 0-based
	endLine   int
	heading   bool
	fence     bool
	fenceLang string
}

func markdownBlocks(content string) []mdBlock {
	lines := strings.Split(content, "\n")
	var blocks []mdBlock

	var para []string
	paraStart := 0
	flushPara := func(end int) {
		text := strings.Join(para, "\n")
		if strings.TrimSpace(text) != "" {
			blocks = append(blocks, mdBlock{text: text, startLine: paraStart, endLine: end})
		}
		para = nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if marker := fenceMarker(trimmed); marker != "" {
			flushPara(i - 1)
			start := i
			info := strings.TrimSpace(strings.TrimPrefix(trimmed, marker))
			for i++; i < len(lines); i++ {
				if strings.HasPrefix(strings.TrimSpace(lines[i]), marker) {
					break
				}
			}
			end := i
			if end >= len(lines) {
				end = len(lines) - 1 // unterminated fence runs to EOF
			}
			blocks = append(blocks, mdBlock{
				text:      strings.Join(lines[start:end+1], "\n"),
				startLine: start,
				endLine:   end,
				fence:     true,
				fenceLang: info,
			})
			paraStart = i + 1
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			flushPara(i - 1)
			blocks = append(blocks, mdBlock{text: line, startLine: i, endLine: i, heading: true})
			paraStart = i + 1
			continue
		}

		if trimmed == "" {
			flushPara(i - 1)
			paraStart = i + 1
			continue
		}

		if len(para) == 0 {
			paraStart = i
		}
		para = append(para, line)
	}
	flushPara(len(lines) - 1)
	return blocks
}

func fenceMarker(trimmed string) string {
	switch {
	case strings.HasPrefix(trimmed, "```"):
		return "```"
	case strings.HasPrefix(trimmed, "~~~"):
		return "~~~"
	}
	return ""
}
