package chunk

import "strings"

// Text chunks plain content into overlapping line windows.
func Text(content []byte, opts Options) []Chunk {
	return lineChunks(string(content), opts.normalized(), false, "", 0)
}

// lineChunks is the shared line-window cutter. Windows never exceed the
// token budget unless a single line does; such a line becomes its own
// chunk, bounded by twice the budget via hard character splitting.
func lineChunks(content string, opts Options, isCode bool, lang string, baseLine int) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	lines := strings.Split(content, "\n")

	var chunks []Chunk
	emit := func(start, end int) {
		text := strings.Join(lines[start:end+1], "\n")
		if strings.TrimSpace(text) == "" {
			return
		}
		for _, part := range splitOversized(text, opts.MaxTokens) {
			chunks = append(chunks, Chunk{
				Content:   part,
				Index:     len(chunks),
				StartLine: baseLine + start + 1,
				EndLine:   baseLine + end + 1,
				IsCode:    isCode,
				Language:  lang,
			})
		}
	}

	start := 0
	tokens := 0
	for i, line := range lines {
		lineTokens := EstimateTokens(line) + 1
		if tokens > 0 && tokens+lineTokens > opts.MaxTokens {
			emit(start, i-1)
			// Walk back to carry overlap into the next window.
			overlap := 0
			j := i - 1
			for j > start && overlap < opts.OverlapTokens {
				overlap += EstimateTokens(lines[j]) + 1
				j--
			}
			start = j + 1
			tokens = 0
			for k := start; k < i; k++ {
				tokens += EstimateTokens(lines[k]) + 1
			}
		}
		tokens += lineTokens
	}
	emit(start, len(lines)-1)
	return chunks
}

// splitOversized hard-splits text that exceeds twice the token budget.
// Needed only for degenerate inputs such as minified single-line files.
func splitOversized(text string, maxTokens int) []string {
	limit := 2 * maxTokens * charsPerToken
	if len(text) <= limit {
		return []string{text}
	}
	step := maxTokens * charsPerToken
	var parts []string
	for off := 0; off < len(text); off += step {
		end := off + step
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[off:end])
	}
	return parts
}
