// Package chunk splits source files and documents into retrieval-sized
// pieces. Code is cut along AST declaration boundaries when a tree-sitter
// grammar is available, markdown along heading sections with fenced code
// blocks kept atomic, and everything else along line windows with overlap.
// Chunking is deterministic: the same bytes always yield the same chunks.
package chunk

// Chunk is one embeddable unit of a file.
type Chunk struct {
	// Content is the chunk text.
	Content string
	// Index is the 0-based position of the chunk within its file.
	Index int
	// StartLine and EndLine are 1-based, inclusive.
	StartLine int
	EndLine   int
	// IsCode marks chunks cut from source code (including fenced blocks
	// lifted out of markdown).
	IsCode bool
	// Language is the detected language name, empty when unknown.
	Language string
	// Symbol is the enclosing declaration name when the AST exposes one.
	Symbol string
}

// Options control chunk sizing. Sizes are measured in estimated tokens.
type Options struct {
	MaxTokens     int
	OverlapTokens int
}

// DefaultOptions matches the ingestion defaults.
func DefaultOptions() Options {
	return Options{MaxTokens: 1000, OverlapTokens: 100}
}

func (o Options) normalized() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultOptions().MaxTokens
	}
	if o.OverlapTokens < 0 || o.OverlapTokens >= o.MaxTokens {
		o.OverlapTokens = o.MaxTokens / 10
	}
	return o
}

// charsPerToken is the estimation ratio used throughout ingestion.
// Real tokenizers average close to four characters per token for both
// English prose and source code.
const charsPerToken = 4

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}
