package chunk

// File chunks content using the strategy implied by its path: markdown
// files go through the section chunker, files in a registered language
// through the AST chunker, and everything else through line windows.
func File(path string, content []byte, opts Options) []Chunk {
	switch {
	case IsMarkdown(path):
		return Markdown(content, opts)
	case DetectLanguage(path) != "":
		return Code(path, content, opts)
	default:
		return Text(content, opts)
	}
}
