package chunk

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// languageConfig describes how to cut one language along its AST.
type languageConfig struct {
	// name is the canonical language identifier stored on chunks.
	name string
	// language is the tree-sitter grammar.
	language *sitter.Language
	// declTypes are the top-level node types treated as chunk boundaries.
	declTypes map[string]bool
	// nameField extracts the declared symbol, when present.
	nameField string
}

var (
	languages  = map[string]*languageConfig{}
	extensions = map[string]string{}
)

func register(cfg *languageConfig, exts ...string) {
	languages[cfg.name] = cfg
	for _, ext := range exts {
		extensions[ext] = cfg.name
	}
}

func init() {
	register(&languageConfig{
		name:     "go",
		language: golang.GetLanguage(),
		declTypes: map[string]bool{
			"function_declaration": true,
			"method_declaration":   true,
			"type_declaration":     true,
			"const_declaration":    true,
			"var_declaration":      true,
			"import_declaration":   true,
		},
		nameField: "name",
	}, ".go")

	tsDecls := map[string]bool{
		"function_declaration":   true,
		"class_declaration":      true,
		"interface_declaration":  true,
		"type_alias_declaration": true,
		"enum_declaration":       true,
		"lexical_declaration":    true,
		"variable_declaration":   true,
		"export_statement":       true,
		"import_statement":       true,
	}
	register(&languageConfig{
		name:      "typescript",
		language:  typescript.GetLanguage(),
		declTypes: tsDecls,
		nameField: "name",
	}, ".ts", ".mts", ".cts")
	register(&languageConfig{
		name:      "tsx",
		language:  tsx.GetLanguage(),
		declTypes: tsDecls,
		nameField: "name",
	}, ".tsx")

	register(&languageConfig{
		name:     "javascript",
		language: javascript.GetLanguage(),
		declTypes: map[string]bool{
			"function_declaration": true,
			"class_declaration":    true,
			"lexical_declaration":  true,
			"variable_declaration": true,
			"export_statement":     true,
			"import_statement":     true,
		},
		nameField: "name",
	}, ".js", ".mjs", ".cjs", ".jsx")

	register(&languageConfig{
		name:     "python",
		language: python.GetLanguage(),
		declTypes: map[string]bool{
			"function_definition":  true,
			"class_definition":     true,
			"decorated_definition": true,
			"import_statement":     true,
			"import_from_statement": true,
		},
		nameField: "name",
	}, ".py", ".pyi")
}

// DetectLanguage maps a file path to a registered language name.
// Returns "" when the extension is not recognized.
func DetectLanguage(path string) string {
	return extensions[strings.ToLower(filepath.Ext(path))]
}

// markdownExts are handled by the markdown chunker rather than tree-sitter.
var markdownExts = map[string]bool{
	".md":       true,
	".markdown": true,
	".mdx":      true,
}

// IsMarkdown reports whether path should be chunked as markdown.
func IsMarkdown(path string) bool {
	return markdownExts[strings.ToLower(filepath.Ext(path))]
}
