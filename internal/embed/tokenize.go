package embed

import (
	"regexp"
	"strings"
	"unicode"
)

var identRegex = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// Tokenize splits text with code-aware rules: identifiers are broken on
// snake_case and camelCase boundaries, everything is lowercased, and
// single-character fragments are dropped. Used by the lexical sparse
// encoder and by sparse query expansion.
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range identRegex.FindAllString(text, -1) {
		for _, part := range splitIdentifier(word) {
			lower := strings.ToLower(part)
			if len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

func splitIdentifier(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamel(part)...)
			}
		}
		return result
	}
	return splitCamel(token)
}

// splitCamel breaks camelCase and PascalCase, keeping acronym runs
// together: "parseHTTPRequest" -> ["parse", "HTTP", "Request"].
func splitCamel(s string) []string {
	if s == "" {
		return nil
	}
	var result []string
	var current strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if (prevLower || nextLower) && current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}
