// Package gitignore matches paths against gitignore-style patterns,
// per https://git-scm.com/docs/gitignore.
package gitignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Matcher holds compiled patterns and answers ignore queries. Safe for
// concurrent use; watch sessions add rules while events are matched.
type Matcher struct {
	mu    sync.RWMutex
	rules []rule
}

type rule struct {
	regex    *regexp.Regexp
	negation bool
	dirOnly  bool
	anchored bool
	base     string
}

// New returns an empty matcher.
func New() *Matcher {
	return &Matcher{}
}

// AddPattern compiles and adds one pattern. Empty lines and comments
// are ignored.
func (m *Matcher) AddPattern(pattern string) {
	m.AddPatternWithBase(pattern, "")
}

// AddPatternWithBase adds a pattern scoped to paths under base, which is
// how nested .gitignore files apply.
func (m *Matcher) AddPatternWithBase(pattern, base string) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || (strings.HasPrefix(pattern, "#") && !strings.HasPrefix(pattern, `\#`)) {
		return
	}

	r := rule{base: base}
	switch {
	case strings.HasPrefix(pattern, `\#`), strings.HasPrefix(pattern, `\!`):
		pattern = strings.TrimPrefix(pattern, `\`)
	case strings.HasPrefix(pattern, "!"):
		r.negation = true
		pattern = strings.TrimPrefix(pattern, "!")
	}

	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	if strings.HasPrefix(pattern, "/") {
		r.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	}
	// An internal slash anchors the pattern at the base: "doc/frotz"
	// means "/doc/frotz", not "**/doc/frotz".
	if strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**/") && !strings.HasPrefix(pattern, "*") {
		r.anchored = true
	}

	r.regex = regexp.MustCompile("^" + patternToRegex(pattern) + "$")

	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
}

// AddFromFile loads every pattern in a gitignore file, scoped to base.
func (m *Matcher) AddFromFile(path, base string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open gitignore: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.AddPatternWithBase(scanner.Text(), base)
	}
	return scanner.Err()
}

// Match reports whether path should be ignored. Later rules win, so a
// negation can re-include a previously ignored path.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = filepath.ToSlash(path)

	m.mu.RLock()
	defer m.mu.RUnlock()

	ignored := false
	for _, r := range m.rules {
		if matchRule(path, isDir, r) {
			ignored = !r.negation
		}
	}
	return ignored
}

// matchRule evaluates one rule. A directory-only pattern also matches
// every path inside that directory.
func matchRule(path string, isDir bool, r rule) bool {
	if r.base != "" {
		if path == r.base {
			path = filepath.Base(path)
		} else if strings.HasPrefix(path, r.base+"/") {
			path = strings.TrimPrefix(path, r.base+"/")
		} else {
			return false
		}
	}

	parts := strings.Split(path, "/")
	basename := parts[len(parts)-1]

	if r.anchored {
		if r.regex.MatchString(path) {
			if r.dirOnly {
				return isDir
			}
			return true
		}
		if r.dirOnly {
			for i := range parts[:len(parts)-1] {
				if r.regex.MatchString(strings.Join(parts[:i+1], "/")) {
					return true
				}
			}
		}
		return false
	}

	if r.dirOnly {
		for i, part := range parts {
			if r.regex.MatchString(part) {
				if i == len(parts)-1 {
					return isDir
				}
				return true
			}
		}
		return false
	}

	if r.regex.MatchString(basename) || r.regex.MatchString(path) {
		return true
	}
	for _, part := range parts {
		if r.regex.MatchString(part) {
			return true
		}
	}
	return false
}

func patternToRegex(pattern string) string {
	var out strings.Builder
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					out.WriteString("(?:.*/)?")
					i += 3
					continue
				}
				if i == 0 || pattern[i-1] == '/' {
					out.WriteString(".*")
					i += 2
					continue
				}
			}
			out.WriteString("[^/]*")
			i++
		case '?':
			out.WriteString("[^/]")
			i++
		case '[':
			j := i + 1
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				out.WriteString(pattern[i : j+1])
				i = j + 1
			} else {
				out.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}
		case '\\':
			if i+1 < len(pattern) {
				out.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
				i += 2
			} else {
				out.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}
		case '.', '+', '^', '$', '(', ')', '{', '}', '|':
			out.WriteString(regexp.QuoteMeta(string(c)))
			i++
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}
