// Package ui renders CLI output: ingest progress, query results, and
// status tables. MCP stdio mode never goes through this package; the
// protocol owns stdout there.
package ui

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// Config selects the rendering mode.
type Config struct {
	Output  io.Writer
	Plain   bool // force line-per-event output
	NoColor bool
}

// Option modifies a Config.
type Option func(*Config)

// WithPlain forces plain line output even on a TTY.
func WithPlain(plain bool) Option {
	return func(c *Config) { c.Plain = plain }
}

// WithNoColor disables styling.
func WithNoColor(noColor bool) Option {
	return func(c *Config) { c.NoColor = noColor }
}

// NewConfig builds a Config for the given writer. Color and interactive
// rendering are resolved from the environment unless overridden.
func NewConfig(out io.Writer, opts ...Option) Config {
	cfg := Config{Output: out}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.Plain && (!IsTTY(out) || DetectCI()) {
		cfg.Plain = true
	}
	if !cfg.NoColor && (DetectNoColor() || cfg.Plain) {
		cfg.NoColor = true
	}
	return cfg
}

// IsTTY reports whether w is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor reports whether NO_COLOR is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI reports whether we are running under a CI system.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
