package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopehq/contextmcp/pkg/version"
)

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCmd()

	want := []string{
		"serve", "index", "crawl", "sync", "watch", "unwatch",
		"query", "smart", "stats", "scopes", "history", "clear",
		"status", "job", "watchers", "defaults", "share", "config", "version",
	}
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, names[name], "missing command %s", name)
	}
}

func TestIsGitURL(t *testing.T) {
	assert.True(t, isGitURL("https://github.com/acme/widget.git"))
	assert.True(t, isGitURL("git@github.com:acme/widget.git"))
	assert.True(t, isGitURL("ssh://git@host/repo"))
	assert.False(t, isGitURL("/src/widget"))
	assert.False(t, isGitURL("./relative"))
	assert.False(t, isGitURL("."))
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "contextmcp")
	assert.Contains(t, buf.String(), version.Version)
}

func TestQueryRequiresTerms(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"query"})

	assert.Error(t, root.Execute())
}
