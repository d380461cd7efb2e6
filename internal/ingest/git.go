package ingest

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/scopehq/contextmcp/internal/errors"
)

// GitSource shallow-clones a repository to a scratch directory and then
// behaves like a local tree with repo provenance attached.
type GitSource struct {
	Repo   string
	Branch string
	Opts   WalkOptions

	local *LocalSource
	dir   string
}

var _ Source = (*GitSource)(nil)

func (s *GitSource) Type() string     { return "code" }
func (s *GitSource) Describe() string { return s.Repo }

// Enumerate clones and walks the repository. Credential prompting is
// disabled; a private repository without ambient credentials fails with
// Unauthorized instead of hanging.
func (s *GitSource) Enumerate(ctx context.Context) ([]Document, error) {
	dir, err := os.MkdirTemp("", "contextmcp-clone-*")
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "create clone directory", err)
	}
	s.dir = dir

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if s.Branch != "" {
		args = append(args, "--branch", s.Branch)
	}
	args = append(args, s.Repo, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if strings.Contains(msg, "Authentication failed") ||
			strings.Contains(msg, "could not read Username") ||
			strings.Contains(msg, "Permission denied") {
			return nil, errors.Newf(errors.KindUnauthorized, "repository requires credentials: %s", s.Repo)
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindCancelled, "clone cancelled", ctx.Err())
		}
		return nil, errors.Newf(errors.KindIO, "git clone failed: %s", strings.TrimSpace(msg)).WithResource(s.Repo)
	}

	commit := s.revParse(ctx, dir, "HEAD")
	branch := s.Branch
	if branch == "" {
		branch = s.revParse(ctx, dir, "--abbrev-ref", "HEAD")
	}

	s.local = &LocalSource{
		Root:   dir,
		Opts:   s.Opts,
		Repo:   s.Repo,
		Branch: branch,
		Commit: commit,
	}
	return s.local.Enumerate(ctx)
}

func (s *GitSource) revParse(ctx context.Context, dir string, args ...string) string {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir, "rev-parse"}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Fingerprint is the merkle root of the cloned tree.
func (s *GitSource) Fingerprint() string {
	if s.local == nil {
		return ""
	}
	return s.local.Fingerprint()
}

// Cleanup removes the scratch clone.
func (s *GitSource) Cleanup() {
	if s.dir != "" {
		_ = os.RemoveAll(s.dir)
	}
}
