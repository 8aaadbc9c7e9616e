package gitops

import (
	"fmt"
	"path"
	"strings"
)

// NormalizeRepoURL strips a trailing .git and rewrites ssh-style GitHub
// remotes to https so that one codebase row matches however the user pasted
// the URL.
func NormalizeRepoURL(url string) string {
	url = strings.TrimSpace(url)
	url = strings.TrimSuffix(url, ".git")
	if rest, ok := strings.CutPrefix(url, "git@github.com:"); ok {
		url = "https://github.com/" + rest
	}
	return url
}

// OwnerRepo extracts the "owner/repo" pair from a normalized repository URL.
func OwnerRepo(url string) (owner, repo string, err error) {
	url = NormalizeRepoURL(url)
	trimmed := url
	if i := strings.Index(trimmed, "://"); i >= 0 {
		trimmed = trimmed[i+3:]
	}
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("cannot derive owner/repo from %q", url)
	}
	owner, repo = parts[len(parts)-2], parts[len(parts)-1]
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("cannot derive owner/repo from %q", url)
	}
	return owner, repo, nil
}

// CloneURL injects a token into an https GitHub URL for authenticated
// clones. The token never lands in stored state; only the subprocess sees it.
func CloneURL(url, token string) string {
	url = NormalizeRepoURL(url)
	if token == "" {
		return url + ".git"
	}
	if rest, ok := strings.CutPrefix(url, "https://"); ok {
		return "https://" + token + "@" + rest + ".git"
	}
	return url + ".git"
}

// IsWorktreePath reports whether a path's segments include "worktrees",
// the marker distinguishing a worktree checkout from a canonical clone.
func IsWorktreePath(p string) bool {
	for _, seg := range strings.Split(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/") {
		if seg == "worktrees" {
			return true
		}
	}
	return false
}

// CanonicalFromWorktree returns the canonical repo path for a worktree path
// ({repo}/worktrees/{branch} → {repo}); non-worktree paths are returned
// unchanged.
func CanonicalFromWorktree(p string) string {
	norm := strings.ReplaceAll(p, "\\", "/")
	if i := strings.Index(norm, "/worktrees/"); i >= 0 {
		return p[:i]
	}
	return p
}
