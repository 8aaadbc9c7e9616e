package gitops

import "testing"

func TestNormalizeRepoURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://github.com/acme/api", "https://github.com/acme/api"},
		{"https://github.com/acme/api.git", "https://github.com/acme/api"},
		{"git@github.com:acme/api.git", "https://github.com/acme/api"},
		{"git@github.com:acme/api", "https://github.com/acme/api"},
		{"  https://github.com/acme/api.git  ", "https://github.com/acme/api"},
	}
	for _, tt := range tests {
		if got := NormalizeRepoURL(tt.in); got != tt.want {
			t.Errorf("NormalizeRepoURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOwnerRepo(t *testing.T) {
	owner, repo, err := OwnerRepo("https://github.com/acme/api.git")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "acme" || repo != "api" {
		t.Errorf("OwnerRepo = %q/%q, want acme/api", owner, repo)
	}

	if _, _, err := OwnerRepo("https://github.com/"); err == nil {
		t.Error("OwnerRepo accepted a URL without owner/repo")
	}
}

func TestCloneURL(t *testing.T) {
	tests := []struct {
		url   string
		token string
		want  string
	}{
		{"https://github.com/acme/api", "", "https://github.com/acme/api.git"},
		{"https://github.com/acme/api", "tok123", "https://tok123@github.com/acme/api.git"},
		{"git@github.com:acme/api.git", "tok123", "https://tok123@github.com/acme/api.git"},
	}
	for _, tt := range tests {
		if got := CloneURL(tt.url, tt.token); got != tt.want {
			t.Errorf("CloneURL(%q, %q) = %q, want %q", tt.url, tt.token, got, tt.want)
		}
	}
}

func TestIsWorktreePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/ws/acme/api/worktrees/issue-42", true},
		{"/ws/acme/api", false},
		{"/ws/acme/worktrees-backup/api", false},
		{"/ws/worktrees", true},
	}
	for _, tt := range tests {
		if got := IsWorktreePath(tt.path); got != tt.want {
			t.Errorf("IsWorktreePath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestCanonicalFromWorktree(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/ws/acme/api/worktrees/issue-42", "/ws/acme/api"},
		{"/ws/acme/api", "/ws/acme/api"},
	}
	for _, tt := range tests {
		if got := CanonicalFromWorktree(tt.path); got != tt.want {
			t.Errorf("CanonicalFromWorktree(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
