package commands

import (
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/archon/internal/config"
)

func TestInsideWorkspace(t *testing.T) {
	h := &Handler{cfg: &config.Config{WorkspaceRoot: "/srv/archon/workspaces"}}

	tests := []struct {
		path string
		want bool
	}{
		{"/srv/archon/workspaces", true},
		{"/srv/archon/workspaces/acme/api", true},
		{"/srv/archon/workspaces/acme/api/worktrees/issue-42", true},
		{"/srv/archon", false},
		{"/srv/archon/workspaces-evil", false},
		{"/srv/archon/workspaces/../secrets", false},
		{"/etc/passwd", false},
	}
	for _, tt := range tests {
		if got := h.insideWorkspace(tt.path); got != tt.want {
			t.Errorf("insideWorkspace(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestInsideWorkspaceCleansInput(t *testing.T) {
	h := &Handler{cfg: &config.Config{WorkspaceRoot: "/srv/archon/workspaces"}}
	p := filepath.Join("/srv/archon/workspaces/acme", "..", "..", "..")
	if h.insideWorkspace(p) {
		t.Errorf("insideWorkspace(%q) = true, want false", p)
	}
}
