package isolation

import (
	"testing"

	"github.com/nextlevelbuilder/archon/internal/store"
)

func TestValidBranchName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"feat-auth", true},
		{"fix_123", true},
		{"UPPER-ok", true},
		{"has space", false},
		{"semi;colon", false},
		{"dot.branch", false},
		{"slash/branch", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidBranchName(tt.name); got != tt.want {
			t.Errorf("ValidBranchName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBranchFor(t *testing.T) {
	tests := []struct {
		wt   store.WorkflowType
		id   string
		want string
	}{
		{store.WorkflowIssue, "42", "issue-42"},
		{store.WorkflowPR, "7", "pr-7"},
		{store.WorkflowTask, "task-feat-auth", "feat-auth"},
	}
	for _, tt := range tests {
		if got := branchFor(tt.wt, tt.id); got != tt.want {
			t.Errorf("branchFor(%s, %q) = %q, want %q", tt.wt, tt.id, got, tt.want)
		}
	}
}

func TestLimitErrorMessage(t *testing.T) {
	err := &LimitError{CodebaseName: "acme/api", Limit: 25, Breakdown: "x"}
	if got := err.Error(); got != "worktree limit reached for acme/api (25 active)" {
		t.Errorf("Error() = %q", got)
	}
}
