package defaults

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCopyIntoCreatesScaffold(t *testing.T) {
	repo := t.TempDir()
	if err := CopyInto(repo); err != nil {
		t.Fatal(err)
	}
	for _, rel := range []string{
		filepath.Join(".archon", "commands", "plan.md"),
		filepath.Join(".archon", "workflows", "implement-issue.yaml"),
	} {
		if _, err := os.Stat(filepath.Join(repo, rel)); err != nil {
			t.Errorf("expected %s to exist: %v", rel, err)
		}
	}
}

func TestCopyIntoKeepsExistingFiles(t *testing.T) {
	repo := t.TempDir()
	dir := filepath.Join(repo, ".archon", "commands")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	own := []byte("my own plan prompt\n")
	if err := os.WriteFile(filepath.Join(dir, "plan.md"), own, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CopyInto(repo); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "plan.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(own) {
		t.Errorf("plan.md was overwritten: got %q, want %q", got, own)
	}
}
