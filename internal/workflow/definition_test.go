package workflow

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateStepWorkflow(t *testing.T) {
	def := Definition{
		Name: "implement-issue",
		Steps: []Step{
			{Command: "plan"},
			{Command: "implement", ClearContext: true},
			{Parallel: []Step{{Command: "test"}, {Command: "lint"}}},
		},
	}
	if errs := def.validate(); len(errs) != 0 {
		t.Fatalf("validate() = %v, want no errors", errs)
	}
	if def.Provider != "claude" {
		t.Errorf("default provider = %q, want claude", def.Provider)
	}
}

func TestValidateRejectsBadCommandName(t *testing.T) {
	def := Definition{
		Name:  "broken",
		Steps: []Step{{Command: "bad name"}},
	}
	errs := def.validate()
	if len(errs) == 0 {
		t.Fatal("validate() accepted a command name with a space")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"missing name", Definition{Steps: []Step{{Command: "a"}}}},
		{"neither steps nor loop", Definition{Name: "x"}},
		{"steps and loop", Definition{
			Name:   "x",
			Steps:  []Step{{Command: "a"}},
			Loop:   &LoopSpec{Until: "DONE", MaxIterations: 3},
			Prompt: "go",
		}},
		{"loop without prompt", Definition{
			Name: "x",
			Loop: &LoopSpec{Until: "DONE", MaxIterations: 3},
		}},
		{"loop without signal", Definition{
			Name:   "x",
			Loop:   &LoopSpec{MaxIterations: 3},
			Prompt: "go",
		}},
		{"loop zero iterations", Definition{
			Name:   "x",
			Loop:   &LoopSpec{Until: "DONE"},
			Prompt: "go",
		}},
		{"nested parallel", Definition{
			Name: "x",
			Steps: []Step{{Parallel: []Step{
				{Parallel: []Step{{Command: "a"}}},
			}}},
		}},
		{"step with command and parallel", Definition{
			Name: "x",
			Steps: []Step{{
				Command:  "a",
				Parallel: []Step{{Command: "b"}},
			}},
		}},
		{"unknown provider", Definition{
			Name:     "x",
			Provider: "gpt",
			Steps:    []Step{{Command: "a"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errs := tt.def.validate(); len(errs) == 0 {
				t.Errorf("validate() accepted invalid definition")
			}
		})
	}
}

func TestLoadDirSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("good.yaml", `
name: review-loop
description: iterate until clean
prompt: Review and fix the code. Output REVIEW_CLEAN when done.
loop:
  until: REVIEW_CLEAN
  max_iterations: 5
  fresh_context: true
`)
	write("bad.yaml", `
name: broken
steps:
  - command: "bad name"
`)
	write("notyaml.txt", "ignore me")
	write("garbage.yml", "steps: [unclosed")

	defs := LoadDir(dir)
	if len(defs) != 1 {
		t.Fatalf("LoadDir loaded %d definitions, want 1", len(defs))
	}
	def := defs[0]
	if def.Name != "review-loop" {
		t.Errorf("name = %q, want review-loop", def.Name)
	}
	if !def.IsLoop() {
		t.Fatal("IsLoop() = false, want true")
	}
	if def.Loop.Until != "REVIEW_CLEAN" || def.Loop.MaxIterations != 5 || !def.Loop.FreshContext {
		t.Errorf("loop = %+v, want until=REVIEW_CLEAN max=5 fresh", def.Loop)
	}
}

func TestLoadDirMissingDirectory(t *testing.T) {
	defs := LoadDir(filepath.Join(t.TempDir(), "does-not-exist"))
	if len(defs) != 0 {
		t.Fatalf("LoadDir on missing dir = %d definitions, want 0", len(defs))
	}
}

func TestWorkflowsDir(t *testing.T) {
	got := WorkflowsDir("/ws/acme/api")
	want := filepath.Join("/ws/acme/api", ".archon", "workflows")
	if got != want {
		t.Errorf("WorkflowsDir = %q, want %q", got, want)
	}
}
