// Package workflow loads declarative workflow definitions from YAML and
// executes them step by step (or as a bounded loop) with per-step assistant
// invocations.
package workflow

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// commandNameRe restricts step command names.
var commandNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Step is one entry in a step-based workflow: either a single command or a
// parallel fan-out (never both, never nested).
type Step struct {
	Command      string `yaml:"command,omitempty"`
	ClearContext bool   `yaml:"clearContext,omitempty"`
	Parallel     []Step `yaml:"parallel,omitempty"`
}

// LoopSpec configures a bounded-loop workflow: iterate the prompt until the
// output contains the signal or the iteration cap is hit.
type LoopSpec struct {
	Until         string `yaml:"until"`
	MaxIterations int    `yaml:"max_iterations"`
	FreshContext  bool   `yaml:"fresh_context,omitempty"`
}

// Definition is one parsed workflow file.
type Definition struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	Provider    store.AssistantType `yaml:"provider,omitempty"`
	Model       string              `yaml:"model,omitempty"`
	Steps       []Step              `yaml:"steps,omitempty"`
	Loop        *LoopSpec           `yaml:"loop,omitempty"`
	Prompt      string              `yaml:"prompt,omitempty"`

	Source string `yaml:"-"` // file it was loaded from
}

// IsLoop reports whether this is a loop-based workflow.
func (d *Definition) IsLoop() bool { return d.Loop != nil }

// validate returns every problem with the definition; a non-empty result
// rejects the whole file.
func (d *Definition) validate() []string {
	var errs []string
	if d.Name == "" {
		errs = append(errs, "missing name")
	}
	if d.Provider == "" {
		d.Provider = store.AssistantClaude
	}
	if !d.Provider.Valid() {
		errs = append(errs, fmt.Sprintf("unknown provider %q", d.Provider))
	}

	hasSteps := len(d.Steps) > 0
	hasLoop := d.Loop != nil
	switch {
	case hasSteps && hasLoop:
		errs = append(errs, "steps and loop are mutually exclusive")
	case !hasSteps && !hasLoop:
		errs = append(errs, "workflow must define steps or loop")
	case hasLoop:
		if d.Prompt == "" {
			errs = append(errs, "loop workflow requires a prompt")
		}
		if d.Loop.Until == "" {
			errs = append(errs, "loop requires an until signal")
		}
		if d.Loop.MaxIterations < 1 {
			errs = append(errs, "loop max_iterations must be >= 1")
		}
	default:
		for i, s := range d.Steps {
			errs = append(errs, validateStep(i, s)...)
		}
	}
	return errs
}

func validateStep(i int, s Step) []string {
	var errs []string
	switch {
	case s.Command != "" && len(s.Parallel) > 0:
		errs = append(errs, fmt.Sprintf("step %d: command and parallel are mutually exclusive", i))
	case s.Command != "":
		if !commandNameRe.MatchString(s.Command) {
			errs = append(errs, fmt.Sprintf("step %d: invalid command name %q", i, s.Command))
		}
	case len(s.Parallel) > 0:
		for j, p := range s.Parallel {
			if len(p.Parallel) > 0 {
				errs = append(errs, fmt.Sprintf("step %d.%d: parallel blocks may not nest", i, j))
				continue
			}
			if p.Command == "" {
				errs = append(errs, fmt.Sprintf("step %d.%d: parallel entry missing command", i, j))
			} else if !commandNameRe.MatchString(p.Command) {
				errs = append(errs, fmt.Sprintf("step %d.%d: invalid command name %q", i, j, p.Command))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("step %d: empty step", i))
	}
	return errs
}

// LoadDir reads every *.yaml / *.yml under dir recursively. Invalid files
// are skipped with one aggregated warning each; a missing directory yields
// an empty set.
func LoadDir(dir string) []Definition {
	var defs []Definition
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if def, ok := loadFile(path); ok {
			defs = append(defs, def)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("workflow discovery failed", "dir", dir, "error", err)
	}
	return defs
}

func loadFile(path string) (Definition, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("cannot read workflow file", "file", path, "error", err)
		return Definition{}, false
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		slog.Warn("invalid workflow yaml", "file", path, "error", err)
		return Definition{}, false
	}
	def.Source = path
	if errs := def.validate(); len(errs) > 0 {
		slog.Warn("rejected workflow definition",
			"file", path, "errors", strings.Join(errs, "; "))
		return Definition{}, false
	}
	return def, true
}

// WorkflowsDir is the per-repo workflow location under the clone root.
func WorkflowsDir(repoPath string) string {
	return filepath.Join(repoPath, ".archon", "workflows")
}
