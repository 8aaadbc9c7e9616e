package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// placeholderRe matches $1..$N, $ARGUMENTS, and the session-derived
// $PLAN / $IMPLEMENTATION_SUMMARY placeholders.
var placeholderRe = regexp.MustCompile(`\$(\d+|ARGUMENTS|PLAN|IMPLEMENTATION_SUMMARY)`)

// Resolver resolves command names to prompt bodies: per-codebase registered
// commands win over global templates.
type Resolver struct {
	codebases store.CodebaseStore
	templates store.TemplateStore
}

func NewResolver(codebases store.CodebaseStore, templates store.TemplateStore) *Resolver {
	return &Resolver{codebases: codebases, templates: templates}
}

// Resolve returns the prompt body for a command name, or ("", nil) when the
// name is unknown. codebase may be nil (global templates only).
func (r *Resolver) Resolve(ctx context.Context, codebase *store.Codebase, name string) (string, error) {
	if codebase != nil {
		if ref, ok := codebase.Commands[name]; ok {
			path := ref.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(codebase.DefaultCwd, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read command file %s: %w", ref.Path, err)
			}
			return string(data), nil
		}
	}
	tmpl, err := r.templates.FindByName(ctx, name)
	if err != nil {
		return "", err
	}
	if tmpl == nil {
		return "", nil
	}
	return tmpl.Content, nil
}

// Substitute expands placeholders: positional $N, $ARGUMENTS (all args
// space-joined), and $PLAN / $IMPLEMENTATION_SUMMARY drawn from the active
// session's metadata. Unknown positions expand to the empty string.
func Substitute(content string, args []string, sessionMeta map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(m string) string {
		key := m[1:]
		switch key {
		case "ARGUMENTS":
			return strings.Join(args, " ")
		case "PLAN":
			return metaString(sessionMeta, "plan")
		case "IMPLEMENTATION_SUMMARY":
			return metaString(sessionMeta, "implementation_summary")
		}
		n, err := strconv.Atoi(key)
		if err != nil || n < 1 || n > len(args) {
			return ""
		}
		return args[n-1]
	})
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// ParseFrontmatterDescription extracts a `description:` value from a YAML
// frontmatter block at the top of a template body, if present.
func ParseFrontmatterDescription(content string) string {
	rest, ok := strings.CutPrefix(content, "---\n")
	if !ok {
		return ""
	}
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return ""
	}
	for _, line := range strings.Split(rest[:end], "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "description:"); ok {
			return strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	return ""
}
