package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/archon/internal/store"
	"github.com/nextlevelbuilder/archon/internal/workflow"
)

// commandSet registers a command prompt file. With trailing text the file is
// written (created or replaced); without it the file must already exist.
func (h *Handler) commandSet(ctx context.Context, conv *store.Conversation, args []string) (Result, error) {
	if len(args) < 2 {
		return refuse(`Usage: /command-set <name> <path> ["<content>"]`), nil
	}
	cb, res, _, err := h.requireCodebase(ctx, conv)
	if err != nil || cb == nil {
		return res, err
	}
	name := args[0]
	path := args[1]
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cb.DefaultCwd, path)
	}
	if !h.insideWorkspace(abs) {
		return refuse(fmt.Sprintf("Path must be inside the workspace root (%s).", h.cfg.WorkspaceRoot)), nil
	}
	if len(args) > 2 {
		content := strings.Join(args[2:], " ")
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return Result{}, fmt.Errorf("create command directory: %w", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return Result{}, fmt.Errorf("write command file: %w", err)
		}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return refuse(fmt.Sprintf("Cannot read %s: %v", path, err)), nil
	}

	if cb.Commands == nil {
		cb.Commands = map[string]store.CommandRef{}
	}
	cb.Commands[name] = store.CommandRef{
		Path:        path,
		Description: workflow.ParseFrontmatterDescription(string(data)),
	}
	if err := h.stores.Codebases.SetCommands(ctx, cb.ID, cb.Commands); err != nil {
		return Result{}, err
	}
	return ok(fmt.Sprintf("Registered /%s -> %s for %s.", name, path, cb.Name)), nil
}

func (h *Handler) loadCommands(ctx context.Context, conv *store.Conversation, args []string) (Result, error) {
	if len(args) > 1 {
		return refuse("Usage: /load-commands [directory]"), nil
	}
	cb, res, _, err := h.requireCodebase(ctx, conv)
	if err != nil || cb == nil {
		return res, err
	}
	dir := filepath.Join(cb.DefaultCwd, ".archon", "commands")
	if len(args) == 1 {
		dir = args[0]
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cb.DefaultCwd, dir)
		}
	}
	if !h.insideWorkspace(dir) {
		return refuse(fmt.Sprintf("Path must be inside the workspace root (%s).", h.cfg.WorkspaceRoot)), nil
	}
	n, err := h.loadCommandsDir(ctx, cb, dir)
	if err != nil {
		return Result{}, err
	}
	if n == 0 {
		return ok(fmt.Sprintf("No command files found under %s.", dir)), nil
	}
	return ok(fmt.Sprintf("Loaded %d commands from %s.", n, dir)), nil
}

// loadCommandsDir merges every *.md under dir into the codebase's command
// map. Hidden directories and node_modules are skipped; when two files share
// a name the one visited later wins.
func (h *Handler) loadCommandsDir(ctx context.Context, cb *store.Codebase, dir string) (int, error) {
	if cb.Commands == nil {
		cb.Commands = map[string]store.CommandRef{}
	}
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			base := d.Name()
			if path != dir && (strings.HasPrefix(base, ".") || base == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.ToLower(filepath.Ext(path)) != ".md" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		ref := store.CommandRef{
			Path:        path,
			Description: workflow.ParseFrontmatterDescription(string(data)),
		}
		if rel, rerr := filepath.Rel(cb.DefaultCwd, path); rerr == nil && !strings.HasPrefix(rel, "..") {
			ref.Path = rel
		}
		cb.Commands[name] = ref
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", dir, err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := h.stores.Codebases.SetCommands(ctx, cb.ID, cb.Commands); err != nil {
		return 0, err
	}
	return count, nil
}

func (h *Handler) listCommands(ctx context.Context, conv *store.Conversation) (Result, error) {
	cb, res, _, err := h.requireCodebase(ctx, conv)
	if err != nil || cb == nil {
		return res, err
	}
	if len(cb.Commands) == 0 {
		return ok(fmt.Sprintf("%s has no registered commands. Use /load-commands or /command-set.", cb.Name)), nil
	}
	names := make([]string, 0, len(cb.Commands))
	for name := range cb.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		ref := cb.Commands[name]
		if ref.Description != "" {
			fmt.Fprintf(&sb, "/%s - %s\n", name, ref.Description)
		} else {
			fmt.Fprintf(&sb, "/%s (%s)\n", name, ref.Path)
		}
	}
	return ok(strings.TrimRight(sb.String(), "\n")), nil
}

func (h *Handler) templateAdd(ctx context.Context, args []string) (Result, error) {
	if len(args) < 2 {
		return refuse(`Usage: /template-add <name> "<content>"`), nil
	}
	name := args[0]
	content := strings.Join(args[1:], " ")
	tmpl := &store.CommandTemplate{
		Name:        name,
		Description: workflow.ParseFrontmatterDescription(content),
		Content:     content,
	}
	if err := h.stores.Templates.Upsert(ctx, tmpl); err != nil {
		return Result{}, err
	}
	return ok(fmt.Sprintf("Template /%s saved.", name)), nil
}

func (h *Handler) listTemplates(ctx context.Context) (Result, error) {
	list, err := h.stores.Templates.List(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(list) == 0 {
		return ok("No templates. Use /template-add <name> \"<content>\"."), nil
	}
	var sb strings.Builder
	for _, t := range list {
		if t.Description != "" {
			fmt.Fprintf(&sb, "/%s - %s\n", t.Name, t.Description)
		} else {
			fmt.Fprintf(&sb, "/%s\n", t.Name)
		}
	}
	return ok(strings.TrimRight(sb.String(), "\n")), nil
}

func (h *Handler) templateDelete(ctx context.Context, args []string) (Result, error) {
	if len(args) != 1 {
		return refuse("Usage: /template-delete <name>"), nil
	}
	err := h.stores.Templates.DeleteByName(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return refuse(fmt.Sprintf("No template named %q.", args[0])), nil
	}
	if err != nil {
		return Result{}, err
	}
	return ok(fmt.Sprintf("Template /%s deleted.", args[0])), nil
}
