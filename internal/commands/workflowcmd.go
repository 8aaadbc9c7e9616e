package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/archon/internal/store"
)

func (h *Handler) workflow(ctx context.Context, conv *store.Conversation, args []string) (Result, error) {
	if len(args) == 0 {
		return refuse("Usage: /workflow list|reload|cancel"), nil
	}
	switch args[0] {
	case "cancel":
		// Cancel works without a codebase: it only touches the run row.
		return h.workflowCancel(ctx, conv)
	case "list", "reload":
	default:
		return refuse(fmt.Sprintf("Unknown subcommand %q. Usage: /workflow list|reload|cancel", args[0])), nil
	}

	cb, res, _, err := h.requireCodebase(ctx, conv)
	if err != nil || cb == nil {
		return res, err
	}
	if args[0] == "reload" {
		defs := h.workflows.Reload(cb.ID, cb.DefaultCwd)
		return ok(fmt.Sprintf("Loaded %d workflows for %s.", len(defs), cb.Name)), nil
	}

	defs := h.workflows.List(cb.ID)
	if len(defs) == 0 {
		return ok(fmt.Sprintf("%s has no workflows. Add YAML files under .archon/workflows and run /workflow reload.", cb.Name)), nil
	}
	var sb strings.Builder
	for _, d := range defs {
		kind := fmt.Sprintf("%d steps", len(d.Steps))
		if d.IsLoop() {
			kind = fmt.Sprintf("loop, max %d", d.Loop.MaxIterations)
		}
		if d.Description != "" {
			fmt.Fprintf(&sb, "%s - %s (%s)\n", d.Name, d.Description, kind)
		} else {
			fmt.Fprintf(&sb, "%s (%s)\n", d.Name, kind)
		}
	}
	return ok(strings.TrimRight(sb.String(), "\n")), nil
}

// workflowCancel marks the running run failed; the engine notices at its next
// step boundary and stops.
func (h *Handler) workflowCancel(ctx context.Context, conv *store.Conversation) (Result, error) {
	run, err := h.stores.Runs.FindRunning(ctx, conv.ID)
	if err != nil {
		return Result{}, err
	}
	if run == nil {
		return refuse("No workflow is running."), nil
	}
	if err := h.stores.Runs.MergeMetadata(ctx, run.ID, map[string]any{"error": "Cancelled by user"}); err != nil {
		return Result{}, err
	}
	if err := h.stores.Runs.Finish(ctx, run.ID, store.RunFailed); err != nil {
		return Result{}, err
	}
	return ok(fmt.Sprintf("Cancelling %s. It stops at the current step boundary.", run.WorkflowName)), nil
}
