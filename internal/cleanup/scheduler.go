// Package cleanup reclaims isolation environments: merged branches, stale
// checkouts, and environments whose platform conversation closed. Nothing
// with uncommitted changes is ever removed automatically.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/archon/internal/gitops"
	"github.com/nextlevelbuilder/archon/internal/isolation"
	"github.com/nextlevelbuilder/archon/internal/store"
)

// Skip records one environment the cycle examined but left alone.
type Skip struct {
	EnvID  uuid.UUID
	Branch string
	Reason string
}

// Result summarizes one cleanup cycle.
type Result struct {
	Removed int
	Skipped []Skip
	Errors  []error
}

// Scheduler runs periodic cleanup cycles and handles conversation-closed
// events.
type Scheduler struct {
	stores    store.Stores
	git       *gitops.Runner
	isolation *isolation.Manager

	staleDays int
	schedule  string
	gron      *gronx.Gronx

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a Scheduler. schedule must already be gronx-valid (the caller
// validates at startup); staleDays bounds the idle window.
func New(stores store.Stores, git *gitops.Runner, iso *isolation.Manager, schedule string, staleDays int) *Scheduler {
	return &Scheduler{
		stores:    stores,
		git:       git,
		isolation: iso,
		staleDays: staleDays,
		schedule:  schedule,
		gron:      gronx.New(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Schedule derives the cron expression for an hour interval unless an
// explicit override is configured.
func Schedule(override string, intervalHours int) (string, error) {
	expr := override
	if expr == "" {
		expr = fmt.Sprintf("0 */%d * * *", intervalHours)
	}
	if !gronx.New().IsValid(expr) {
		return "", fmt.Errorf("invalid cleanup schedule %q", expr)
	}
	return expr, nil
}

// Start ticks once a minute and runs a cycle whenever the schedule is due.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case now := <-ticker.C:
				due, err := s.gron.IsDue(s.schedule, now)
				if err != nil || !due {
					continue
				}
				res := s.RunCycle(ctx)
				slog.Info("cleanup cycle finished",
					"removed", res.Removed, "skipped", len(res.Skipped), "errors", len(res.Errors))
			}
		}
	}()
}

// Stop ends the periodic loop and waits for an in-flight cycle's goroutine.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// RunCycle sweeps every codebase: retire rows whose directory vanished,
// remove merged worktrees, then remove stale ones. A failure on one
// environment is recorded and the sweep continues.
func (s *Scheduler) RunCycle(ctx context.Context) Result {
	var res Result
	codebases, err := s.stores.Codebases.List(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}
	for i := range codebases {
		cb := codebases[i]
		s.retireMissing(ctx, cb, &res)
		s.sweepMerged(ctx, cb, &res)
		s.sweepStale(ctx, cb, &res)
	}
	return res
}

// retireMissing destroys rows whose working directory no longer exists; there
// is no work to preserve in a directory that is gone.
func (s *Scheduler) retireMissing(ctx context.Context, cb store.Codebase, res *Result) {
	envs, err := s.stores.Envs.FindActiveByCodebase(ctx, cb.ID)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return
	}
	for i := range envs {
		env := envs[i]
		if _, err := os.Stat(env.WorkingPath); !os.IsNotExist(err) {
			continue
		}
		s.removeInto(ctx, cb, &env, false, res)
	}
}

// sweepMerged removes the codebase's worktrees whose branches are fully
// merged into the default branch.
func (s *Scheduler) sweepMerged(ctx context.Context, cb store.Codebase, res *Result) {
	if err := s.git.Fetch(ctx, cb.DefaultCwd); err != nil {
		slog.Warn("fetch before merged-branch detection failed", "codebase", cb.Name, "error", err)
	}
	mainBranch := s.git.MainBranch(ctx, cb.DefaultCwd)
	merged, err := s.git.MergedBranches(ctx, cb.DefaultCwd, mainBranch)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("%s: merged cleanup: %w", cb.Name, err))
		return
	}
	mergedSet := make(map[string]bool, len(merged))
	for _, b := range merged {
		mergedSet[b] = true
	}

	envs, err := s.stores.Envs.FindActiveByCodebase(ctx, cb.ID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("%s: merged cleanup: %w", cb.Name, err))
		return
	}
	for i := range envs {
		env := envs[i]
		if !mergedSet[env.BranchName] {
			continue
		}
		s.removeInto(ctx, cb, &env, true, res)
	}
}

// sweepStale removes the codebase's environments that exceeded the idle
// window. The store applies the staleness rule, including the exemption for
// interactively created (telegram) environments.
func (s *Scheduler) sweepStale(ctx context.Context, cb store.Codebase, res *Result) {
	stale, err := s.stores.Envs.FindStaleEnvironments(ctx, s.staleDays)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("%s: stale cleanup: %w", cb.Name, err))
		return
	}
	for i := range stale {
		env := stale[i]
		if env.CodebaseID != cb.ID {
			continue
		}
		s.removeInto(ctx, cb, &env, false, res)
	}
}

// CleanupMerged is the single-codebase merged sweep used by /worktree cleanup
// and by limit-driven cleanup-to-make-room. Protected environments are
// skipped, not errors.
func (s *Scheduler) CleanupMerged(ctx context.Context, cb store.Codebase) (int, error) {
	var res Result
	s.sweepMerged(ctx, cb, &res)
	return res.Removed, errors.Join(res.Errors...)
}

// CleanupStale is the single-codebase stale sweep used by /worktree cleanup.
func (s *Scheduler) CleanupStale(ctx context.Context, cb store.Codebase) (int, error) {
	var res Result
	s.sweepStale(ctx, cb, &res)
	return res.Removed, errors.Join(res.Errors...)
}

var errEnvReferenced = errors.New("environment referenced by a conversation")

// removeInto attempts one removal and classifies the outcome. Environments a
// conversation is parked in and worktrees with uncommitted changes are
// protected: they land in Skipped with a reason. Anything else that fails
// lands in Errors; either way the cycle continues.
func (s *Scheduler) removeInto(ctx context.Context, cb store.Codebase, env *store.IsolationEnvironment, deleteBranch bool, res *Result) {
	switch err := s.remove(ctx, cb, env, deleteBranch); {
	case err == nil:
		res.Removed++
	case errors.Is(err, errEnvReferenced):
		slog.Info("worktree kept: conversation still references it",
			"codebase", cb.Name, "branch", env.BranchName)
		res.Skipped = append(res.Skipped, Skip{
			EnvID: env.ID, Branch: env.BranchName, Reason: "referenced by a conversation",
		})
	case errors.Is(err, gitops.ErrUncommittedChanges):
		slog.Info("worktree kept: uncommitted changes",
			"codebase", cb.Name, "branch", env.BranchName)
		res.Skipped = append(res.Skipped, Skip{
			EnvID: env.ID, Branch: env.BranchName, Reason: "uncommitted changes",
		})
	default:
		res.Errors = append(res.Errors, fmt.Errorf("%s/%s: %w", cb.Name, env.BranchName, err))
	}
}

// remove destroys one environment, never forced. A conversation parked in the
// environment blocks removal; users release it with /worktree remove or by
// switching directories.
func (s *Scheduler) remove(ctx context.Context, cb store.Codebase, env *store.IsolationEnvironment, deleteBranch bool) error {
	linked, err := s.stores.Conversations.FindByEnv(ctx, env.ID)
	if err != nil {
		return err
	}
	if len(linked) > 0 {
		return errEnvReferenced
	}
	return s.isolation.Destroy(ctx, env, isolation.DestroyOptions{
		DeleteBranch:      deleteBranch,
		CanonicalRepoPath: cb.DefaultCwd,
	})
}

// OnConversationClosed releases a closed conversation's resources: its
// session ends, and its environment is destroyed once no other conversation
// references it. Uncommitted changes still block removal.
func (s *Scheduler) OnConversationClosed(ctx context.Context, platformType, platformConversationID string) error {
	conv, err := s.stores.Conversations.FindByPlatform(ctx, platformType, platformConversationID)
	if err != nil || conv == nil {
		return err
	}
	if err := s.stores.Sessions.DeactivateForConversation(ctx, conv.ID); err != nil {
		return err
	}
	if conv.IsolationEnvID == nil {
		return nil
	}
	envID := *conv.IsolationEnvID

	if err := s.stores.Conversations.Update(ctx, conv.ID, store.ConversationPatch{ClearIsolationEnv: true}); err != nil &&
		!errors.Is(err, store.ErrConversationNotFound) {
		return err
	}

	others, err := s.stores.Conversations.FindByEnv(ctx, envID)
	if err != nil {
		return err
	}
	if len(others) > 0 {
		slog.Info("environment still referenced, keeping",
			"env_id", envID, "references", len(others))
		return nil
	}

	env, err := s.stores.Envs.Get(ctx, envID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if env.Status != store.EnvActive {
		return nil
	}
	err = s.isolation.Destroy(ctx, env, isolation.DestroyOptions{})
	if errors.Is(err, gitops.ErrUncommittedChanges) {
		slog.Info("closed conversation's worktree kept: uncommitted changes",
			"env_id", envID, "branch", env.BranchName)
		return nil
	}
	return err
}
