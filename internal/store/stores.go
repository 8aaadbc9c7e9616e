package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrConversationNotFound is returned by conversation mutations whose UPDATE
// affected zero rows. It is the canonical "conversation state changed under
// us" signal: mutating commands surface it as a retryable failure instead of
// guessing at repair.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrNotFound is the generic zero-rows result for point lookups the caller
// expected to succeed.
var ErrNotFound = errors.New("not found")

// ConversationPatch lists the fields UpdateConversation may set. Nil pointer
// means "leave unchanged"; the Clear flags set the column to NULL.
type ConversationPatch struct {
	AssistantType     *AssistantType
	Cwd               *string
	CodebaseID        *uuid.UUID
	ClearCodebase     bool
	IsolationEnvID    *uuid.UUID
	ClearIsolationEnv bool
}

// Empty reports whether the patch would build no SET clause beyond updated_at.
func (p ConversationPatch) Empty() bool {
	return p.AssistantType == nil && p.Cwd == nil &&
		p.CodebaseID == nil && !p.ClearCodebase &&
		p.IsolationEnvID == nil && !p.ClearIsolationEnv
}

// ConversationStore persists Conversation rows.
type ConversationStore interface {
	// FindByPlatform returns the conversation for a platform-native id, or
	// (nil, nil) when none exists.
	FindByPlatform(ctx context.Context, platformType, platformConversationID string) (*Conversation, error)
	Create(ctx context.Context, c *Conversation) error
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// Update applies the patch and returns ErrConversationNotFound when the
	// row disappeared (affected rows == 0).
	Update(ctx context.Context, id uuid.UUID, patch ConversationPatch) error
	// TouchActivity bumps last_activity_at to now.
	TouchActivity(ctx context.Context, id uuid.UUID) error
	// FindByEnv lists conversations whose isolation_env_id references envID.
	FindByEnv(ctx context.Context, envID uuid.UUID) ([]Conversation, error)
	// ClearCodebaseRefs unlinks every conversation from a codebase about to
	// be deleted, nulling codebase_id, cwd, and isolation_env_id.
	ClearCodebaseRefs(ctx context.Context, codebaseID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// SessionStore persists Session rows. The single-active-session invariant is
// maintained by DeactivateForConversation-before-Create sequencing under the
// conversation lock, backed by a partial unique index.
type SessionStore interface {
	GetActive(ctx context.Context, conversationID uuid.UUID) (*Session, error)
	Create(ctx context.Context, s *Session) error
	// DeactivateForConversation ends every active session of the
	// conversation, setting ended_at. Idempotent.
	DeactivateForConversation(ctx context.Context, conversationID uuid.UUID) error
	SetAssistantSessionID(ctx context.Context, id uuid.UUID, token string) error
	// MergeMetadata applies a jsonb merge patch (metadata || patch).
	MergeMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error
	// ClearCodebaseRefs nulls codebase_id on sessions referencing a codebase
	// about to be deleted.
	ClearCodebaseRefs(ctx context.Context, codebaseID uuid.UUID) error
}

// CodebaseStore persists Codebase rows.
type CodebaseStore interface {
	Create(ctx context.Context, c *Codebase) error
	Get(ctx context.Context, id uuid.UUID) (*Codebase, error)
	FindByName(ctx context.Context, name string) (*Codebase, error)
	FindByURL(ctx context.Context, repositoryURL string) (*Codebase, error)
	FindByDefaultCwd(ctx context.Context, cwd string) (*Codebase, error)
	List(ctx context.Context) ([]Codebase, error)
	// SetCommands replaces the whole commands map (callers merge in memory).
	SetCommands(ctx context.Context, id uuid.UUID, commands map[string]CommandRef) error
	SetAssistantType(ctx context.Context, id uuid.UUID, t AssistantType) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// TemplateStore persists global command templates, upserted by name.
type TemplateStore interface {
	Upsert(ctx context.Context, t *CommandTemplate) error
	FindByName(ctx context.Context, name string) (*CommandTemplate, error)
	List(ctx context.Context) ([]CommandTemplate, error)
	DeleteByName(ctx context.Context, name string) error
}

// EnvStore persists isolation environments.
type EnvStore interface {
	Create(ctx context.Context, e *IsolationEnvironment) error
	Get(ctx context.Context, id uuid.UUID) (*IsolationEnvironment, error)
	// FindByWorkflow returns the single active row for an identity, or
	// (nil, nil) when none exists.
	FindByWorkflow(ctx context.Context, codebaseID uuid.UUID, wt WorkflowType, workflowID string) (*IsolationEnvironment, error)
	// FindActiveWithRelatedIssue returns an active env whose metadata
	// related_issues lists any of the given issues, or (nil, nil).
	FindActiveWithRelatedIssue(ctx context.Context, codebaseID uuid.UUID, issues []int) (*IsolationEnvironment, error)
	FindActiveByCodebase(ctx context.Context, codebaseID uuid.UUID) ([]IsolationEnvironment, error)
	FindAllActive(ctx context.Context) ([]IsolationEnvironment, error)
	CountActive(ctx context.Context, codebaseID uuid.UUID) (int, error)
	// UpdateStatus transitions the row; marking an already-destroyed row
	// destroyed is a no-op, not an error.
	UpdateStatus(ctx context.Context, id uuid.UUID, status EnvStatus) error
	MergeMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error
	// FindStaleEnvironments returns active non-telegram envs older than the
	// window whose linked conversations are all idle for the same window.
	FindStaleEnvironments(ctx context.Context, days int) ([]IsolationEnvironment, error)
}

// RunStore persists workflow runs.
type RunStore interface {
	Create(ctx context.Context, r *WorkflowRun) error
	FindRunning(ctx context.Context, conversationID uuid.UUID) (*WorkflowRun, error)
	AdvanceStep(ctx context.Context, id uuid.UUID, stepIndex int) error
	// Finish sets a terminal status and completed_at.
	Finish(ctx context.Context, id uuid.UUID, status RunStatus) error
	MergeMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error
	// TouchActivity is best-effort: implementations return errors, callers
	// log and continue.
	TouchActivity(ctx context.Context, id uuid.UUID) error
}

// Stores bundles the per-entity accessors for injection.
type Stores struct {
	Conversations ConversationStore
	Sessions      SessionStore
	Codebases     CodebaseStore
	Templates     TemplateStore
	Envs          EnvStore
	Runs          RunStore
}
