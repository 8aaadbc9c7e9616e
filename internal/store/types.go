// Package store defines the persisted entities and the per-entity accessor
// interfaces the rest of the control plane depends on.
package store

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-ordered v7 UUID for new rows.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// AssistantType names a supported AI assistant CLI.
type AssistantType string

const (
	AssistantClaude AssistantType = "claude"
	AssistantCodex  AssistantType = "codex"
)

// Valid reports whether t is a supported assistant.
func (t AssistantType) Valid() bool {
	return t == AssistantClaude || t == AssistantCodex
}

// CommandRef points a registered command name at a prompt file.
type CommandRef struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Codebase is a cloned repository the control plane manages.
type Codebase struct {
	ID            uuid.UUID
	Name          string // owner/repo
	RepositoryURL string
	DefaultCwd    string // canonical clone path
	AssistantType AssistantType
	Commands      map[string]CommandRef
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Conversation is one platform-native chat mapped to server-side state.
type Conversation struct {
	ID                     uuid.UUID
	PlatformType           string
	PlatformConversationID string
	AssistantType          AssistantType
	CodebaseID             *uuid.UUID
	Cwd                    string
	IsolationEnvID         *uuid.UUID
	LastActivityAt         time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Session is one assistant conversation context. At most one row per
// conversation is active.
type Session struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	CodebaseID     *uuid.UUID
	AssistantType  AssistantType
	// AssistantSessionID is the assistant CLI's opaque resume token.
	AssistantSessionID string
	Active             bool
	Metadata           map[string]any
	StartedAt          time.Time
	EndedAt            *time.Time
}

// CommandTemplate is a global named prompt, upserted by name.
type CommandTemplate struct {
	ID          uuid.UUID
	Name        string
	Description string
	Content     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkflowType classifies an isolation environment's workflow identity.
type WorkflowType string

const (
	WorkflowIssue WorkflowType = "issue"
	WorkflowPR    WorkflowType = "pr"
	WorkflowTask  WorkflowType = "task"
)

// EnvStatus is the isolation environment lifecycle state.
type EnvStatus string

const (
	EnvActive    EnvStatus = "active"
	EnvDestroyed EnvStatus = "destroyed"
)

// IsolationEnvironment maps one workflow identity to one git worktree.
type IsolationEnvironment struct {
	ID           uuid.UUID
	CodebaseID   uuid.UUID
	WorkflowType WorkflowType
	WorkflowID   string
	Provider     string // "worktree"
	WorkingPath  string
	BranchName   string
	Status       EnvStatus
	// CreatedByPlatform records the origin platform; telegram-created envs
	// are exempt from staleness cleanup.
	CreatedByPlatform string
	Metadata          map[string]any
	CreatedAt         time.Time
}

// RelatedIssues reads metadata.related_issues, tolerating the float64
// numbers JSON decoding produces.
func (e *IsolationEnvironment) RelatedIssues() []int {
	raw, ok := e.Metadata["related_issues"].([]any)
	if !ok {
		return nil
	}
	issues := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			issues = append(issues, int(n))
		case int:
			issues = append(issues, n)
		}
	}
	return issues
}

// RunStatus is a workflow run's lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// WorkflowRun is one execution of a workflow in a conversation. At most one
// row per conversation is running.
type WorkflowRun struct {
	ID               uuid.UUID
	WorkflowName     string
	ConversationID   uuid.UUID
	CodebaseID       *uuid.UUID
	CurrentStepIndex int
	Status           RunStatus
	UserMessage      string
	Metadata         map[string]any
	StartedAt        time.Time
	CompletedAt      *time.Time
	LastActivityAt   time.Time
}
