package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// EnvStore implements store.EnvStore on Postgres.
type EnvStore struct {
	db *sql.DB
}

const envCols = `id, codebase_id, workflow_type, workflow_id, provider, working_path,
	branch_name, status, created_by_platform, metadata, created_at`

func scanEnv(row interface{ Scan(...any) error }) (*store.IsolationEnvironment, error) {
	var e store.IsolationEnvironment
	var metaJSON []byte
	err := row.Scan(&e.ID, &e.CodebaseID, &e.WorkflowType, &e.WorkflowID, &e.Provider,
		&e.WorkingPath, &e.BranchName, &e.Status, &e.CreatedByPlatform, &metaJSON, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Metadata = map[string]any{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			slog.Warn("corrupt env metadata json", "env_id", e.ID, "error", err)
		}
	}
	return &e, nil
}

func (s *EnvStore) Create(ctx context.Context, e *store.IsolationEnvironment) error {
	if e.ID == uuid.Nil {
		e.ID = store.NewID()
	}
	if e.Provider == "" {
		e.Provider = "worktree"
	}
	if e.Status == "" {
		e.Status = store.EnvActive
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal env metadata: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO isolation_environments (id, codebase_id, workflow_type, workflow_id,
		   provider, working_path, branch_name, status, created_by_platform, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 RETURNING created_at`,
		e.ID, e.CodebaseID, e.WorkflowType, e.WorkflowID,
		e.Provider, e.WorkingPath, e.BranchName, e.Status, e.CreatedByPlatform, metaJSON,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create isolation environment: %w", err)
	}
	return nil
}

func (s *EnvStore) Get(ctx context.Context, id uuid.UUID) (*store.IsolationEnvironment, error) {
	e, err := scanEnv(s.db.QueryRowContext(ctx,
		`SELECT `+envCols+` FROM isolation_environments WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get isolation environment: %w", err)
	}
	return e, nil
}

func (s *EnvStore) FindByWorkflow(ctx context.Context, codebaseID uuid.UUID, wt store.WorkflowType, workflowID string) (*store.IsolationEnvironment, error) {
	e, err := scanEnv(s.db.QueryRowContext(ctx,
		`SELECT `+envCols+` FROM isolation_environments
		 WHERE codebase_id = $1 AND workflow_type = $2 AND workflow_id = $3 AND status = 'active'`,
		codebaseID, wt, workflowID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find env by workflow: %w", err)
	}
	return e, nil
}

// FindActiveWithRelatedIssue matches envs whose metadata related_issues array
// contains any of the given issue numbers (jsonb containment per issue).
func (s *EnvStore) FindActiveWithRelatedIssue(ctx context.Context, codebaseID uuid.UUID, issues []int) (*store.IsolationEnvironment, error) {
	if len(issues) == 0 {
		return nil, nil
	}
	conds := make([]string, 0, len(issues))
	args := []any{codebaseID}
	for _, n := range issues {
		args = append(args, fmt.Sprintf("[%d]", n))
		conds = append(conds, fmt.Sprintf("metadata->'related_issues' @> $%d::jsonb", len(args)))
	}
	e, err := scanEnv(s.db.QueryRowContext(ctx,
		`SELECT `+envCols+` FROM isolation_environments
		 WHERE codebase_id = $1 AND status = 'active' AND (`+strings.Join(conds, " OR ")+`)
		 ORDER BY created_at LIMIT 1`, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find env by related issue: %w", err)
	}
	return e, nil
}

func (s *EnvStore) queryEnvs(ctx context.Context, query string, args ...any) ([]store.IsolationEnvironment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query envs: %w", err)
	}
	defer rows.Close()

	var result []store.IsolationEnvironment
	for rows.Next() {
		e, err := scanEnv(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (s *EnvStore) FindActiveByCodebase(ctx context.Context, codebaseID uuid.UUID) ([]store.IsolationEnvironment, error) {
	return s.queryEnvs(ctx,
		`SELECT `+envCols+` FROM isolation_environments
		 WHERE codebase_id = $1 AND status = 'active' ORDER BY created_at`, codebaseID)
}

func (s *EnvStore) FindAllActive(ctx context.Context) ([]store.IsolationEnvironment, error) {
	return s.queryEnvs(ctx,
		`SELECT `+envCols+` FROM isolation_environments
		 WHERE status = 'active' ORDER BY created_at`)
}

func (s *EnvStore) CountActive(ctx context.Context, codebaseID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM isolation_environments WHERE codebase_id = $1 AND status = 'active'`,
		codebaseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active envs: %w", err)
	}
	return n, nil
}

func (s *EnvStore) UpdateStatus(ctx context.Context, id uuid.UUID, status store.EnvStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE isolation_environments SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update env status: %w", err)
	}
	return nil
}

func (s *EnvStore) MergeMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal env metadata patch: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE isolation_environments SET metadata = metadata || $1::jsonb WHERE id = $2`,
		patchJSON, id)
	if err != nil {
		return fmt.Errorf("merge env metadata: %w", err)
	}
	return nil
}

// FindStaleEnvironments applies the staleness rule in SQL: old enough, not
// telegram-created, and no linked conversation active inside the window.
func (s *EnvStore) FindStaleEnvironments(ctx context.Context, days int) ([]store.IsolationEnvironment, error) {
	return s.queryEnvs(ctx,
		`SELECT `+envCols+` FROM isolation_environments e
		 WHERE e.status = 'active'
		   AND e.created_by_platform <> 'telegram'
		   AND e.created_at < now() - make_interval(days => $1)
		   AND NOT EXISTS (
		     SELECT 1 FROM conversations c
		     WHERE c.isolation_env_id = e.id
		       AND c.last_activity_at > now() - make_interval(days => $1))
		 ORDER BY e.created_at`, days)
}
