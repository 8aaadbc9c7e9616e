package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// RunStore implements store.RunStore on Postgres.
type RunStore struct {
	db *sql.DB
}

const runCols = `id, workflow_name, conversation_id, codebase_id, current_step_index,
	status, user_message, metadata, started_at, completed_at, last_activity_at`

func scanRun(row interface{ Scan(...any) error }) (*store.WorkflowRun, error) {
	var r store.WorkflowRun
	var metaJSON []byte
	err := row.Scan(&r.ID, &r.WorkflowName, &r.ConversationID, &r.CodebaseID, &r.CurrentStepIndex,
		&r.Status, &r.UserMessage, &metaJSON, &r.StartedAt, &r.CompletedAt, &r.LastActivityAt)
	if err != nil {
		return nil, err
	}
	r.Metadata = map[string]any{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
			slog.Warn("corrupt run metadata json", "run_id", r.ID, "error", err)
		}
	}
	return &r, nil
}

func (s *RunStore) Create(ctx context.Context, r *store.WorkflowRun) error {
	if r.ID == uuid.Nil {
		r.ID = store.NewID()
	}
	if r.Status == "" {
		r.Status = store.RunRunning
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_name, conversation_id, codebase_id,
		   current_step_index, status, user_message, metadata, started_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		 RETURNING started_at, last_activity_at`,
		r.ID, r.WorkflowName, r.ConversationID, r.CodebaseID,
		r.CurrentStepIndex, r.Status, r.UserMessage, metaJSON,
	).Scan(&r.StartedAt, &r.LastActivityAt)
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}
	return nil
}

func (s *RunStore) FindRunning(ctx context.Context, conversationID uuid.UUID) (*store.WorkflowRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM workflow_runs
		 WHERE conversation_id = $1 AND status = 'running'`, conversationID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find running workflow: %w", err)
	}
	return r, nil
}

func (s *RunStore) AdvanceStep(ctx context.Context, id uuid.UUID, stepIndex int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET current_step_index = $1, last_activity_at = now() WHERE id = $2`,
		stepIndex, id)
	if err != nil {
		return fmt.Errorf("advance workflow step: %w", err)
	}
	return nil
}

func (s *RunStore) Finish(ctx context.Context, id uuid.UUID, status store.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = $1, completed_at = now(), last_activity_at = now()
		 WHERE id = $2 AND status = 'running'`, status, id)
	if err != nil {
		return fmt.Errorf("finish workflow run: %w", err)
	}
	return nil
}

func (s *RunStore) MergeMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal run metadata patch: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET metadata = metadata || $1::jsonb WHERE id = $2`, patchJSON, id)
	if err != nil {
		return fmt.Errorf("merge run metadata: %w", err)
	}
	return nil
}

func (s *RunStore) TouchActivity(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET last_activity_at = now() WHERE id = $1`, id)
	return err
}
