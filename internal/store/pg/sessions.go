package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// SessionStore implements store.SessionStore on Postgres.
type SessionStore struct {
	db *sql.DB
}

func (s *SessionStore) GetActive(ctx context.Context, conversationID uuid.UUID) (*store.Session, error) {
	var sess store.Session
	var token *string
	var metaJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, codebase_id, ai_assistant_type, assistant_session_id,
		        active, metadata, started_at, ended_at
		 FROM sessions WHERE conversation_id = $1 AND active`, conversationID,
	).Scan(&sess.ID, &sess.ConversationID, &sess.CodebaseID, &sess.AssistantType, &token,
		&sess.Active, &metaJSON, &sess.StartedAt, &sess.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	sess.AssistantSessionID = derefStr(token)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &sess.Metadata); err != nil {
			slog.Warn("corrupt session metadata json", "session_id", sess.ID, "error", err)
		}
	}
	return &sess, nil
}

func (s *SessionStore) Create(ctx context.Context, sess *store.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = store.NewID()
	}
	sess.StartedAt = time.Now()
	sess.Active = true
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, conversation_id, codebase_id, ai_assistant_type,
		   assistant_session_id, active, metadata, started_at)
		 VALUES ($1, $2, $3, $4, $5, true, $6, $7)`,
		sess.ID, sess.ConversationID, sess.CodebaseID, sess.AssistantType,
		nilStr(sess.AssistantSessionID), metaJSON, sess.StartedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SessionStore) DeactivateForConversation(ctx context.Context, conversationID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = false, ended_at = now()
		 WHERE conversation_id = $1 AND active`, conversationID)
	if err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}
	return nil
}

func (s *SessionStore) SetAssistantSessionID(ctx context.Context, id uuid.UUID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET assistant_session_id = $1 WHERE id = $2`, nilStr(token), id)
	if err != nil {
		return fmt.Errorf("set assistant session id: %w", err)
	}
	return nil
}

// MergeMetadata applies a jsonb merge patch at the SQL layer; concurrent
// writers to disjoint keys never clobber each other.
func (s *SessionStore) MergeMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET metadata = metadata || $1::jsonb WHERE id = $2`, patchJSON, id)
	if err != nil {
		return fmt.Errorf("merge session metadata: %w", err)
	}
	return nil
}

func (s *SessionStore) ClearCodebaseRefs(ctx context.Context, codebaseID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET codebase_id = NULL WHERE codebase_id = $1`, codebaseID)
	return err
}
