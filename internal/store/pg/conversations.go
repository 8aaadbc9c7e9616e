package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// ConversationStore implements store.ConversationStore on Postgres.
type ConversationStore struct {
	db *sql.DB
}

const conversationCols = `id, platform_type, platform_conversation_id, ai_assistant_type,
	codebase_id, cwd, isolation_env_id, last_activity_at, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*store.Conversation, error) {
	var c store.Conversation
	var cwd *string
	err := row.Scan(&c.ID, &c.PlatformType, &c.PlatformConversationID, &c.AssistantType,
		&c.CodebaseID, &cwd, &c.IsolationEnvID, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Cwd = derefStr(cwd)
	return &c, nil
}

func (s *ConversationStore) FindByPlatform(ctx context.Context, platformType, platformConversationID string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE platform_type = $1 AND platform_conversation_id = $2`,
		platformType, platformConversationID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

func (s *ConversationStore) Create(ctx context.Context, c *store.Conversation) error {
	now := time.Now()
	if c.ID == uuid.Nil {
		c.ID = store.NewID()
	}
	c.CreatedAt, c.UpdatedAt, c.LastActivityAt = now, now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, platform_type, platform_conversation_id, ai_assistant_type,
		   codebase_id, cwd, isolation_env_id, last_activity_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.PlatformType, c.PlatformConversationID, c.AssistantType,
		c.CodebaseID, nilStr(c.Cwd), c.IsolationEnvID, now, now, now)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// Update builds SET clauses only for fields present in the patch. An
// affected-rows count of zero is the optimistic-concurrency signal every
// mutating command relies on.
func (s *ConversationStore) Update(ctx context.Context, id uuid.UUID, patch store.ConversationPatch) error {
	sets := []string{}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.AssistantType != nil {
		sets = append(sets, "ai_assistant_type = "+arg(*patch.AssistantType))
	}
	if patch.Cwd != nil {
		sets = append(sets, "cwd = "+arg(nilStr(*patch.Cwd)))
	}
	if patch.ClearCodebase {
		sets = append(sets, "codebase_id = NULL")
	} else if patch.CodebaseID != nil {
		sets = append(sets, "codebase_id = "+arg(*patch.CodebaseID))
	}
	if patch.ClearIsolationEnv {
		sets = append(sets, "isolation_env_id = NULL")
	} else if patch.IsolationEnvID != nil {
		sets = append(sets, "isolation_env_id = "+arg(*patch.IsolationEnvID))
	}
	sets = append(sets, "updated_at = now()")

	query := "UPDATE conversations SET " + strings.Join(sets, ", ") + " WHERE id = " + arg(id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n == 0 {
		return store.ErrConversationNotFound
	}
	return nil
}

func (s *ConversationStore) TouchActivity(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = now() WHERE id = $1`, id)
	return err
}

func (s *ConversationStore) FindByEnv(ctx context.Context, envID uuid.UUID) ([]store.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE isolation_env_id = $1`, envID)
	if err != nil {
		return nil, fmt.Errorf("find conversations by env: %w", err)
	}
	defer rows.Close()

	var result []store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *ConversationStore) ClearCodebaseRefs(ctx context.Context, codebaseID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET codebase_id = NULL, cwd = NULL, isolation_env_id = NULL, updated_at = now()
		 WHERE codebase_id = $1`, codebaseID)
	if err != nil {
		return fmt.Errorf("clear codebase refs: %w", err)
	}
	return nil
}

func (s *ConversationStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	return err
}
