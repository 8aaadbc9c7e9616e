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

// CodebaseStore implements store.CodebaseStore on Postgres.
type CodebaseStore struct {
	db *sql.DB
}

const codebaseCols = `id, name, repository_url, default_cwd, ai_assistant_type, commands, created_at, updated_at`

func scanCodebase(row interface{ Scan(...any) error }) (*store.Codebase, error) {
	var c store.Codebase
	var repoURL *string
	var commandsJSON []byte
	err := row.Scan(&c.ID, &c.Name, &repoURL, &c.DefaultCwd, &c.AssistantType,
		&commandsJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.RepositoryURL = derefStr(repoURL)
	c.Commands = map[string]store.CommandRef{}
	if len(commandsJSON) > 0 {
		if err := json.Unmarshal(commandsJSON, &c.Commands); err != nil {
			slog.Warn("corrupt codebase commands json", "codebase_id", c.ID, "error", err)
		}
	}
	return &c, nil
}

func (s *CodebaseStore) Create(ctx context.Context, c *store.Codebase) error {
	now := time.Now()
	if c.ID == uuid.Nil {
		c.ID = store.NewID()
	}
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Commands == nil {
		c.Commands = map[string]store.CommandRef{}
	}
	commandsJSON, err := json.Marshal(c.Commands)
	if err != nil {
		return fmt.Errorf("marshal codebase commands: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO codebases (id, name, repository_url, default_cwd, ai_assistant_type, commands, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Name, nilStr(c.RepositoryURL), c.DefaultCwd, c.AssistantType, commandsJSON, now, now)
	if err != nil {
		return fmt.Errorf("create codebase: %w", err)
	}
	return nil
}

func (s *CodebaseStore) Get(ctx context.Context, id uuid.UUID) (*store.Codebase, error) {
	c, err := scanCodebase(s.db.QueryRowContext(ctx,
		`SELECT `+codebaseCols+` FROM codebases WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get codebase: %w", err)
	}
	return c, nil
}

func (s *CodebaseStore) findOne(ctx context.Context, where string, arg any) (*store.Codebase, error) {
	c, err := scanCodebase(s.db.QueryRowContext(ctx,
		`SELECT `+codebaseCols+` FROM codebases WHERE `+where, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find codebase: %w", err)
	}
	return c, nil
}

func (s *CodebaseStore) FindByName(ctx context.Context, name string) (*store.Codebase, error) {
	return s.findOne(ctx, "name = $1", name)
}

func (s *CodebaseStore) FindByURL(ctx context.Context, repositoryURL string) (*store.Codebase, error) {
	return s.findOne(ctx, "repository_url = $1", repositoryURL)
}

func (s *CodebaseStore) FindByDefaultCwd(ctx context.Context, cwd string) (*store.Codebase, error) {
	return s.findOne(ctx, "default_cwd = $1", cwd)
}

func (s *CodebaseStore) List(ctx context.Context) ([]store.Codebase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+codebaseCols+` FROM codebases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list codebases: %w", err)
	}
	defer rows.Close()

	var result []store.Codebase
	for rows.Next() {
		c, err := scanCodebase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

// SetCommands replaces the whole commands map. Merge happens in memory at
// the call site; the column write is always full-replace.
func (s *CodebaseStore) SetCommands(ctx context.Context, id uuid.UUID, commands map[string]store.CommandRef) error {
	if commands == nil {
		commands = map[string]store.CommandRef{}
	}
	commandsJSON, err := json.Marshal(commands)
	if err != nil {
		return fmt.Errorf("marshal codebase commands: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE codebases SET commands = $1, updated_at = now() WHERE id = $2`, commandsJSON, id)
	if err != nil {
		return fmt.Errorf("set codebase commands: %w", err)
	}
	return nil
}

func (s *CodebaseStore) SetAssistantType(ctx context.Context, id uuid.UUID, t store.AssistantType) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE codebases SET ai_assistant_type = $1, updated_at = now() WHERE id = $2`, t, id)
	return err
}

func (s *CodebaseStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM codebases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete codebase: %w", err)
	}
	return nil
}
