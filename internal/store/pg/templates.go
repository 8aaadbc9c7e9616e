package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// TemplateStore implements store.TemplateStore on Postgres.
type TemplateStore struct {
	db *sql.DB
}

func (s *TemplateStore) Upsert(ctx context.Context, t *store.CommandTemplate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_templates (id, name, description, content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 ON CONFLICT (name) DO UPDATE
		   SET description = EXCLUDED.description,
		       content = EXCLUDED.content,
		       updated_at = now()`,
		store.NewID(), t.Name, nilStr(t.Description), t.Content)
	if err != nil {
		return fmt.Errorf("upsert template %q: %w", t.Name, err)
	}
	return nil
}

func (s *TemplateStore) FindByName(ctx context.Context, name string) (*store.CommandTemplate, error) {
	var t store.CommandTemplate
	var desc *string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, content, created_at, updated_at
		 FROM command_templates WHERE name = $1`, name,
	).Scan(&t.ID, &t.Name, &desc, &t.Content, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find template %q: %w", name, err)
	}
	t.Description = derefStr(desc)
	return &t, nil
}

func (s *TemplateStore) List(ctx context.Context) ([]store.CommandTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, content, created_at, updated_at
		 FROM command_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var result []store.CommandTemplate
	for rows.Next() {
		var t store.CommandTemplate
		var desc *string
		if err := rows.Scan(&t.ID, &t.Name, &desc, &t.Content, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Description = derefStr(desc)
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *TemplateStore) DeleteByName(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM command_templates WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete template %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
