// Package pg implements the store interfaces on Postgres via database/sql
// and the pgx stdlib driver.
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// Open connects to Postgres with pool settings tuned for cloud poolers:
// small fixed pool, no client-side idle reaping (the pooler terminates idle
// connections; database/sql reopens transparently).
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// New builds the full store bundle over one connection pool.
func New(db *sql.DB) store.Stores {
	return store.Stores{
		Conversations: &ConversationStore{db: db},
		Sessions:      &SessionStore{db: db},
		Codebases:     &CodebaseStore{db: db},
		Templates:     &TemplateStore{db: db},
		Envs:          &EnvStore{db: db},
		Runs:          &RunStore{db: db},
	}
}

// --- shared nullable-column helpers ---

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
