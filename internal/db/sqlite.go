package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/RichardoC/llamachat/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS completions (
    id TEXT PRIMARY KEY,
    model TEXT NOT NULL,
    prompt TEXT NOT NULL,
    output TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    temperature REAL NOT NULL,
    top_p REAL NOT NULL,
    max_tokens INTEGER NOT NULL,
    input_tokens INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_completions_created_at ON completions(created_at);
CREATE INDEX IF NOT EXISTS idx_completions_model ON completions(model);`

// Database is the audit trail of completion gateway calls.
type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

// RecordCompletion stores c, stamping CreatedAt if it is unset.
func (db *Database) RecordCompletion(c *models.Completion) error {
	query := `
        INSERT INTO completions (id, model, prompt, output, error, temperature, top_p, max_tokens, input_tokens, duration_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := db.db.Exec(query,
		c.ID, c.Model, c.Prompt, c.Output, c.Error,
		c.Temperature, c.TopP, c.MaxTokens, c.InputTokens, c.DurationMs, c.CreatedAt)
	return err
}

// RecentCompletions returns up to limit entries, newest first.
func (db *Database) RecentCompletions(limit int) ([]models.Completion, error) {
	query := `
        SELECT id, model, prompt, output, error, temperature, top_p, max_tokens, input_tokens, duration_ms, created_at
        FROM completions
        ORDER BY rowid DESC
        LIMIT ?`

	rows, err := db.db.Query(query, limit)
	if err != nil {
		return []models.Completion{}, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	completions := make([]models.Completion, 0)
	for rows.Next() {
		var c models.Completion
		err := rows.Scan(&c.ID, &c.Model, &c.Prompt, &c.Output, &c.Error,
			&c.Temperature, &c.TopP, &c.MaxTokens, &c.InputTokens, &c.DurationMs, &c.CreatedAt)
		if err != nil {
			return []models.Completion{}, fmt.Errorf("failed to scan completion: %w", err)
		}
		completions = append(completions, c)
	}
	return completions, rows.Err()
}
