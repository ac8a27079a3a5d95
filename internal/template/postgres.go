package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/sendlater/internal/apperr"
)

// PostgresStorage keeps templates in PostgreSQL
type PostgresStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStorage creates a template store on an open database.
// The schema is applied by database.Open.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db, now: time.Now}
}

func (s *PostgresStorage) Save(ctx context.Context, tmpl *Template) (*Template, error) {
	saved, err := prepare(tmpl)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO templates (id, name, content, category, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    content = EXCLUDED.content,
		    category = EXCLUDED.category,
		    updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`, saved.ID, saved.Name, saved.Content, saved.Category, now).Scan(&saved.CreatedAt, &saved.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save template: %w", err)
	}

	return saved, nil
}

func (s *PostgresStorage) Get(ctx context.Context, id string) (*Template, error) {
	var t Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, content, category, created_at, updated_at
		FROM templates
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Content, &t.Category, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("template", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &t, nil
}

func (s *PostgresStorage) List(ctx context.Context, filter ListFilter) ([]*Template, error) {
	query := `SELECT id, name, content, category, created_at, updated_at FROM templates`
	var where []string
	var args []any

	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("lower(category) = lower($%d)", len(args)))
	}
	if filter.Search != "" {
		// Literal substring match, same as Storage.List
		args = append(args, strings.ToLower(filter.Search))
		where = append(where, fmt.Sprintf("(strpos(lower(name), $%d) > 0 OR strpos(lower(content), $%d) > 0)", len(args), len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	templates := []*Template{}
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Content, &t.Category, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		templates = append(templates, &t)
	}
	return templates, rows.Err()
}

func (s *PostgresStorage) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("template", id)
	}
	return nil
}

func (s *PostgresStorage) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category FROM templates
		GROUP BY category
		ORDER BY min(seq)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var seen []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		seen = append(seen, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return mergeCategories(seen), nil
}

func (s *PostgresStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM templates`).Scan(&stats.Total)
	return stats, err
}

// SeedDefaults installs the built-in templates once, on an empty table
func (s *PostgresStorage) SeedDefaults(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO template_meta (key, value) VALUES ('seeded', $1)
		ON CONFLICT (key) DO NOTHING
	`, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to mark templates seeded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, nil
	}

	stats, err := s.Stats(ctx)
	if err != nil || stats.Total > 0 {
		return 0, err
	}

	count := 0
	for _, d := range Defaults() {
		if _, err := s.Save(ctx, d); err != nil {
			return count, fmt.Errorf("failed to seed template %s: %w", d.ID, err)
		}
		count++
	}
	return count, nil
}
