// Package sqlloader loads templates from a SQL table of
// (name, source, updated_at) rows.
//
// Any database/sql driver that accepts "?" placeholders works. The CLI
// links modernc.org/sqlite by default and github.com/mattn/go-sqlite3 with
// the cgo_sqlite build tag.
package sqlloader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/deicod/asyncjinja/runtime"
)

// DefaultTable is the table read when no other table is configured.
const DefaultTable = "templates"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Loader implements runtime.Loader on top of a *sql.DB.
type Loader struct {
	db         *sql.DB
	table      string
	autoReload bool
}

type Option func(*Loader)

// WithTable selects the table to read from.
func WithTable(table string) Option {
	return func(l *Loader) {
		l.table = table
	}
}

// WithAutoReload controls whether sources carry an updated_at probe.
// Enabled by default.
func WithAutoReload(enabled bool) Option {
	return func(l *Loader) {
		l.autoReload = enabled
	}
}

// New returns a loader reading from db. The caller keeps ownership of db.
func New(db *sql.DB, opts ...Option) (*Loader, error) {
	l := &Loader{db: db, table: DefaultTable, autoReload: true}
	for _, opt := range opts {
		opt(l)
	}
	if !identifier.MatchString(l.table) {
		return nil, &runtime.ConfigurationError{
			Option:  "sqlloader.table",
			Message: fmt.Sprintf("invalid table name %q", l.table),
		}
	}
	return l, nil
}

// Table returns the table name in use.
func (l *Loader) Table() string {
	return l.table
}

// EnsureSchema creates the template table when it does not exist.
func (l *Loader) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+l.table+` (
	name       TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	updated_at TIMESTAMP
)`)
	if err != nil {
		return fmt.Errorf("sqlloader: create table %s: %w", l.table, err)
	}
	return nil
}

// Put inserts or replaces a template row.
func (l *Loader) Put(ctx context.Context, name, source string, updatedAt time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO `+l.table+` (name, source, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET source = excluded.source, updated_at = excluded.updated_at`,
		name, source, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlloader: put %s: %w", name, err)
	}
	return nil
}

// Delete removes a template row.
func (l *Loader) Delete(ctx context.Context, name string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM `+l.table+` WHERE name = ?`, name); err != nil {
		return fmt.Errorf("sqlloader: delete %s: %w", name, err)
	}
	return nil
}

// GetSource reads one row. Rows with a NULL updated_at never go stale.
func (l *Loader) GetSource(ctx context.Context, name string) (runtime.Source, error) {
	var source string
	var updatedAt sql.NullTime
	err := l.db.QueryRowContext(ctx, `SELECT source, updated_at FROM `+l.table+` WHERE name = ?`, name).
		Scan(&source, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return runtime.Source{}, runtime.NewTemplateNotFound(name, nil, err)
	}
	if err != nil {
		return runtime.Source{}, fmt.Errorf("sqlloader: load %s: %w", name, err)
	}

	src := runtime.Source{Text: source}
	if l.autoReload && updatedAt.Valid {
		src.UpToDate = runtime.TimestampProbe(updatedAt.Time, func(ctx context.Context) (time.Time, bool, error) {
			return l.updatedAt(ctx, name)
		})
	}
	return src, nil
}

func (l *Loader) updatedAt(ctx context.Context, name string) (time.Time, bool, error) {
	var current sql.NullTime
	err := l.db.QueryRowContext(ctx, `SELECT updated_at FROM `+l.table+` WHERE name = ?`, name).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlloader: probe %s: %w", name, err)
	}
	return current.Time, current.Valid, nil
}

// ListTemplates returns every name in the table, sorted.
func (l *Loader) ListTemplates(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT name FROM `+l.table+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlloader: list: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlloader: list: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlloader: list: %w", err)
	}
	return names, nil
}
