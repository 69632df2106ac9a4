package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/weave/pkg/schema"
)

// LibSQLStore implements DefinitionStore on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ DefinitionStore = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/path/to/weave.db". Call Migrate before use.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// OpenLibSQLStore opens and migrates a store in one call.
func OpenLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	s, err := NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, schema.NewError(schema.ErrCodeStore, "migrate definition store").WithCause(err)
	}
	return s, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	pending, err := loadMigrations(sub)
	if err != nil {
		return err
	}
	return runMigrations(ctx, s.db, pending)
}

func (s *LibSQLStore) Put(ctx context.Context, def *schema.WorkflowDefinition) (*Record, error) {
	if err := invalidDefinition(def); err != nil {
		return nil, err
	}
	body, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "marshal definition").WithCause(err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, name, description, definition, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   description=excluded.description,
		   definition=excluded.definition,
		   version=workflow_definitions.version + 1,
		   updated_at=excluded.updated_at`,
		def.ID, nullStr(def.Name), nullStr(def.Description), string(body), now, now,
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "put definition %q", def.ID).WithCause(err)
	}
	return s.Get(ctx, def.ID)
}

func (s *LibSQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT definition, version, created_at, updated_at FROM workflow_definitions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get definition %q", id).WithCause(err)
	}
	return rec, nil
}

func (s *LibSQLStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	query := `SELECT definition, version, created_at, updated_at FROM workflow_definitions`
	var args []any
	if filter.Prefix != "" {
		query += ` WHERE id LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(filter.Prefix)+"%")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list definitions").WithCause(err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan definition").WithCause(err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete definition %q", id).WithCause(err)
	}
	return checkRowsAffected(res, id)
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		body string
		rec  Record
	)
	if err := sc.Scan(&body, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Definition = &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(body), rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &rec, nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
