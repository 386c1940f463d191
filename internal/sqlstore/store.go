// Package sqlstore implements the remote table store on SQLCipher. Every
// committed write is published as a realtime change.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/notebook-sync/internal/obs"
	"github.com/kuitang/notebook-sync/internal/realtime"
	"github.com/kuitang/notebook-sync/internal/remote"
)

const (
	// MaxOpenConns is the maximum number of open connections for a file database.
	// SQLite is single-writer, so high connection counts are counterproductive.
	MaxOpenConns = 4

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns = 2
)

// Publisher receives every committed change.
type Publisher interface {
	Publish(c realtime.Change) int
}

// Store is a remote.Client backed by SQLite.
type Store struct {
	db        *sql.DB
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

var _ remote.Client = (*Store)(nil)

// New wraps an open database whose schema is already applied.
func New(sqlDB *sql.DB, publisher Publisher) *Store {
	return &Store{
		db:        sqlDB,
		publisher: publisher,
		now:       time.Now,
		logger:    obs.Pkg("sqlstore"),
	}
}

// Open opens (creating if needed) the database file at path, encrypted with
// key when key is non-empty, and applies the schema.
func Open(path string, key []byte, publisher Publisher) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := path
	if len(key) > 0 {
		if len(key) != 32 {
			return nil, fmt.Errorf("database key must be exactly 32 bytes, got %d", len(key))
		}
		dsn = fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", path, hex.EncodeToString(key))
	}
	dsn = appendSQLiteParams(dsn, sqliteCommonParams())

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(MaxIdleConns)

	// If the encryption key is wrong, this will fail
	var sqliteVersion string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&sqliteVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return New(db, publisher), nil
}

// DB returns the underlying sql.DB for direct access when needed
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock overrides the timestamp source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func sqliteCommonParams() string {
	// Production-safe defaults: WAL + NORMAL provides good throughput while preserving safety.
	return "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
}

func appendSQLiteParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func lookup(collection string) (table, error) {
	t, ok := tables[collection]
	if !ok {
		return table{}, invalid("unknown collection %q", collection)
	}
	return t, nil
}

// Select returns the rows of collection matching q.
func (s *Store) Select(ctx context.Context, collection string, q remote.Query) ([]remote.Row, error) {
	t, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(t, q.Filters)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + strings.Join(t.columnNames(), ", ") + " FROM " + t.name + where
	order, err := orderClause(t, q.Order)
	if err != nil {
		return nil, err
	}
	query += order
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "select "+collection)
	}
	defer rows.Close()

	var out []remote.Row
	for rows.Next() {
		row, err := scanRow(t, rows)
		if err != nil {
			return nil, classify(err, "scan "+collection)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "select "+collection)
	}
	if out == nil {
		out = []remote.Row{}
	}
	return out, nil
}

// Count returns how many rows of collection match q.
func (s *Store) Count(ctx context.Context, collection string, q remote.Query) (int, error) {
	t, err := lookup(collection)
	if err != nil {
		return 0, err
	}
	where, args, err := whereClause(t, q.Filters)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.name+where, args...).Scan(&n); err != nil {
		return 0, classify(err, "count "+collection)
	}
	return n, nil
}

// Insert adds row to collection. A caller-supplied id is kept, so replaying
// an insert reports already_exists instead of creating a duplicate.
func (s *Store) Insert(ctx context.Context, collection string, row remote.Row) (remote.Row, error) {
	t, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	id := row.String("id")
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC().UnixMilli()

	cols := []string{"id"}
	args := []any{id}
	for name, value := range row {
		if name == "id" || name == "created_at" || name == "updated_at" {
			continue
		}
		c, ok := t.column(name)
		if !ok {
			return nil, invalid("unknown column %q for %s", name, collection)
		}
		cols = append(cols, c.name)
		args = append(args, toSQL(c, value))
	}
	cols = append(cols, "created_at", "updated_at")
	args = append(args, now, now)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(cols, ", "), placeholders)

	var saved remote.Row
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		saved, err = selectByID(ctx, tx, t, id)
		return err
	})
	if err != nil {
		return nil, classify(err, "insert "+collection)
	}
	s.publish(collection, realtime.OpInsert, saved)
	return saved, nil
}

// Update applies patch to the row with id. Only updatable columns may be
// set; updated_at always moves forward.
func (s *Store) Update(ctx context.Context, collection, id string, patch remote.Row) (remote.Row, error) {
	t, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	var sets []string
	var args []any
	for name, value := range patch {
		c, ok := t.column(name)
		if !ok || !c.updatable {
			return nil, invalid("column %q of %s cannot be updated", name, collection)
		}
		sets = append(sets, c.name+" = ?")
		args = append(args, toSQL(c, value))
	}
	if len(sets) == 0 {
		return nil, invalid("no fields to update")
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UTC().UnixMilli(), id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", t.name, strings.Join(sets, ", "))

	var saved remote.Row
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return sql.ErrNoRows
		}
		saved, err = selectByID(ctx, tx, t, id)
		return err
	})
	if err != nil {
		return nil, classify(err, "update "+collection)
	}
	s.publish(collection, realtime.OpUpdate, saved)
	return saved, nil
}

// Delete removes the row with id. Child rows are removed by cascade.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	t, err := lookup(collection)
	if err != nil {
		return err
	}
	var removed remote.Row
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		removed, err = selectByID(ctx, tx, t, id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM "+t.name+" WHERE id = ?", id)
		return err
	})
	if err != nil {
		return classify(err, "delete "+collection)
	}
	s.publish(collection, realtime.OpDelete, removed)
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) publish(collection string, op realtime.Op, row remote.Row) {
	if s.publisher == nil {
		return
	}
	n := s.publisher.Publish(realtime.Change{Collection: collection, Op: op, Row: row})
	s.logger.Debug("change published", "collection", collection, "op", string(op), "subscribers", n)
}

func selectByID(ctx context.Context, tx *sql.Tx, t table, id string) (remote.Row, error) {
	query := "SELECT " + strings.Join(t.columnNames(), ", ") + " FROM " + t.name + " WHERE id = ?"
	rows, err := tx.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	return scanRow(t, rows)
}

func whereClause(t table, filters []remote.Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	conds := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		c, ok := t.column(f.Column)
		if !ok {
			return "", nil, invalid("unknown filter column %q for %s", f.Column, t.name)
		}
		conds = append(conds, c.name+" = ?")
		args = append(args, toSQL(c, f.Value))
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func orderClause(t table, order []remote.Order) (string, error) {
	if len(order) == 0 {
		return " ORDER BY created_at, id", nil
	}
	parts := make([]string, 0, len(order)+1)
	for _, o := range order {
		c, ok := t.column(o.Column)
		if !ok {
			return "", invalid("unknown order column %q for %s", o.Column, t.name)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, c.name+" "+dir)
	}
	parts = append(parts, "id ASC")
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

func scanRow(t table, rows *sql.Rows) (remote.Row, error) {
	dest := make([]any, len(t.columns))
	for i := range dest {
		dest[i] = new(any)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	row := make(remote.Row, len(t.columns))
	for i, c := range t.columns {
		row[c.name] = fromSQL(c, *(dest[i].(*any)))
	}
	return row, nil
}

func toSQL(c column, v any) any {
	switch c.kind {
	case kindBool:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	case kindTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC().UnixMilli()
		}
	}
	return v
}

func fromSQL(c column, v any) any {
	switch c.kind {
	case kindText:
		switch x := v.(type) {
		case []byte:
			return string(x)
		case nil:
			return ""
		}
	case kindInt:
		if n, ok := v.(int64); ok {
			return int(n)
		}
	case kindBool:
		if n, ok := v.(int64); ok {
			return n != 0
		}
		return false
	case kindTime:
		if n, ok := v.(int64); ok {
			return time.UnixMilli(n).UTC()
		}
		return time.Time{}
	}
	return v
}
