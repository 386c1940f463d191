// Package testdb opens throwaway in-memory stores for tests.
package testdb

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/kuitang/notebook-sync/internal/realtime"
	"github.com/kuitang/notebook-sync/internal/sqlstore"
)

// NewStoreInMemory creates an in-memory encrypted store. Each call gets its
// own database. Changes are published to publisher when it is non-nil.
func NewStoreInMemory(publisher sqlstore.Publisher) (*sqlstore.Store, error) {
	name := make([]byte, 8)
	key := make([]byte, 32)
	if _, err := rand.Read(name); err != nil {
		return nil, err
	}
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
		hex.EncodeToString(name), hex.EncodeToString(key))

	sqlDB, err := sql.Open(sqlstore.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	// One connection keeps the shared-cache database alive and avoids
	// table-lock errors between pooled connections.
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)

	var sqliteVersion string
	if err := sqlDB.QueryRow("SELECT sqlite_version()").Scan(&sqliteVersion); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to verify in-memory database: %w", err)
	}

	if err := applyFastSQLitePragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply fast SQLite pragmas: %w", err)
	}

	if _, err := sqlDB.Exec(sqlstore.Schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize in-memory schema: %w", err)
	}

	return sqlstore.New(sqlDB, publisher), nil
}

// Open returns an in-memory store wired to a fresh hub, both closed when t
// finishes.
func Open(t testing.TB) (*sqlstore.Store, *realtime.Hub) {
	t.Helper()
	hub := realtime.NewHub(nil)
	store, err := NewStoreInMemory(hub)
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() {
		hub.Close()
		store.Close()
	})
	return store, hub
}

func applyFastSQLitePragmas(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=MEMORY",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA secure_delete=OFF",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
