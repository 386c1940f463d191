package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

const (
	// DriverName is the project-specific SQLCipher driver with custom SQL functions.
	DriverName = "sqlite3_notebook_sync"
)

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// casefold backs the case-insensitive sibling title indexes, so it
			// must be registered as deterministic.
			if err := conn.RegisterFunc("casefold", sqliteCasefold, true); err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "already exists") {
					return nil
				}
				return fmt.Errorf("register casefold SQL function: %w", err)
			}
			if _, err := conn.Exec("PRAGMA foreign_keys = ON", nil); err != nil {
				return fmt.Errorf("enable foreign keys: %w", err)
			}
			return nil
		},
	})
}

func sqliteCasefold(input any) (string, error) {
	switch x := input.(type) {
	case nil:
		return "", nil
	case string:
		return strings.ToLower(strings.TrimSpace(x)), nil
	case []byte:
		return strings.ToLower(strings.TrimSpace(string(x))), nil
	default:
		return "", fmt.Errorf("unsupported casefold input type: %T", input)
	}
}
