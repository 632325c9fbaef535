package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// DefaultRetention is the number of routes kept when the ledger is opened.
const DefaultRetention = 10000

// DB is the hub's route ledger. It stores routing metadata only; envelope
// payloads never touch disk.
type DB struct {
	*sql.DB
}

// Open creates or opens the ledger at path and trims it to DefaultRetention
// rows.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// The hub loop is the only writer.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	database := &DB{sqlDB}
	pruned, err := database.Prune(DefaultRetention)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	slog.Info("route ledger opened", "path", path, "pruned", pruned)
	return database, nil
}

// Prune deletes all but the newest keep routes and reports how many went.
func (db *DB) Prune(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := db.Exec(`
		DELETE FROM routes
		WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM routes) - ?
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune routes: %w", err)
	}
	return res.RowsAffected()
}
