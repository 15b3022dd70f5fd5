package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the profile's chatsync.db: conversation messages, sync checkpoints
// and the kv table that backs the durable queue.
type DB struct {
	*sql.DB
	path string
}

// Open connects to the SQLite file at path. Transactions take the write lock
// up front so the read-then-write swaps in ConfirmPlaceholder and
// InsertPlaceholder wait on busy_timeout instead of failing with SQLITE_BUSY.
func Open(path string) (*DB, error) {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }
