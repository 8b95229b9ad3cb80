package daycache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/recapd/recapd/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS day_cache (
	account      TEXT NOT NULL,
	conversation TEXT NOT NULL,
	day          TEXT NOT NULL,
	payload      BLOB NOT NULL,
	written_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	PRIMARY KEY (account, conversation, day)
);
`

// SQLiteStore is a SQLite-backed Store, useful when many small day files
// would strain the filesystem. Same-key writes are last-writer-wins via
// INSERT OR REPLACE.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite day cache at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(key Key) ([]model.Message, error) {
	var payload []byte
	err := s.db.QueryRow(
		`SELECT payload FROM day_cache WHERE account = ? AND conversation = ? AND day = ?`,
		key.Account, key.Conversation, key.DayString(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	var msgs []model.Message
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key.DayString(), err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(key Key, msgs []model.Message) error {
	if msgs == nil {
		msgs = []model.Message{}
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO day_cache (account, conversation, day, payload) VALUES (?, ?, ?, ?)`,
		key.Account, key.Conversation, key.DayString(), payload,
	)
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
