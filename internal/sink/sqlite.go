package sink

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink implements Sink on a SQLite database, giving the benchmark
// driver a durable, indexed record of everything delivered to a rank.
// One sink owns one database file; ranks must not share files.
type SQLiteSink struct {
	db      *sql.DB
	insert  *sql.Stmt
	mu      sync.Mutex
	records int
	bytes   int
}

// NewSQLiteSink opens (or creates) the database at path and prepares the
// record table.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			name  TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			data  BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_name ON records(name);
		CREATE INDEX IF NOT EXISTS idx_records_epoch ON records(epoch);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: create schema: %w", err)
	}

	insert, err := db.Prepare("INSERT INTO records(name, epoch, data) VALUES(?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: prepare insert: %w", err)
	}
	return &SQLiteSink{db: db, insert: insert}, nil
}

// Deliver appends one record.
func (s *SQLiteSink) Deliver(name string, data []byte, epoch int) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insert == nil {
		return ErrClosed
	}
	if _, err := s.insert.Exec(name, epoch, cp); err != nil {
		return fmt.Errorf("sink: insert %s: %w", name, err)
	}
	s.records++
	s.bytes += len(data)
	return nil
}

// CountEpoch returns the number of records stored for one epoch.
func (s *SQLiteSink) CountEpoch(epoch int) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE epoch = ?", epoch).Scan(&n)
	return n, err
}

// Stats returns delivery statistics.
func (s *SQLiteSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Records: s.records, Bytes: s.bytes}
}

// Close finalizes the statement and closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insert == nil {
		return nil
	}
	s.insert.Close()
	s.insert = nil
	return s.db.Close()
}
