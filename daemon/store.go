// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: daemon/store.go
// Summary: SQLite transcript store backing resume beyond the in-memory window.
// Usage: Appends ride an async batch writer; Range flushes then reads.

package daemon

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OutputStore persists output chunks per terminal. Append is asynchronous
// and must never block the PTY read path; Range is synchronous and sees
// every chunk appended before the call.
type OutputStore interface {
	Append(termID string, seq uint64, data []byte)
	// Range returns chunks with seq > after, and seq <= upTo when upTo is
	// non-zero, in sequence order.
	Range(termID string, after, upTo uint64) ([]OutputChunk, error)
	DropTerm(termID string) error
	Close() error
}

const storeSchemaVersion = 1

const storeSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS term_output (
    term_id TEXT NOT NULL,
    seq     INTEGER NOT NULL,
    data    BLOB NOT NULL,
    PRIMARY KEY (term_id, seq)
);
`

type storeRow struct {
	termID string
	seq    uint64
	data   []byte
}

// SQLiteStore implements OutputStore on modernc.org/sqlite with WAL and an
// async batch writer so PTY reads never wait on disk.
type SQLiteStore struct {
	db *sql.DB

	batchChan chan storeRow
	stopCh    chan struct{}
	doneCh    chan struct{}
	flushCh   chan chan struct{}
}

const (
	storeBatchSize    = 128
	storeBatchTimeout = 250 * time.Millisecond
	storeChanBuffer   = 1024
)

func OpenStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("daemon: create store directory: %w", err)
	}
	dsn := dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: connect store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: create schema: %w", err)
	}
	if err := migrateStoreSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteStore{
		db:        db,
		batchChan: make(chan storeRow, storeChanBuffer),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		flushCh:   make(chan chan struct{}),
	}
	go s.batchWriter()
	return s, nil
}

// migrateStoreSchema drops transcript rows when the schema version moved;
// transcripts are resume caches, not archives, so a wipe is acceptable.
func migrateStoreSchema(db *sql.DB) error {
	var current int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&current)
	if err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		current = 0
	}
	if current == storeSchemaVersion {
		return nil
	}
	if current != 0 {
		log.Printf("daemon: store schema %d -> %d, clearing transcripts", current, storeSchemaVersion)
		if _, err := db.Exec("DELETE FROM term_output"); err != nil {
			return fmt.Errorf("daemon: clear transcripts: %w", err)
		}
	}
	if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("daemon: reset schema version: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", storeSchemaVersion); err != nil {
		return fmt.Errorf("daemon: write schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(termID string, seq uint64, data []byte) {
	row := storeRow{termID: termID, seq: seq, data: append([]byte(nil), data...)}
	select {
	case s.batchChan <- row:
	case <-s.stopCh:
	}
}

func (s *SQLiteStore) Range(termID string, after, upTo uint64) ([]OutputChunk, error) {
	s.flush()
	var (
		rows *sql.Rows
		err  error
	)
	if upTo > 0 {
		rows, err = s.db.Query(
			"SELECT seq, data FROM term_output WHERE term_id = ? AND seq > ? AND seq <= ? ORDER BY seq",
			termID, after, upTo)
	} else {
		rows, err = s.db.Query(
			"SELECT seq, data FROM term_output WHERE term_id = ? AND seq > ? ORDER BY seq",
			termID, after)
	}
	if err != nil {
		return nil, fmt.Errorf("daemon: range query: %w", err)
	}
	defer rows.Close()

	var out []OutputChunk
	for rows.Next() {
		var chunk OutputChunk
		if err := rows.Scan(&chunk.Seq, &chunk.Data); err != nil {
			return nil, fmt.Errorf("daemon: range scan: %w", err)
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DropTerm(termID string) error {
	s.flush()
	_, err := s.db.Exec("DELETE FROM term_output WHERE term_id = ?", termID)
	return err
}

func (s *SQLiteStore) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}

// flush blocks until every row queued before the call is committed.
func (s *SQLiteStore) flush() {
	done := make(chan struct{})
	select {
	case s.flushCh <- done:
		<-done
	case <-s.stopCh:
	}
}

func (s *SQLiteStore) batchWriter() {
	defer close(s.doneCh)

	batch := make([]storeRow, 0, storeBatchSize)
	timer := time.NewTimer(storeBatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case row := <-s.batchChan:
			batch = append(batch, row)
			if len(batch) >= storeBatchSize {
				flush()
				timer.Reset(storeBatchTimeout)
			}

		case <-timer.C:
			flush()
			timer.Reset(storeBatchTimeout)

		case done := <-s.flushCh:
			draining := true
			for draining {
				select {
				case row := <-s.batchChan:
					batch = append(batch, row)
				default:
					draining = false
				}
			}
			flush()
			close(done)

		case <-s.stopCh:
			for {
				select {
				case row := <-s.batchChan:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *SQLiteStore) writeBatch(batch []storeRow) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("daemon: store begin: %v", err)
		return
	}
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO term_output (term_id, seq, data) VALUES (?, ?, ?)")
	if err != nil {
		log.Printf("daemon: store prepare: %v", err)
		tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, row := range batch {
		if _, err := stmt.Exec(row.termID, row.seq, row.data); err != nil {
			log.Printf("daemon: store insert %s/%d: %v", row.termID, row.seq, err)
			tx.Rollback()
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("daemon: store commit: %v", err)
	}
}
