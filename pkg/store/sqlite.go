// Package store persists the security state that must survive a restart
// when an operator opts in: revoked certificate serials and blacklisted
// peers. Failure counters and rate windows are never stored.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store: closed")

var schema = []string{
	"create table if not exists revocations ( serial text not null primary key, revoked integer not null )",
	"create table if not exists blacklist ( peer text not null primary key, reason text not null default '', added integer not null )",
}

// SQLite is a single-file store. It satisfies identity.RevocationStore and
// ids.BlacklistStore.
type SQLite struct {
	mu     sync.Mutex
	handle *sqlx.DB
}

type blacklistRow struct {
	Peer   string `db:"peer"`
	Reason string `db:"reason"`
	Added  int64  `db:"added"`
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*SQLite, error) {
	handle, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	handle.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := handle.Exec(stmt); err != nil {
			handle.Close()
			return nil, fmt.Errorf("store: create schema: %w", err)
		}
	}
	return &SQLite{handle: handle}, nil
}

// SaveRevocation records serial as revoked at the given time.
func (s *SQLite) SaveRevocation(serial string, at time.Time) error {
	return s.exec("replace into revocations ( serial, revoked ) values ( ?, ? )", serial, at.Unix())
}

// Revocations returns every revoked serial, oldest first.
func (s *SQLite) Revocations() ([]string, error) {
	var serials []string
	err := s.query(func(db *sqlx.DB) error {
		return db.Select(&serials, "select serial from revocations order by revoked, serial")
	})
	return serials, err
}

// SaveBlacklist records peer as blacklisted.
func (s *SQLite) SaveBlacklist(peer, reason string, at time.Time) error {
	return s.exec("replace into blacklist ( peer, reason, added ) values ( ?, ?, ? )", peer, reason, at.Unix())
}

// RemoveBlacklist clears peer.
func (s *SQLite) RemoveBlacklist(peer string) error {
	return s.exec("delete from blacklist where peer=?", peer)
}

// Blacklist returns every blacklisted peer, oldest first.
func (s *SQLite) Blacklist() ([]string, error) {
	var rows []blacklistRow
	err := s.query(func(db *sqlx.DB) error {
		return db.Select(&rows, "select peer, reason, added from blacklist order by added, peer")
	})
	if err != nil {
		return nil, err
	}
	peers := make([]string, len(rows))
	for i, r := range rows {
		peers[i] = r.Peer
	}
	return peers, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	s.handle = nil
	return err
}

func (s *SQLite) exec(query string, args ...any) error {
	return s.query(func(db *sqlx.DB) error {
		_, err := db.Exec(query, args...)
		return err
	})
}

func (s *SQLite) query(fn func(*sqlx.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ErrClosed
	}
	return fn(s.handle)
}
