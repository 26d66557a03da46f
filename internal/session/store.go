// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/forkbombeu/emuhub/internal/adb"
)

var ErrSessionNotFound = errors.New("emulator not found")

// Store holds sessions in memory. When opened with a database path every
// change is written through to SQLite and sessions survive restarts.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
	db       *sql.DB
	now      func() time.Time
}

// NewMemory returns a store without persistence.
func NewMemory() *Store {
	return &Store{sessions: make(map[string]Session), now: time.Now}
}

// Open returns a store persisted at path, loading existing sessions.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pkgerrors.Wrapf(err, "session: create dir %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "session: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s := NewMemory()
	s.db = db
	if err := s.load(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "session: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		android_version TEXT NOT NULL,
		container_id TEXT,
		container_name TEXT,
		ports TEXT NOT NULL,
		predefined INTEGER NOT NULL DEFAULT 0,
		host TEXT,
		status TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	return pkgerrors.Wrap(err, "session: init sqlite schema failed")
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, device_id, android_version, container_id, container_name,
		ports, predefined, host, status, created_at, updated_at FROM sessions`)
	if err != nil {
		return pkgerrors.Wrap(err, "session: load sessions failed")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sess                    Session
			portsJSON               string
			containerID, name, host sql.NullString
			status                  sql.NullString
			predefined              int
			createdAt, updatedAt    int64
		)
		if err := rows.Scan(&sess.ID, &sess.DeviceID, &sess.AndroidVersion, &containerID, &name,
			&portsJSON, &predefined, &host, &status, &createdAt, &updatedAt); err != nil {
			return pkgerrors.Wrap(err, "session: scan session failed")
		}
		if err := json.Unmarshal([]byte(portsJSON), &sess.Ports); err != nil {
			return pkgerrors.Wrapf(err, "session: decode ports of %s failed", sess.ID)
		}
		sess.ContainerID = containerID.String
		sess.ContainerName = name.String
		sess.Host = host.String
		sess.Status = adb.Outcome(status.String)
		sess.Predefined = predefined != 0
		sess.CreatedAt = time.Unix(0, createdAt).UTC()
		sess.UpdatedAt = time.Unix(0, updatedAt).UTC()
		s.sessions[sess.ID] = sess
	}
	return pkgerrors.Wrap(rows.Err(), "session: iterate sessions failed")
}

func (s *Store) persist(ctx context.Context, sess Session) error {
	if s.db == nil {
		return nil
	}
	portsJSON, err := json.Marshal(sess.Ports)
	if err != nil {
		return pkgerrors.Wrap(err, "session: encode ports failed")
	}
	predefined := 0
	if sess.Predefined {
		predefined = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (id, device_id, android_version, container_id,
		container_name, ports, predefined, host, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id=excluded.device_id, android_version=excluded.android_version,
			container_id=excluded.container_id, container_name=excluded.container_name,
			ports=excluded.ports, predefined=excluded.predefined, host=excluded.host,
			status=excluded.status, updated_at=excluded.updated_at`,
		sess.ID, sess.DeviceID, sess.AndroidVersion, sess.ContainerID, sess.ContainerName,
		string(portsJSON), predefined, sess.Host, string(sess.Status),
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano())
	return pkgerrors.Wrap(err, "session: sqlite upsert failed")
}

// Put inserts or replaces a session.
func (s *Store) Put(ctx context.Context, sess Session) (Session, error) {
	now := s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(ctx, sess); err != nil {
		return Session{}, err
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// Get returns the session with id.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// Has reports whether id is registered.
func (s *Store) Has(id string) bool {
	_, err := s.Get(id)
	return err == nil
}

// SetStatus records the latest adb outcome of a session.
func (s *Store) SetStatus(ctx context.Context, id string, status adb.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Status = status
	sess.UpdatedAt = s.now().UTC()
	if err := s.persist(ctx, sess); err != nil {
		return err
	}
	s.sessions[id] = sess
	return nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	if s.db != nil {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return pkgerrors.Wrap(err, "session: sqlite delete failed")
		}
	}
	delete(s.sessions, id)
	return nil
}

// List returns every session, oldest first.
func (s *Store) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ContainerIDs returns the ids of containers backing sessions.
func (s *Store) ContainerIDs() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]bool, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.ContainerID != "" {
			ids[sess.ContainerID] = true
		}
	}
	return ids
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return pkgerrors.Wrap(s.db.Close(), "session: close sqlite failed")
}
