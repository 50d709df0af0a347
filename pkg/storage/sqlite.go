// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"k8s.io/utils/clock"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/session"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const sqliteBusyTimeout = 5 * time.Second

// SQLiteStore keeps sessions in a SQLite database file so they survive
// restarts of a single-replica deployment.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration

	cleanupInterval time.Duration
	clock           clock.WithTicker

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// SQLiteStoreOption configures a SQLiteStore.
type SQLiteStoreOption func(*SQLiteStore)

// WithSQLiteClock sets the clock used for expiry.
func WithSQLiteClock(c clock.WithTicker) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.clock = c
	}
}

// WithSQLiteCleanupInterval sets how often expired rows are deleted.
func WithSQLiteCleanupInterval(interval time.Duration) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.cleanupInterval = interval
	}
}

// NewSQLiteStore opens (creating if needed) the database at path, applies
// pending migrations and starts the cleanup loop.
func NewSQLiteStore(ctx context.Context, path string, ttl time.Duration, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:              db,
		ttl:             ttl,
		cleanupInterval: DefaultCleanupInterval,
		clock:           clock.RealClock{},
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Infow("sqlite session store opened", "path", path)
	go s.cleanupLoop()
	return s, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// runMigrations applies all pending schema migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Get loads and decodes an unexpired session.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*session.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE id = ? AND expires_at > ?`,
		id, s.clock.Now().UnixMilli(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

// Save upserts the session and resets its TTL.
func (s *SQLiteStore) Save(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session ID is required")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, data, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`,
		sess.ID, data, s.clock.Now().Add(s.ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the session.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the cleanup loop and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := s.clock.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C():
			if _, err := s.deleteExpired(context.Background()); err != nil {
				logger.Warnw("failed to delete expired sessions", "error", err)
			}
		}
	}
}

func (s *SQLiteStore) deleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, s.clock.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Debugw("deleted expired sessions", "count", n)
	}
	return n, nil
}
