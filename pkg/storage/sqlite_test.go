// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func newTestSQLiteStore(t *testing.T, opts ...SQLiteStoreOption) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLiteStore(t.Context(), path, time.Hour, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestSQLiteStore_Contract(t *testing.T) {
	t.Parallel()

	store, _ := newTestSQLiteStore(t)
	storeContract(t, store)
}

func TestSQLiteStore_Expiry(t *testing.T) {
	t.Parallel()

	fc := clocktesting.NewFakeClock(epoch)
	store, _ := newTestSQLiteStore(t, WithSQLiteClock(fc), WithSQLiteCleanupInterval(90*time.Minute))
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	ctx := context.Background()

	sess := testSession()
	require.NoError(t, store.Save(ctx, sess))

	fc.Step(59 * time.Minute)
	_, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)

	fc.Step(time.Minute)
	_, err = store.Get(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNotFound)

	n, err := store.deleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "sessions.db")
	first, err := NewSQLiteStore(ctx, path, time.Hour)
	require.NoError(t, err)
	sess := testSession()
	require.NoError(t, first.Save(ctx, sess))
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	// Migrations are already applied; reopening must not fail.
	second, err := NewSQLiteStore(ctx, path, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "gold", got.Verdict.Tier)
}

func TestSQLiteStore_CorruptValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, _ := newTestSQLiteStore(t)
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO sessions (id, data, expires_at) VALUES ('bad', 'not json', ?)`,
		time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	_, err = store.Get(ctx, "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "failed to decode session")
}

func TestNewSQLiteStore_BadPath(t *testing.T) {
	t.Parallel()

	_, err := NewSQLiteStore(t.Context(), filepath.Join(t.TempDir(), "missing", "dir", "sessions.db"), time.Hour)
	require.Error(t, err)
}
