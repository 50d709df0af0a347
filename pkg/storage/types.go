// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage persists sessions between requests.
package storage

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=types.go Store

import (
	"context"

	"github.com/stacklok/guildgate/pkg/session"
)

// Store persists whole sessions keyed by session ID.
type Store interface {
	// Get returns the session with the given ID or ErrNotFound.
	// The returned value is a copy the caller may modify.
	Get(ctx context.Context, id string) (*session.Session, error)

	// Save creates or replaces the session and resets its TTL.
	Save(ctx context.Context, sess *session.Session) error

	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
