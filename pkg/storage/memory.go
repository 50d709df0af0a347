// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/session"
)

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryStore keeps sessions in a map. It is safe for concurrent use and
// suited to single-replica deployments; sessions are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*timedEntry[*session.Session]

	ttl             time.Duration
	cleanupInterval time.Duration
	clock           clock.WithTicker

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithSessionTTL sets how long a session lives after its last save.
func WithSessionTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.ttl = ttl
	}
}

// WithCleanupInterval sets how often expired sessions are dropped.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// WithClock sets the clock used for expiry.
func WithClock(c clock.WithTicker) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.clock = c
	}
}

// NewMemoryStore creates a MemoryStore and starts its cleanup loop.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		sessions:        make(map[string]*timedEntry[*session.Session]),
		ttl:             DefaultSessionTTL,
		cleanupInterval: DefaultCleanupInterval,
		clock:           clock.RealClock{},
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()
	return s
}

// Get returns a copy of the stored session.
func (s *MemoryStore) Get(_ context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[id]
	if !ok || !s.clock.Now().Before(entry.expiresAt) {
		return nil, ErrNotFound
	}
	return entry.value.Clone(), nil
}

// Save stores a copy of the session.
func (s *MemoryStore) Save(_ context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = &timedEntry[*session.Session]{
		value:     sess.Clone(),
		expiresAt: s.clock.Now().Add(s.ttl),
	}
	return nil
}

// Delete removes the session.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// Ping always succeeds.
func (*MemoryStore) Ping(context.Context) error {
	return nil
}

// Close stops the cleanup loop.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// Len returns the number of stored sessions, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := s.clock.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C():
			s.cleanupExpired()
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	now := s.clock.Now()

	// Collect under the read lock so readers are not blocked while scanning.
	s.mu.RLock()
	var expired []string
	for id, entry := range s.sessions {
		if !now.Before(entry.expiresAt) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	removed := 0
	for _, id := range expired {
		// Re-check: the session may have been saved again since the scan.
		if entry, ok := s.sessions[id]; ok && !now.Before(entry.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	s.mu.Unlock()

	logger.Debugw("expired sessions removed", "count", removed)
}
