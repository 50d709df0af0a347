// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/session"
	"github.com/stacklok/guildgate/pkg/storage"
)

// CookieConfig configures the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	// MaxAge is the cookie lifetime. It should match the store's session TTL.
	MaxAge time.Duration
}

// Sessions binds stored sessions to requests through a cookie holding the session ID.
type Sessions struct {
	store  storage.Store
	cookie CookieConfig
	now    func() time.Time
}

// NewSessions creates a cookie-backed session binder over store.
func NewSessions(store storage.Store, cookie CookieConfig) *Sessions {
	return &Sessions{
		store:  store,
		cookie: cookie,
		now:    time.Now,
	}
}

// Load returns the request's session. When the request carries no cookie,
// or the cookie names an unknown or expired session, a new unsaved session
// is returned and existing is false.
func (s *Sessions) Load(r *http.Request) (sess *session.Session, existing bool, err error) {
	c, err := r.Cookie(s.cookie.Name)
	if err != nil || c.Value == "" {
		return session.New(s.now()), false, nil
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		logger.Debugw("ignoring malformed session cookie")
		return session.New(s.now()), false, nil
	}

	sess, err = s.store.Get(r.Context(), c.Value)
	if errors.Is(err, storage.ErrNotFound) {
		return session.New(s.now()), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, true, nil
}

// Save persists sess and (re)issues its cookie.
func (s *Sessions) Save(w http.ResponseWriter, r *http.Request, sess *session.Session) error {
	if err := s.store.Save(r.Context(), sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie.Name,
		Value:    sess.ID,
		Path:     "/",
		MaxAge:   int(s.cookie.MaxAge.Seconds()),
		Secure:   s.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Rotate moves sess to a fresh ID, dropping the old stored copy. It is
// called when the session gains an identity.
func (s *Sessions) Rotate(ctx context.Context, sess *session.Session) {
	old := sess.ID
	sess.ID = uuid.NewString()
	if err := s.store.Delete(ctx, old); err != nil {
		logger.Warnw("failed to delete rotated session", "error", err)
	}
}

// Destroy deletes sess and expires its cookie.
func (s *Sessions) Destroy(w http.ResponseWriter, r *http.Request, sess *session.Session) error {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   s.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	if err := s.store.Delete(r.Context(), sess.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
