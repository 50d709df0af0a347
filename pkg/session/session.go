// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session holds the per-user state carried between requests: the
// login identity, the upstream credential and the cached access verdict.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Credential is an upstream bearer token. It is replaced wholesale on
// refresh and never mutated in place.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the credential must be refreshed before use.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Verdict is a cached authorization decision.
type Verdict struct {
	Authorized bool      `json:"authorized"`
	Tier       string    `json:"tier,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

// Fresh reports whether the verdict is younger than ttl.
func (v *Verdict) Fresh(now time.Time, ttl time.Duration) bool {
	if v == nil {
		return false
	}
	return now.Sub(v.ComputedAt) <= ttl
}

// Session is the state of one browser session.
type Session struct {
	ID string `json:"id"`

	// State is the pending authorization nonce, set between login and callback.
	State string `json:"state,omitempty"`

	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	AuthType string `json:"auth_type,omitempty"`

	Credential *Credential `json:"credential,omitempty"`
	Verdict    *Verdict    `json:"verdict,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// New returns an empty session with a random ID.
func New(now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
	}
}

// Authenticated reports whether the session carries an identity and a credential.
func (s *Session) Authenticated() bool {
	return s.UserID != "" && s.Credential != nil
}

// Clear drops everything but the session ID, logging the user out.
func (s *Session) Clear() {
	*s = Session{ID: s.ID, CreatedAt: s.CreatedAt}
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Credential != nil {
		cred := *s.Credential
		c.Credential = &cred
	}
	if s.Verdict != nil {
		v := *s.Verdict
		c.Verdict = &v
	}
	return &c
}
