// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens manages the upstream credential stored on a session:
// computing its expiry, refreshing it and revoking it at logout.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/session"
	"github.com/stacklok/guildgate/pkg/upstream"
)

// ExpirySkew is subtracted from the provider's token lifetime so a token is
// refreshed slightly before the provider would reject it.
const ExpirySkew = 5 * time.Second

// ErrNoCredential is returned when the session carries no credential.
var ErrNoCredential = errors.New("session has no credential")

// ReasonLikelyRevoked is the RefreshError reason when the provider refused
// the refresh, which usually means the user revoked the grant.
const ReasonLikelyRevoked = "likely_revoked"

// RefreshError reports a failed refresh. The session is left untouched.
type RefreshError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed (%s): %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Manager owns the credential lifecycle.
type Manager struct {
	provider upstream.Provider
	clock    clock.PassiveClock
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used to stamp and check expiry.
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager creates a Manager backed by provider.
func NewManager(provider upstream.Provider, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CredentialFromTokens builds a credential from a token grant. When the
// grant carries no refresh token, previousRefresh is kept.
func (m *Manager) CredentialFromTokens(tokens *upstream.Tokens, previousRefresh string) *session.Credential {
	refresh := tokens.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return &session.Credential{
		AccessToken:  tokens.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    m.clock.Now().Add(tokens.ExpiresIn - ExpirySkew),
	}
}

// Current returns the session's credential or ErrNoCredential.
func (*Manager) Current(sess *session.Session) (*session.Credential, error) {
	if sess == nil || sess.Credential == nil || sess.Credential.AccessToken == "" {
		return nil, ErrNoCredential
	}
	return sess.Credential, nil
}

// Expired reports whether cred is past its expiry.
func (m *Manager) Expired(cred *session.Credential) bool {
	return cred.Expired(m.clock.Now())
}

// Refresh exchanges the session's refresh token for a new credential and
// swaps it into the session. On failure the session is not modified.
func (m *Manager) Refresh(ctx context.Context, sess *session.Session) (*session.Credential, error) {
	current, err := m.Current(sess)
	if err != nil {
		return nil, err
	}
	if current.RefreshToken == "" {
		return nil, &RefreshError{Reason: ReasonLikelyRevoked, Err: errors.New("no refresh token")}
	}

	tokens, err := m.provider.RefreshTokens(ctx, current.RefreshToken)
	if err != nil {
		logger.Warnw("token refresh failed", "user_id", sess.UserID, "error", err)
		return nil, &RefreshError{Reason: ReasonLikelyRevoked, Err: err}
	}

	cred := m.CredentialFromTokens(tokens, current.RefreshToken)
	sess.Credential = cred
	logger.Debugw("token refreshed", "user_id", sess.UserID, "expires_at", cred.ExpiresAt.Format(time.RFC3339))
	return cred, nil
}

// Revoke asks the provider to revoke the session's access token. It is best
// effort: failures are logged and never returned.
func (m *Manager) Revoke(ctx context.Context, sess *session.Session) {
	cred, err := m.Current(sess)
	if err != nil {
		return
	}
	if err := m.provider.RevokeToken(ctx, cred.AccessToken); err != nil {
		logger.Warnw("token revocation failed", "user_id", sess.UserID, "error", err)
		return
	}
	logger.Debugw("token revoked", "user_id", sess.UserID)
}
