// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/session"
)

// Reasons a callback is aborted. The session is left unauthenticated. Each
// carries an HTTP status classifying the failure.
var (
	ErrMissingState = httperr.WithCode(
		errors.New("no authorization pending for this session"), http.StatusBadRequest)
	ErrStateMismatch = httperr.WithCode(
		errors.New("state parameter does not match"), http.StatusBadRequest)
	ErrAuthorizationDenied = httperr.WithCode(
		errors.New("user denied authorization"), http.StatusForbidden)
	ErrProviderError = httperr.WithCode(
		errors.New("provider returned an error"), http.StatusBadGateway)
	ErrMissingCode = httperr.WithCode(
		errors.New("authorization code missing"), http.StatusBadRequest)
	ErrExchangeFailed = httperr.WithCode(
		errors.New("authorization code exchange failed"), http.StatusBadGateway)
	ErrUserLookupFailed = httperr.WithCode(
		errors.New("user lookup failed"), http.StatusBadGateway)
	ErrNoIdentity = httperr.WithCode(
		errors.New("provider returned no user identity"), http.StatusBadGateway)
)

const errorAccessDenied = "access_denied"

// AuthorizationURL starts a login: it stores a fresh state nonce on the
// session and returns the provider URL to redirect the user to.
func (c *Checker) AuthorizationURL(sess *session.Session) string {
	sess.State = uuid.NewString()
	return c.provider.AuthorizationURL(sess.State)
}

// HandleCallback completes a login from the provider's redirect query. On
// success the session carries the user's identity and credential and any
// previous verdict is dropped. On failure the returned error names the abort
// reason and the session holds no pending nonce.
func (c *Checker) HandleCallback(ctx context.Context, sess *session.Session, query url.Values) error {
	expected := sess.State
	sess.State = ""

	if expected == "" {
		logger.Warnw("authorization callback without a pending login", "session_id", sess.ID)
		return ErrMissingState
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(query.Get("state"))) != 1 {
		logger.Warnw("authorization callback state mismatch", "session_id", sess.ID)
		return ErrStateMismatch
	}

	if providerErr := query.Get("error"); providerErr != "" {
		if providerErr == errorAccessDenied {
			logger.Debugw("user denied authorization", "session_id", sess.ID)
			return ErrAuthorizationDenied
		}
		logger.Warnw("provider returned an authorization error",
			"error", providerErr,
			"error_description", query.Get("error_description"),
		)
		return fmt.Errorf("%w: %s", ErrProviderError, providerErr)
	}

	code := query.Get("code")
	if code == "" {
		logger.Warnw("authorization callback without a code", "session_id", sess.ID)
		return ErrMissingCode
	}

	grant, err := c.provider.ExchangeCode(ctx, code)
	if err != nil {
		logger.Warnw("authorization code exchange failed", "error", err)
		return fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	user, err := c.provider.CurrentUser(ctx, grant.AccessToken)
	if err != nil {
		logger.Warnw("failed to look up authenticated user", "error", err)
		return fmt.Errorf("%w: %w", ErrUserLookupFailed, err)
	}
	if user == nil || user.ID == "" {
		return ErrNoIdentity
	}

	sess.UserID = user.ID
	sess.Username = user.Username
	sess.AuthType = c.provider.Name()
	sess.Credential = c.tokens.CredentialFromTokens(grant, "")
	sess.Verdict = nil

	logger.Infow("user logged in", "user_id", user.ID, "username", user.Username, "display_name", user.DisplayName())
	return nil
}

// EndSession logs the user out: the access token is revoked (best effort)
// and the session is cleared.
func (c *Checker) EndSession(ctx context.Context, sess *session.Session) {
	if sess.UserID != "" {
		logger.Infow("user logged out", "user_id", sess.UserID)
	}
	c.tokens.Revoke(ctx, sess)
	sess.Clear()
}
