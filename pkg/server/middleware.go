// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"

	"github.com/stacklok/guildgate/pkg/access"
	"github.com/stacklok/guildgate/pkg/logger"
)

type identityContextKey struct{}

// Identity is the authorized user of a request.
type Identity struct {
	UserID   string
	Username string
	Tier     string
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity stored by RequireAccess.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// TierFromContext returns the access tier stored by RequireAccess. It is
// empty when the user matched no tier.
func TierFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.Tier
}

// RequireAccess gates next behind the access check. Unauthorized requests are
// redirected to the check's redirect target, or rejected with 403 when there
// is none. Authorized requests carry an Identity in their context.
func RequireAccess(checker *access.Checker, sessions *Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, existing, err := sessions.Load(r)
			if err != nil {
				logger.Errorw("failed to load session", "error", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			result := checker.CheckAccess(r.Context(), sess)
			if existing {
				if err := sessions.Save(w, r, sess); err != nil {
					logger.Warnw("failed to persist session after access check", "error", err)
				}
			}

			if !result.Authorized {
				if result.Redirect == "" {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
				http.Redirect(w, r, result.Redirect, http.StatusFound)
				return
			}

			ctx := WithIdentity(r.Context(), Identity{
				UserID:   sess.UserID,
				Username: sess.Username,
				Tier:     result.Tier,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAccess is the package-level RequireAccess bound to the server's
// checker and sessions.
func (s *Server) RequireAccess(next http.Handler) http.Handler {
	return RequireAccess(s.checker, s.sessions)(next)
}
