// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/guildgate/pkg/access"
	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/session"
)

// Headers set on authorized forward-auth responses.
const (
	HeaderUserID   = "X-Auth-User-Id"
	HeaderUsername = "X-Auth-Username"
	HeaderTier     = "X-Access-Tier"
)

// CheckResponse is the body of /auth/check.
type CheckResponse struct {
	Authorized bool   `json:"authorized"`
	Tier       string `json:"tier,omitempty"`
	Redirect   string `json:"redirect,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logger.Warnw("health check failed", "error", err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) error {
	sess, _, err := s.sessions.Load(r)
	if err != nil {
		return err
	}
	authURL := s.checker.AuthorizationURL(sess)
	if err := s.sessions.Save(w, r, sess); err != nil {
		return err
	}
	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) error {
	sess, existing, err := s.sessions.Load(r)
	if err != nil {
		return err
	}

	cbErr := s.checker.HandleCallback(r.Context(), sess, r.URL.Query())
	if cbErr == nil {
		s.sessions.Rotate(r.Context(), sess)
	}
	// A consumed nonce must be persisted even when the callback failed.
	if existing || cbErr == nil {
		if err := s.sessions.Save(w, r, sess); err != nil {
			return err
		}
	}
	if cbErr != nil {
		logger.Infow("login aborted",
			"session_id", sess.ID,
			"status", httperr.Code(cbErr),
			"error", cbErr,
		)
		http.Redirect(w, r, s.checker.Config().LoginRedirect, http.StatusFound)
		return nil
	}

	http.Redirect(w, r, s.cfg.PostLoginRedirect, http.StatusFound)
	return nil
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) error {
	sess, existing, err := s.sessions.Load(r)
	if err != nil {
		return err
	}
	if existing {
		s.checker.EndSession(r.Context(), sess)
		if err := s.sessions.Destroy(w, r, sess); err != nil {
			return err
		}
	}
	http.Redirect(w, r, s.checker.Config().LoginRedirect, http.StatusFound)
	return nil
}

// check answers forward-auth subrequests from a reverse proxy.
func (s *Server) check(w http.ResponseWriter, r *http.Request) error {
	sess, existing, err := s.sessions.Load(r)
	if err != nil {
		return err
	}

	result := s.checker.CheckAccess(r.Context(), sess)
	if existing {
		if err := s.sessions.Save(w, r, sess); err != nil {
			logger.Warnw("failed to persist session after access check", "error", err)
		}
	}

	status := s.statusFor(result)
	if result.Authorized {
		setIdentityHeaders(w.Header(), sess, result.Tier)
	}
	if result.Redirect != "" {
		w.Header().Set("Location", result.Redirect)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(CheckResponse{
		Authorized: result.Authorized,
		Tier:       result.Tier,
		Redirect:   result.Redirect,
	}); err != nil {
		logger.Debugw("failed to write access check response", "error", err)
	}
	return nil
}

func (s *Server) statusFor(result access.Result) int {
	switch {
	case result.Authorized:
		return http.StatusOK
	case result.LoginRequired(s.checker.Config().LoginRedirect):
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

func setIdentityHeaders(h http.Header, sess *session.Session, tier string) {
	h.Set(HeaderUserID, sess.UserID)
	h.Set(HeaderUsername, sess.Username)
	if tier != "" {
		h.Set(HeaderTier, tier)
	}
}
