// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCredential_Expired(t *testing.T) {
	t.Parallel()

	c := &Credential{ExpiresAt: epoch}
	assert.False(t, c.Expired(epoch.Add(-time.Nanosecond)))
	assert.True(t, c.Expired(epoch))
	assert.True(t, c.Expired(epoch.Add(time.Second)))
}

func TestVerdict_Fresh(t *testing.T) {
	t.Parallel()

	ttl := 300 * time.Second
	v := &Verdict{Authorized: true, ComputedAt: epoch}

	assert.True(t, v.Fresh(epoch, ttl))
	assert.True(t, v.Fresh(epoch.Add(299*time.Second), ttl))
	assert.True(t, v.Fresh(epoch.Add(300*time.Second), ttl))
	assert.False(t, v.Fresh(epoch.Add(301*time.Second), ttl))

	var missing *Verdict
	assert.False(t, missing.Fresh(epoch, ttl))
}

func TestSession_Lifecycle(t *testing.T) {
	t.Parallel()

	s := New(epoch)
	_, err := uuid.Parse(s.ID)
	require.NoError(t, err)
	assert.False(t, s.Authenticated())

	s.UserID = "u1"
	s.Username = "alice"
	s.AuthType = "discord"
	s.Credential = &Credential{AccessToken: "at", ExpiresAt: epoch.Add(time.Hour)}
	s.Verdict = &Verdict{Authorized: true, Tier: "gold", ComputedAt: epoch}
	assert.True(t, s.Authenticated())

	c := s.Clone()
	c.Credential.AccessToken = "changed"
	c.Verdict.Tier = "silver"
	assert.Equal(t, "at", s.Credential.AccessToken)
	assert.Equal(t, "gold", s.Verdict.Tier)

	id := s.ID
	s.Clear()
	assert.Equal(t, id, s.ID)
	assert.Equal(t, epoch, s.CreatedAt)
	assert.False(t, s.Authenticated())
	assert.Nil(t, s.Verdict)
	assert.Empty(t, s.UserID)

	assert.NotEqual(t, New(epoch).ID, New(epoch).ID)
}
