// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=types.go Provider

// Provider is the identity provider used for login and membership lookups.
type Provider interface {
	// Name returns the provider name, used as the session auth type.
	Name() string

	// AuthorizationURL builds the URL to redirect the user to for consent.
	AuthorizationURL(state string) string

	// ExchangeCode exchanges an authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*Tokens, error)

	// RefreshTokens obtains new tokens with a refresh token.
	RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error)

	// RevokeToken revokes an access token.
	RevokeToken(ctx context.Context, accessToken string) error

	// CurrentUser returns the identity the access token belongs to.
	CurrentUser(ctx context.Context, accessToken string) (*User, error)

	// UserGroups returns the IDs of the groups the user is a member of.
	UserGroups(ctx context.Context, accessToken string) ([]string, error)

	// GroupRoles returns the role IDs userID holds in groupID.
	// It authenticates with the service credential, not the user's token.
	GroupRoles(ctx context.Context, groupID, userID string) ([]string, error)
}

// Tokens is the result of a successful token grant.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string

	// ExpiresIn is the lifetime the provider reported for the access token.
	ExpiresIn time.Duration
}

// User is the provider identity of the authenticated user.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
}

// DisplayName returns the global display name when set, else the username.
func (u *User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}
