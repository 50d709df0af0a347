// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to the identity provider that users authenticate
// against: it runs the OAuth2 authorization-code grant, refreshes and
// revokes tokens, and reads the user's identity, guilds and guild roles.
//
// Every call makes exactly one attempt. Failures are reported as
// *networking.HTTPError so callers can classify them by status code
// (including 429 with its retry-after) or as transport failures
// (StatusCode 0). Retrying is the caller's decision.
package upstream
