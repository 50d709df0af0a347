// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz decides whether a user may access the protected resource
// based on their group and role membership at the upstream provider.
//
// Rules are compiled once from operator configuration with [Compile] and are
// immutable afterwards. [Evaluate] is a pure function of the compiled rules
// and a [Membership] snapshot fetched from the provider.
package authz

import (
	"errors"
	"fmt"
)

// ruleSeparator separates the fields of role and tier specs.
const ruleSeparator = ":"

// ErrNoDefaultGroup is returned when a role spec omits its group and no
// required group is configured to default to.
var ErrNoDefaultGroup = errors.New("no required group configured to qualify role")

// RoleRule is a role held within a specific group.
type RoleRule struct {
	// Role is the provider role ID.
	Role string
	// Group is the provider group (guild) ID the role belongs to.
	Group string
}

// String returns the rule in its config form.
func (r RoleRule) String() string {
	return r.Group + ruleSeparator + r.Role
}

// TierRule maps membership to a named access tier.
type TierRule struct {
	// Role is the role that must be held. Empty means group membership alone matches.
	Role string
	// Group is the group the user must be a member of.
	Group string
	// Tier is the access tier name returned when the rule matches.
	Tier string
}

// HasRole reports whether the rule requires a role.
func (r TierRule) HasRole() bool {
	return r.Role != ""
}

// RuleSpec holds the raw, uncompiled rule configuration.
type RuleSpec struct {
	// RequiredGroups lists groups of which the user must belong to at least one.
	// The first entry qualifies role specs that do not name a group.
	RequiredGroups []string
	// BlacklistedGroups lists groups whose members are always denied.
	BlacklistedGroups []string
	// RequiredRoles lists "[GroupID:]RoleID" specs of which the user must hold at least one.
	RequiredRoles []string
	// BlacklistedRoles lists "[GroupID:]RoleID" specs whose holders are always denied.
	BlacklistedRoles []string
	// AccessTiers lists "GroupID:TierName" or "GroupID:RoleID:TierName" specs in precedence order.
	AccessTiers []string
}

// Rules is the compiled, normalized rule set.
type Rules struct {
	RequiredGroups    []string
	BlacklistedGroups []string
	RequiredRoles     []RoleRule
	BlacklistedRoles  []RoleRule
	AccessTiers       []TierRule

	// FetchGroups is every group whose member roles are needed to evaluate the rules.
	FetchGroups []string
}

// ConfigError describes a rule spec that cannot be compiled.
type ConfigError struct {
	// Field is the configuration field the spec came from.
	Field string
	// Spec is the offending spec string.
	Spec string
	// Err is the underlying reason.
	Err error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s entry %q: %v", e.Field, e.Spec, e.Err)
}

// Unwrap returns the underlying reason.
func (e *ConfigError) Unwrap() error {
	return e.Err
}
