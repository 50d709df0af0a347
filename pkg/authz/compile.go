// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Field names used in ConfigError.
const (
	fieldRequiredRoles    = "required role"
	fieldBlacklistedRoles = "blacklisted role"
	fieldAccessTiers      = "access tier"
)

var errEmptyField = errors.New("empty field")

// Compile parses and normalizes the raw rule configuration.
// It fails with a *ConfigError when any spec is malformed.
func Compile(spec RuleSpec) (*Rules, error) {
	rules := &Rules{
		RequiredGroups:    normalizeGroups(spec.RequiredGroups),
		BlacklistedGroups: normalizeGroups(spec.BlacklistedGroups),
	}

	var defaultGroup string
	if len(rules.RequiredGroups) > 0 {
		defaultGroup = rules.RequiredGroups[0]
	}

	var err error
	rules.RequiredRoles, err = compileRoles(fieldRequiredRoles, spec.RequiredRoles, defaultGroup)
	if err != nil {
		return nil, err
	}
	rules.BlacklistedRoles, err = compileRoles(fieldBlacklistedRoles, spec.BlacklistedRoles, defaultGroup)
	if err != nil {
		return nil, err
	}
	rules.AccessTiers, err = compileTiers(spec.AccessTiers)
	if err != nil {
		return nil, err
	}

	rules.FetchGroups = fetchGroups(rules)
	return rules, nil
}

func compileRoles(field string, specs []string, defaultGroup string) ([]RoleRule, error) {
	var out []RoleRule
	for _, raw := range specs {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		rule, err := parseRole(s, defaultGroup)
		if err != nil {
			return nil, &ConfigError{Field: field, Spec: raw, Err: err}
		}
		out = append(out, rule)
	}
	return out, nil
}

// parseRole parses a "[GroupID:]RoleID" spec.
func parseRole(s, defaultGroup string) (RoleRule, error) {
	parts := strings.Split(s, ruleSeparator)
	switch len(parts) {
	case 1:
		if defaultGroup == "" {
			return RoleRule{}, ErrNoDefaultGroup
		}
		return RoleRule{Role: parts[0], Group: defaultGroup}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return RoleRule{}, errEmptyField
		}
		return RoleRule{Role: parts[1], Group: parts[0]}, nil
	default:
		return RoleRule{}, fmt.Errorf("expected [group%[1]s]role, got %d separators", ruleSeparator, len(parts)-1)
	}
}

func compileTiers(specs []string) ([]TierRule, error) {
	var out []TierRule
	for _, raw := range specs {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		rule, err := parseTier(s)
		if err != nil {
			return nil, &ConfigError{Field: fieldAccessTiers, Spec: raw, Err: err}
		}
		out = append(out, rule)
	}
	return out, nil
}

// parseTier parses a "GroupID:TierName" or "GroupID:RoleID:TierName" spec.
func parseTier(s string) (TierRule, error) {
	parts := strings.Split(s, ruleSeparator)
	var rule TierRule
	switch len(parts) {
	case 2:
		rule = TierRule{Group: parts[0], Tier: parts[1]}
	case 3:
		if parts[1] == "" {
			return TierRule{}, errEmptyField
		}
		rule = TierRule{Group: parts[0], Role: parts[1], Tier: parts[2]}
	default:
		return TierRule{}, fmt.Errorf("expected 1 or 2 separators, got %d", len(parts)-1)
	}
	if rule.Group == "" || rule.Tier == "" {
		return TierRule{}, errEmptyField
	}
	return rule, nil
}

func normalizeGroups(groups []string) []string {
	var out []string
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" || slices.Contains(out, g) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// fetchGroups collects every group referenced by a role or tier rule, in first-seen order.
func fetchGroups(rules *Rules) []string {
	var out []string
	add := func(g string) {
		if !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	for _, r := range rules.RequiredRoles {
		add(r.Group)
	}
	for _, r := range rules.BlacklistedRoles {
		add(r.Group)
	}
	for _, r := range rules.AccessTiers {
		add(r.Group)
	}
	return out
}
