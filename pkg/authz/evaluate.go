// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

// Reasons reported in Decision.Reason.
const (
	ReasonNotInRequiredGroup = "not a member of any required group"
	ReasonBlacklistedGroup   = "member of a blacklisted group"
	ReasonMissingRole        = "missing every required role"
	ReasonBlacklistedRole    = "holds a blacklisted role"
	ReasonAllowed            = "allowed"
)

// Membership is a point-in-time snapshot of a user's groups and the roles
// they hold in each group.
type Membership struct {
	groups map[string]struct{}
	roles  map[string]map[string]struct{}
}

// NewMembership builds a snapshot from the user's groups and their roles
// per group. Roles for groups the user is not a member of are kept but never
// match, since every rule checks group membership first.
func NewMembership(groups []string, rolesByGroup map[string][]string) *Membership {
	m := &Membership{
		groups: make(map[string]struct{}, len(groups)),
		roles:  make(map[string]map[string]struct{}, len(rolesByGroup)),
	}
	for _, g := range groups {
		m.groups[g] = struct{}{}
	}
	for g, roles := range rolesByGroup {
		set := make(map[string]struct{}, len(roles))
		for _, r := range roles {
			set[r] = struct{}{}
		}
		m.roles[g] = set
	}
	return m
}

// InGroup reports whether the user is a member of group.
func (m *Membership) InGroup(group string) bool {
	if m == nil {
		return false
	}
	_, ok := m.groups[group]
	return ok
}

// HasRole reports whether the user is a member of group and holds role in it.
func (m *Membership) HasRole(group, role string) bool {
	if !m.InGroup(group) {
		return false
	}
	_, ok := m.roles[group][role]
	return ok
}

// Decision is the outcome of one evaluation.
type Decision struct {
	// Authorized reports whether access is granted.
	Authorized bool
	// Tier is the name of the first matching access tier, empty if none matched.
	Tier string
	// Reason names the rule that decided the outcome.
	Reason string
}

// Evaluate applies the rules to a membership snapshot.
//
// Checks run in a fixed order and the first failing one denies access:
// required groups, blacklisted groups, required roles, blacklisted roles.
// When access is granted, access tiers are scanned in declaration order and
// the first matching rule names the tier.
func Evaluate(rules *Rules, m *Membership) Decision {
	if len(rules.RequiredGroups) > 0 && !anyGroup(m, rules.RequiredGroups) {
		return deny(ReasonNotInRequiredGroup)
	}

	if anyGroup(m, rules.BlacklistedGroups) {
		return deny(ReasonBlacklistedGroup)
	}

	if len(rules.RequiredRoles) > 0 && !anyRole(m, rules.RequiredRoles) {
		return deny(ReasonMissingRole)
	}

	if anyRole(m, rules.BlacklistedRoles) {
		return deny(ReasonBlacklistedRole)
	}

	return Decision{
		Authorized: true,
		Tier:       resolveTier(rules.AccessTiers, m),
		Reason:     ReasonAllowed,
	}
}

func deny(reason string) Decision {
	return Decision{Authorized: false, Reason: reason}
}

func anyGroup(m *Membership, groups []string) bool {
	for _, g := range groups {
		if m.InGroup(g) {
			return true
		}
	}
	return false
}

func anyRole(m *Membership, rules []RoleRule) bool {
	for _, r := range rules {
		if m.HasRole(r.Group, r.Role) {
			return true
		}
	}
	return false
}

// resolveTier returns the tier of the first matching rule. Order is the
// operator's precedence and must not be changed.
func resolveTier(tiers []TierRule, m *Membership) string {
	for _, t := range tiers {
		if t.HasRole() {
			if m.HasRole(t.Group, t.Role) {
				return t.Tier
			}
			continue
		}
		if m.InGroup(t.Group) {
			return t.Tier
		}
	}
	return ""
}
