// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_RoleSpecs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		spec      RuleSpec
		wantRoles []RoleRule
		wantErr   error
		errMsg    string
	}{
		{
			name: "unqualified role defaults to first required group",
			spec: RuleSpec{
				RequiredGroups: []string{"g1", "g2"},
				RequiredRoles:  []string{"r1"},
			},
			wantRoles: []RoleRule{{Role: "r1", Group: "g1"}},
		},
		{
			name: "qualified role keeps its group",
			spec: RuleSpec{
				RequiredRoles: []string{"g9:r1"},
			},
			wantRoles: []RoleRule{{Role: "r1", Group: "g9"}},
		},
		{
			name: "whitespace and empty entries are ignored",
			spec: RuleSpec{
				RequiredGroups: []string{" g1 ", ""},
				RequiredRoles:  []string{"  r1 ", "", "g2:r2"},
			},
			wantRoles: []RoleRule{{Role: "r1", Group: "g1"}, {Role: "r2", Group: "g2"}},
		},
		{
			name: "unqualified role without required groups",
			spec: RuleSpec{
				RequiredRoles: []string{"r1"},
			},
			wantErr: ErrNoDefaultGroup,
		},
		{
			name: "two separators in role spec",
			spec: RuleSpec{
				RequiredGroups: []string{"g1"},
				RequiredRoles:  []string{"g1:r1:extra"},
			},
			errMsg: "2 separators",
		},
		{
			name: "empty group in role spec",
			spec: RuleSpec{
				RequiredRoles: []string{":r1"},
			},
			wantErr: errEmptyField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rules, err := Compile(tt.spec)
			if tt.wantErr != nil || tt.errMsg != "" {
				require.Error(t, err)
				var cfgErr *ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, fieldRequiredRoles, cfgErr.Field)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.Nil(t, rules)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRoles, rules.RequiredRoles)
		})
	}
}

func TestCompile_BlacklistedRolesUseDefaultGroup(t *testing.T) {
	t.Parallel()

	rules, err := Compile(RuleSpec{
		RequiredGroups:   []string{"g1"},
		BlacklistedRoles: []string{"banned", "g2:muted"},
	})
	require.NoError(t, err)
	assert.Equal(t, []RoleRule{
		{Role: "banned", Group: "g1"},
		{Role: "muted", Group: "g2"},
	}, rules.BlacklistedRoles)

	_, err = Compile(RuleSpec{BlacklistedRoles: []string{"banned"}})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, fieldBlacklistedRoles, cfgErr.Field)
	assert.ErrorIs(t, err, ErrNoDefaultGroup)
}

func TestCompile_TierSpecs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		tiers     []string
		wantTiers []TierRule
		wantErr   bool
	}{
		{
			name:      "group and tier",
			tiers:     []string{"g1:silver"},
			wantTiers: []TierRule{{Group: "g1", Tier: "silver"}},
		},
		{
			name:      "group role and tier",
			tiers:     []string{"g1:r1:gold"},
			wantTiers: []TierRule{{Group: "g1", Role: "r1", Tier: "gold"}},
		},
		{
			name:  "order is preserved",
			tiers: []string{"g1:r1:gold", "g1:silver", "g2:bronze"},
			wantTiers: []TierRule{
				{Group: "g1", Role: "r1", Tier: "gold"},
				{Group: "g1", Tier: "silver"},
				{Group: "g2", Tier: "bronze"},
			},
		},
		{name: "no separator", tiers: []string{"gold"}, wantErr: true},
		{name: "three separators", tiers: []string{"g1:r1:x:gold"}, wantErr: true},
		{name: "empty tier", tiers: []string{"g1:"}, wantErr: true},
		{name: "empty role", tiers: []string{"g1::gold"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rules, err := Compile(RuleSpec{AccessTiers: tt.tiers})
			if tt.wantErr {
				var cfgErr *ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, fieldAccessTiers, cfgErr.Field)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.wantTiers, rules.AccessTiers); diff != "" {
				t.Errorf("AccessTiers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompile_FetchGroups(t *testing.T) {
	t.Parallel()

	rules, err := Compile(RuleSpec{
		RequiredGroups:    []string{"g1", "g1", "g5"},
		BlacklistedGroups: []string{"g6"},
		RequiredRoles:     []string{"r1", "g2:r2"},
		BlacklistedRoles:  []string{"g3:r3", "g1:r4"},
		AccessTiers:       []string{"g4:r5:gold", "g2:silver"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"g1", "g5"}, rules.RequiredGroups)
	assert.Equal(t, []string{"g1", "g2", "g3", "g4"}, rules.FetchGroups)
}

func TestCompile_Empty(t *testing.T) {
	t.Parallel()

	rules, err := Compile(RuleSpec{})
	require.NoError(t, err)
	assert.Empty(t, rules.RequiredGroups)
	assert.Empty(t, rules.FetchGroups)
}
