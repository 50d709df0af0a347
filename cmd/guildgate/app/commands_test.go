// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/guildgate/pkg/versions"
)

const validConfig = `
server:
  publicURL: https://gate.example.com
discord:
  clientID: "1234"
  clientSecret: secret
access:
  requiredGuilds: ["111"]
  accessTiers: ["111:222:gold"]
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) { //nolint:paralleltest // Uses the global viper instance
	path := filepath.Join(t.TempDir(), "guildgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "https://gate.example.com/auth/discord")
	assert.Contains(t, out, "Required guilds: 1")
}

func TestValidateCommand_Errors(t *testing.T) { //nolint:paralleltest // Uses the global viper instance
	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("server:\n  publicURL: not-a-url\n"), 0o600))

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no config flag", args: []string{"validate"}, wantErr: "no configuration file specified"},
		{name: "missing file", args: []string{"validate", "--config", filepath.Join(t.TempDir(), "nope.yaml")}, wantErr: "configuration loading failed"},
		{name: "invalid config", args: []string{"validate", "--config", invalid}, wantErr: "server.publicURL"},
	}
	for _, tt := range tests { //nolint:paralleltest // Uses the global viper instance
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVersionCommand_JSON(t *testing.T) { //nolint:paralleltest // Uses the global viper instance
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var info versions.VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, versions.GetVersionInfo(), info)
}
