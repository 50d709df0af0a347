// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the guildgate command-line application.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/guildgate/pkg/config"
	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/versions"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "guildgate",
		DisableAutoGenTag: true,
		Short:             "Gate web applications behind Discord guild membership",
		Long: `guildgate logs users in with Discord and decides, from the guilds they belong to
and the roles they hold there, whether they may use the applications behind it.

It serves the login handshake and a forward-auth endpoint that reverse proxies
such as nginx, Traefik or Caddy consult before passing a request on.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file for syntax and semantic errors.

Secrets supplied through the environment are applied before validation, so
run this with the same environment the server will see.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration is valid")
			fmt.Fprintf(out, "  Public URL: %s\n", cfg.Server.PublicURL)
			fmt.Fprintf(out, "  Callback: %s\n", cfg.RedirectURL())
			fmt.Fprintf(out, "  Required guilds: %d\n", len(cfg.Access.RequiredGuilds))
			fmt.Fprintf(out, "  Access tiers: %d\n", len(cfg.Access.AccessTiers))
			fmt.Fprintf(out, "  Session storage: %s\n", cfg.Storage.Type)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of guildgate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			out := cmd.OutOrStdout()

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Fprintf(out, "guildgate %s\n", info.Version)
			fmt.Fprintf(out, "Commit: %s\n", info.Commit)
			fmt.Fprintf(out, "Built: %s\n", info.BuildDate)
			fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "Platform: %s\n", info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}

func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infow("loading configuration", "path", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}
