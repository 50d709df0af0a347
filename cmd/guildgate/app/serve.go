// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/guildgate/pkg/access"
	"github.com/stacklok/guildgate/pkg/config"
	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/networking"
	"github.com/stacklok/guildgate/pkg/server"
	"github.com/stacklok/guildgate/pkg/storage"
	"github.com/stacklok/guildgate/pkg/telemetry"
	"github.com/stacklok/guildgate/pkg/tokens"
	"github.com/stacklok/guildgate/pkg/upstream"
	"github.com/stacklok/guildgate/pkg/versions"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway with the configuration file given by --config.

The server exposes /login, the OAuth callback, /logout, /auth/check for
reverse-proxy forward authentication, /healthz and, when enabled, /metrics.`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "Listen address, overrides server.address")
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		logger.Errorf("Error binding address flag: %v", err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr := viper.GetString("address"); addr != "" {
		cfg.Server.Address = addr
	}

	telemetryProvider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if err := telemetryProvider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warnw("telemetry shutdown failed", "error", err)
		}
	}()

	provider, err := newProvider(cfg, telemetryProvider)
	if err != nil {
		return err
	}

	rules, err := cfg.Rules()
	if err != nil {
		return err
	}
	checker := access.NewChecker(rules, provider, tokens.NewManager(provider), cfg.CheckerConfig(),
		access.WithMeterProvider(telemetryProvider.MeterProvider()),
	)

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("failed to close session store", "error", err)
		}
	}()

	sessionTTL := cfg.Storage.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = storage.DefaultSessionTTL
	}

	srv := server.New(checker, store, server.Config{
		CallbackPath:      cfg.Server.CallbackPath,
		PostLoginRedirect: cfg.Server.PostLoginRedirect,
		Cookie: server.CookieConfig{
			Name:   cfg.Server.CookieName,
			Secure: cfg.Server.CookieSecure,
			MaxAge: sessionTTL,
		},
		MetricsHandler:    telemetryProvider.PrometheusHandler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	})

	logger.Infow("guildgate starting",
		"version", versions.GetVersionInfo().Version,
		"public_url", cfg.Server.PublicURL,
		"storage", cfg.Storage.Type,
	)
	return srv.Serve(ctx, cfg.Server.Address)
}

// newProvider builds the Discord provider with the outbound HTTP client and
// wraps it in telemetry.
func newProvider(cfg *config.Config, tp *telemetry.Provider) (upstream.Provider, error) {
	httpClient, err := networking.NewHttpClientBuilder().
		WithCABundle(cfg.Server.CABundle).
		WithUserAgent(versions.UserAgent()).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}

	discord, err := upstream.NewDiscordProvider(cfg.DiscordProviderConfig(), upstream.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord provider: %w", err)
	}

	provider, err := upstream.Monitor(tp.MeterProvider(), tp.TracerProvider(), discord)
	if err != nil {
		return nil, fmt.Errorf("failed to instrument Discord provider: %w", err)
	}
	return provider, nil
}
