// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the guildgate access gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/guildgate/cmd/guildgate/app"
	"github.com/stacklok/guildgate/pkg/logger"
)

func main() {
	logger.Initialize()

	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		cancel()
		os.Exit(1)
	}
}
