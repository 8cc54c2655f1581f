// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the mcpden daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcpden/mcpden/cmd/mcpden/app"
	"github.com/mcpden/mcpden/pkg/logger"
)

func main() {
	// Create a context that will be canceled on shutdown signals.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
