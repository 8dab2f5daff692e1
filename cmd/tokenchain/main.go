// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the tokenchain CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/tokenchain/cmd/tokenchain/app"
	"github.com/stacklok/tokenchain/pkg/logger"
)

func main() {
	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorw("error executing command", "error", err)
		cancel()
		os.Exit(1)
	}
}
