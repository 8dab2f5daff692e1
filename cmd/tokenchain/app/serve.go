// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/tokenchain/pkg/api"
	"github.com/stacklok/tokenchain/pkg/config"
	"github.com/stacklok/tokenchain/pkg/logger"
	"github.com/stacklok/tokenchain/pkg/telemetry"
	"github.com/stacklok/tokenchain/pkg/versions"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve one hop of the delegation chain",
		Long: `Serve one hop of the delegation chain.

The hop's client id, required scope and next hop come from the chain. An
intermediate hop needs TOKENCHAIN_CLIENT_SECRET and the URL of the next hop.`,
		Example: `  TOKENCHAIN_CLIENT_SECRET=... tokenchain serve --hop planner \
    --next-hop-url http://localhost:8002/optimize --allow-insecure-http`,
		RunE: runServe,
	}
	addServeFlags(cmd)
	f := cmd.Flags()
	f.String("hop", "", "Name of the hop to serve")
	f.String("client-id", "", "Override the hop's client id")
	f.String("listen-address", "", "Listen address (default from the agent catalog)")
	f.String("next-hop-url", "", "URL of the next hop's entry route")
	f.String("resource-url", "", "Resource identifier advertised in protected resource metadata")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Debugw("loaded configuration", "config", cfg.String())

	providers, err := newProviders(ctx, cfg, "tokenchain-"+cfg.Hop)
	if err != nil {
		return err
	}
	defer shutdownProviders(providers, cfg)

	server, err := api.NewHopServer(ctx, cfg, providers.MetricsHandler())
	if err != nil {
		return err
	}
	return server.Run(ctx)
}

func newProviders(ctx context.Context, cfg *config.Config, service string) (*telemetry.Providers, error) {
	providers, err := telemetry.NewProviders(ctx, telemetry.Config{
		ServiceName:           service,
		ServiceVersion:        versions.GetVersionInfo().Version,
		OTLPEndpoint:          cfg.OTLPEndpoint,
		Insecure:              cfg.AllowInsecureHTTP,
		SamplingRate:          1,
		MetricsEnabled:        cfg.MetricsEnabled,
		IncludeRuntimeMetrics: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry providers: %w", err)
	}
	providers.Install()
	return providers, nil
}

func shutdownProviders(providers *telemetry.Providers, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := providers.Shutdown(ctx); err != nil {
		logger.Warnw("failed to flush telemetry", "error", err)
	}
}
