// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/tokenchain/pkg/agents"
	"github.com/stacklok/tokenchain/pkg/api"
	"github.com/stacklok/tokenchain/pkg/config"
)

// serveAllLocalFlags are serve-all flags that are not configuration keys.
var serveAllLocalFlags = []string{"host"}

func newServeAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-all",
		Short: "Serve every hop of the chain in one process",
		Long: `Serve every hop of the chain in one process, each on its catalog port,
with every intermediate hop calling the next one over loopback.

Client secrets come from TOKENCHAIN_CLIENT_SECRETS as client-id=secret pairs
separated by commas.`,
		Example: `  TOKENCHAIN_CLIENT_SECRETS=agent-planner=...,agent-tax-optimizer=... \
    tokenchain serve-all --allow-insecure-http`,
		RunE: runServeAll,
	}
	addServeFlags(cmd)
	cmd.Flags().String("host", "127.0.0.1", "Host the hops listen on and call each other at")
	return cmd
}

// hopLayout returns the listen address and next hop URL of every hop.
func hopLayout(cfg *config.Config, host string) (map[string][2]string, error) {
	layout := make(map[string][2]string, len(cfg.Chain.Hops))
	for _, h := range cfg.Chain.Hops {
		agent, err := agents.ServiceFor(h.Name)
		if err != nil {
			return nil, err
		}
		next := ""
		if !h.Terminal() {
			nextAgent, err := agents.ServiceFor(h.Next.To)
			if err != nil {
				return nil, err
			}
			next = fmt.Sprintf("http://%s:%d%s", host, nextAgent.DefaultPort, nextAgent.EntryPath)
		}
		layout[h.Name] = [2]string{fmt.Sprintf("%s:%d", host, agent.DefaultPort), next}
	}
	return layout, nil
}

func runServeAll(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	base, err := loadConfig(cmd, serveAllLocalFlags...)
	if err != nil {
		return err
	}
	host, err := cmd.Flags().GetString("host")
	if err != nil {
		return err
	}
	layout, err := hopLayout(base, host)
	if err != nil {
		return err
	}

	providers, err := newProviders(ctx, base, "tokenchain")
	if err != nil {
		return err
	}
	defer shutdownProviders(providers, base)

	servers := make([]*api.HopServer, 0, len(base.Chain.Hops))
	for _, h := range base.Chain.Hops {
		hopCfg := base.ForHop(h.Name, layout[h.Name][0], layout[h.Name][1])
		server, err := api.NewHopServer(ctx, hopCfg, providers.MetricsHandler())
		if err != nil {
			for _, s := range servers {
				_ = s.Close()
			}
			return fmt.Errorf("hop %s: %w", h.Name, err)
		}
		servers = append(servers, server)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			if err := s.Run(gctx); err != nil {
				return fmt.Errorf("hop %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
