// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the tokenchain command-line application.
package app

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stacklok/tokenchain/pkg/config"
	"github.com/stacklok/tokenchain/pkg/logger"
)

// NewRootCmd creates a new root command for the tokenchain CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "tokenchain",
		DisableAutoGenTag: true,
		Short:             "tokenchain runs agent services that delegate user authority by token exchange",
		Long: `tokenchain runs a chain of agent services. Each hop accepts a user's access token,
checks that it is addressed to the hop and carries the hop's required scope, and
calls the next hop with a narrower token obtained by RFC 8693 token exchange.

Configuration comes from TOKENCHAIN_* environment variables, overridden by flags.
Client secrets are only read from the environment.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorw("error displaying help", "error", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("chain", "c", "", "Path to a delegation chain YAML file")
	bindFlags(rootCmd.PersistentFlags(), "debug", "chain")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newServeAllCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// bindFlags binds the named flags into the global viper instance.
func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Errorw(fmt.Sprintf("error binding %s flag", name), "error", err)
		}
	}
}

// loadConfig loads the configuration with the flags of the running command
// layered over the environment. Subcommands share flag names, so each load
// binds into its own viper instance. Flags named in skip are not
// configuration keys for this command.
func loadConfig(cmd *cobra.Command, skip ...string) (*config.Config, error) {
	v := viper.New()
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || slices.Contains(skip, f.Name) {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil {
			bindErr = fmt.Errorf("error binding %s flag: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	return config.Load(v)
}

// addIdentityProviderFlags registers the flags every command talking to the
// identity provider shares.
func addIdentityProviderFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("issuer-base-url", "", "Identity provider base URL (default http://localhost:8080)")
	f.String("realm", "", "Identity provider realm (default tokenchain)")
	f.Bool("discovery", false, "Resolve endpoints from the realm's OpenID configuration")
	f.String("ca-cert", "", "Path to a CA certificate bundle for outbound TLS")
	f.Bool("allow-private-ip", true, "Allow outbound connections to private addresses")
	f.Bool("allow-insecure-http", false, "Allow plain http URLs (local development only)")
	f.Duration("http-timeout", 0, "Outbound HTTP timeout (default 10s)")
}

// addServeFlags registers the flags of the serving commands.
func addServeFlags(cmd *cobra.Command) {
	addIdentityProviderFlags(cmd)
	f := cmd.Flags()
	f.String("client-auth-method", "", "client_secret_post or client_secret_basic")
	f.Duration("key-cache-ttl", 0, "How long fetched signing keys are trusted (default 5m)")
	f.String("redis-address", "", "Redis address for sharing key sets between replicas")
	f.String("otlp-endpoint", "", "OTLP/HTTP collector host:port for traces")
	f.Bool("metrics", true, "Serve Prometheus metrics on /metrics")
}
