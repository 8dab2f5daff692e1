// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/stacklok/tokenchain/pkg/config"
	"github.com/stacklok/tokenchain/pkg/delegation"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the delegation chain and hop configuration",
		Long: `Validate the delegation chain given with --chain, or the built-in chain.

This command checks:
- YAML syntax and required fields
- that every link's audience is the next hop's client id
- that every link grants the next hop's required scope
- that the chain has no cycles

With --hop the configuration of that hop is validated as well.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd)
		},
	}
	cmd.Flags().String("hop", "", "Also validate the configuration of this hop")
	return cmd
}

func runValidate(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	for _, entry := range cfg.Chain.Entries() {
		path, err := cfg.Chain.Path(entry)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(path))
		for _, h := range path {
			names = append(names, fmt.Sprintf("%s (%s, requires %s)", h.Name, h.ClientID, h.RequiredScope))
		}
		if _, err := fmt.Fprintln(out, strings.Join(names, " -> ")); err != nil {
			return err
		}
	}

	if err := renderChainTable(out, cfg); err != nil {
		return err
	}

	if cfg.Hop != "" {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		if _, err := fmt.Fprintf(out, "hop %s is ready to serve on %s\n", cfg.Hop, cfg.ListenAddress); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(out, "configuration is valid")
	return err
}

// renderChainTable prints one row per hop with its outbound link.
func renderChainTable(out io.Writer, cfg *config.Config) error {
	headers := []string{"Hop", "Client ID", "Required Scope", "Next", "Audience", "Link Scope", "Narrowing"}
	table := tablewriter.NewWriter(out)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)

	for _, h := range cfg.Chain.Hops {
		row := []string{h.Name, h.ClientID, h.RequiredScope.String(), "-", "-", "-", "-"}
		if h.Next != nil {
			narrowing := string(h.Next.Narrowing)
			if narrowing == "" {
				narrowing = string(delegation.NarrowSubject)
			}
			row = []string{h.Name, h.ClientID, h.RequiredScope.String(),
				h.Next.To, h.Next.Audience, h.Next.Scope.String(), narrowing}
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
