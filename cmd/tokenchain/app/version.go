// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stacklok/tokenchain/pkg/versions"
)

// newVersionCmd creates a new version command
func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of tokenchain",
		Long:  `Display detailed version information about tokenchain, including version number, git commit, build date, and Go version.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if jsonOutput {
				return printJSONVersionInfo(cmd.OutOrStdout(), info)
			}
			return printVersionInfo(cmd.OutOrStdout(), info)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}

// printVersionInfo prints the version information
func printVersionInfo(out io.Writer, info versions.VersionInfo) error {
	_, err := fmt.Fprintf(out, "tokenchain %s\nCommit: %s\nBuilt: %s\nGo version: %s\nPlatform: %s\n",
		info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
	return err
}

// printJSONVersionInfo prints the version information as JSON
func printJSONVersionInfo(out io.Writer, info versions.VersionInfo) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
