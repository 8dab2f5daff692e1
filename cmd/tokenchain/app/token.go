// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/tokenchain/pkg/auth/scope"
	"github.com/stacklok/tokenchain/pkg/idp"
	"github.com/stacklok/tokenchain/pkg/networking"
)

const (
	defaultUserClientID = "user-web-app"
	defaultUserScope    = "openid profile email financial:read tax:process"

	// #nosec G101 - environment variable names, not credentials
	userPasswordEnvVar     = "TOKENCHAIN_USER_PASSWORD"
	userClientSecretEnvVar = "TOKENCHAIN_USER_CLIENT_SECRET"
)

type tokenFlags struct {
	username   string
	clientID   string
	scope      string
	jsonOutput bool
}

type tokenOutput struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
	Scope       string    `json:"scope,omitempty"`
}

// tokenLocalFlags describe the user's login, not the hop's configuration.
var tokenLocalFlags = []string{"username", "client-id", "scope", "json"}

func newTokenCmd() *cobra.Command {
	flags := &tokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain a user access token with the password grant",
		Long: `Obtain a user access token to call the first hop with, using the resource owner
password grant. This is meant for local testing against a development realm.

The password is read from TOKENCHAIN_USER_PASSWORD and the user client's
secret, if any, from TOKENCHAIN_USER_CLIENT_SECRET.`,
		Example: `  TOKENCHAIN_USER_PASSWORD=... tokenchain token --username alice --allow-insecure-http`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToken(cmd, flags, cmd.OutOrStdout())
		},
	}
	addIdentityProviderFlags(cmd)
	cmd.Flags().StringVar(&flags.username, "username", "", "User to authenticate as")
	cmd.Flags().StringVar(&flags.clientID, "client-id", defaultUserClientID, "Public client the user logs in with")
	cmd.Flags().StringVar(&flags.scope, "scope", defaultUserScope, "Scopes to request")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "Print the token response as JSON")
	return cmd
}

func runToken(cmd *cobra.Command, flags *tokenFlags, out io.Writer) error {
	if flags.username == "" {
		return errors.New("--username is required")
	}
	cfg, err := loadConfig(cmd, tokenLocalFlags...)
	if err != nil {
		return err
	}

	client, err := networking.NewHTTPClientBuilder().
		WithTimeout(cfg.HTTPTimeout).
		WithCABundle(cfg.CACertPath).
		WithPrivateIPs(cfg.AllowPrivateIP).
		WithInsecureHTTP(cfg.AllowInsecureHTTP).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build HTTP client: %w", err)
	}
	endpoints, err := cfg.Endpoints(cmd.Context(), client)
	if err != nil {
		return err
	}

	tok, err := idp.PasswordToken(cmd.Context(), client, endpoints, idp.PasswordGrant{
		ClientID:     flags.clientID,
		ClientSecret: os.Getenv(userClientSecretEnvVar),
		Username:     flags.username,
		Password:     os.Getenv(userPasswordEnvVar),
		Scope:        scope.Parse(flags.scope),
	})
	if err != nil {
		return err
	}

	if !flags.jsonOutput {
		_, err = fmt.Fprintln(out, tok.AccessToken)
		return err
	}
	granted, _ := tok.Extra("scope").(string)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenOutput{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Expiry:      tok.Expiry,
		Scope:       granted,
	})
}
