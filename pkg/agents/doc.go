// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package agents holds the services that run behind each hop of the default
// delegation chain. Their business data is fixed placeholder content; what
// matters is which hop serves which route and with what identity.
package agents
