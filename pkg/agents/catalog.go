// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/tokenchain/pkg/hop"
)

// ErrUnknownAgent is returned for names the catalog lacks.
var ErrUnknownAgent = errors.New("unknown agent")

// Route binds a Service to an HTTP route of an agent.
type Route struct {
	Method  string
	Path    string
	Service hop.Service
}

// Agent is one deployable service.
type Agent struct {
	// Name matches the hop name in the delegation chain.
	Name        string
	ClientID    string
	DefaultPort int
	// EntryPath is the route the previous hop calls.
	EntryPath string
	Routes    []Route
}

// Catalog returns every known agent.
func Catalog() []Agent {
	return []Agent{
		{
			Name:        "planner",
			ClientID:    "agent-planner",
			DefaultPort: 8001,
			EntryPath:   "/generate-plan",
			Routes: []Route{
				{Method: http.MethodPost, Path: "/generate-plan", Service: Planner{}},
				{Method: http.MethodPost, Path: "/api/plan", Service: Planner{}},
			},
		},
		{
			Name:        "tax-optimizer",
			ClientID:    "agent-tax-optimizer",
			DefaultPort: 8002,
			EntryPath:   "/optimize",
			Routes: []Route{
				{Method: http.MethodPost, Path: "/optimize", Service: Optimizer{}},
			},
		},
		{
			Name:        "calculator",
			ClientID:    "agent-calculator",
			DefaultPort: 8003,
			EntryPath:   "/api/calculate",
			Routes: []Route{
				{Method: http.MethodPost, Path: "/api/calculate", Service: Calculator{}},
				{Method: http.MethodGet, Path: "/api/tax/brackets", Service: TaxTableFragment(FragmentBrackets)},
				{Method: http.MethodGet, Path: "/api/tax/rates", Service: TaxTableFragment(FragmentRates)},
				{Method: http.MethodGet, Path: "/api/tax/deductions", Service: TaxTableFragment(FragmentDeductions)},
				{Method: http.MethodGet, Path: "/api/tax/credits", Service: TaxTableFragment(FragmentCredits)},
			},
		},
		{
			Name:        "tax-api",
			ClientID:    "tax-api",
			DefaultPort: 8004,
			EntryPath:   "/api/calculate-tax",
			Routes: []Route{
				{Method: http.MethodPost, Path: "/api/calculate-tax", Service: TaxAPI{}},
			},
		},
	}
}

// ServiceFor returns the named agent.
func ServiceFor(name string) (*Agent, error) {
	for _, a := range Catalog() {
		if a.Name == name {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
}

// Names lists the agents in catalog order.
func Names() []string {
	catalog := Catalog()
	names := make([]string, 0, len(catalog))
	for _, a := range catalog {
		names = append(names, a.Name)
	}
	return names
}
