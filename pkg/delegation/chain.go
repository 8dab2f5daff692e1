// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/tokenchain/pkg/auth/scope"
)

// ErrInvalidChain is returned when a chain policy is inconsistent.
var ErrInvalidChain = errors.New("invalid delegation chain")

// ErrUnknownHop is returned when a lookup names a hop the chain lacks.
var ErrUnknownHop = errors.New("unknown hop")

// Narrowing selects the ceiling an exchange is checked against.
type Narrowing string

const (
	// NarrowSubject bounds the requested scope by the scope of the token the
	// hop received. The hop can only pass on authority it was given.
	NarrowSubject Narrowing = "subject"
	// NarrowPolicy bounds the requested scope by the link's allowed scope
	// only. Used where the next hop requires a capability distinct from the
	// one the current hop was called with, and the identity provider's
	// exchange policy is the authority that grants it.
	NarrowPolicy Narrowing = "policy"
)

// Link is the permission for one hop to call the next.
type Link struct {
	// To is the name of the next hop.
	To string `yaml:"to" json:"to"`
	// Audience must equal the client identifier of the next hop.
	Audience string `yaml:"audience" json:"audience"`
	// Scope is the scope requested for the next hop.
	Scope scope.Set `yaml:"scope" json:"scope"`
	// Narrowing defaults to NarrowSubject.
	Narrowing Narrowing `yaml:"narrowing,omitempty" json:"narrowing,omitempty"`
}

// Ceiling returns the upper bound for both the requested and the granted
// scope given the scope of the inbound token.
func (l *Link) Ceiling(subject scope.Set) scope.Set {
	if l.Narrowing == NarrowPolicy {
		return l.Scope
	}
	return subject
}

// Hop is one service in the chain.
type Hop struct {
	Name string `yaml:"name" json:"name"`
	// ClientID is the identifier inbound tokens must be addressed to and the
	// identity the hop exchanges as.
	ClientID string `yaml:"client_id" json:"client_id"`
	// RequiredScope must be present in every inbound token.
	RequiredScope scope.Set `yaml:"required_scope" json:"required_scope"`
	// Next is nil for terminal hops.
	Next *Link `yaml:"next,omitempty" json:"next,omitempty"`
}

// Terminal reports whether the hop calls no further hop.
func (h *Hop) Terminal() bool { return h.Next == nil }

// Chain is an ordered, validated set of hops.
type Chain struct {
	Hops []Hop `yaml:"hops" json:"hops"`
}

// Default returns the chain the catalog services run with:
// planner calls tax-optimizer, which calls calculator. tax-api is a
// standalone terminal hop.
func Default() *Chain {
	return &Chain{Hops: []Hop{
		{
			Name:          "planner",
			ClientID:      "agent-planner",
			RequiredScope: scope.New("tax:process"),
			Next: &Link{
				To:        "tax-optimizer",
				Audience:  "agent-tax-optimizer",
				Scope:     scope.New("tax:process"),
				Narrowing: NarrowSubject,
			},
		},
		{
			Name:          "tax-optimizer",
			ClientID:      "agent-tax-optimizer",
			RequiredScope: scope.New("tax:process"),
			Next: &Link{
				To:        "calculator",
				Audience:  "agent-calculator",
				Scope:     scope.New("tax:calculate"),
				Narrowing: NarrowPolicy,
			},
		},
		{
			Name:          "calculator",
			ClientID:      "agent-calculator",
			RequiredScope: scope.New("tax:calculate"),
		},
		{
			Name:          "tax-api",
			ClientID:      "tax-api",
			RequiredScope: scope.New("tax:calculate"),
		},
	}}
}

// Load reads and validates a chain policy file.
func Load(path string) (*Chain, error) {
	// #nosec G304 - path is an operator supplied policy file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain policy %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML chain policy.
func Parse(data []byte) (*Chain, error) {
	var c Chain
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse chain policy: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that every link names an existing hop by its client
// identifier, that the linked scope satisfies the next hop, and that the
// chain has no cycle.
func (c *Chain) Validate() error {
	if c == nil || len(c.Hops) == 0 {
		return fmt.Errorf("%w: no hops defined", ErrInvalidChain)
	}

	var problems []string
	seen := make(map[string]bool, len(c.Hops))
	clients := make(map[string]string, len(c.Hops))
	for i := range c.Hops {
		h := &c.Hops[i]
		switch {
		case h.Name == "":
			problems = append(problems, fmt.Sprintf("hop %d: name is required", i))
			continue
		case seen[h.Name]:
			problems = append(problems, fmt.Sprintf("hop %s: defined more than once", h.Name))
			continue
		}
		seen[h.Name] = true
		if h.ClientID == "" {
			problems = append(problems, fmt.Sprintf("hop %s: client_id is required", h.Name))
		} else if other, ok := clients[h.ClientID]; ok {
			problems = append(problems, fmt.Sprintf("hop %s: client_id %s already used by %s", h.Name, h.ClientID, other))
		} else {
			clients[h.ClientID] = h.Name
		}
		if h.RequiredScope.Empty() {
			problems = append(problems, fmt.Sprintf("hop %s: required_scope is required", h.Name))
		}
	}

	for i := range c.Hops {
		h := &c.Hops[i]
		if h.Next == nil || h.Name == "" {
			continue
		}
		problems = append(problems, c.validateLink(h)...)
	}

	if len(problems) == 0 {
		for i := range c.Hops {
			if _, err := c.Path(c.Hops[i].Name); err != nil {
				problems = append(problems, err.Error())
				break
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidChain, strings.Join(problems, "\n  - "))
	}
	return nil
}

func (c *Chain) validateLink(h *Hop) []string {
	var problems []string
	l := h.Next
	switch l.Narrowing {
	case "", NarrowSubject, NarrowPolicy:
	default:
		problems = append(problems, fmt.Sprintf("hop %s: unknown narrowing %q", h.Name, l.Narrowing))
	}
	if l.Scope.Empty() {
		problems = append(problems, fmt.Sprintf("hop %s: link scope is required", h.Name))
	}
	if l.To == h.Name {
		return append(problems, fmt.Sprintf("hop %s: links to itself", h.Name))
	}
	next := c.find(l.To)
	if next == nil {
		return append(problems, fmt.Sprintf("hop %s: next hop %q is not defined", h.Name, l.To))
	}
	if l.Audience != next.ClientID {
		problems = append(problems, fmt.Sprintf(
			"hop %s: audience %q must equal the client_id of %s (%q)", h.Name, l.Audience, next.Name, next.ClientID))
	}
	if missing := l.Scope.Missing(next.RequiredScope); !missing.Empty() {
		problems = append(problems, fmt.Sprintf(
			"hop %s: link scope does not grant %s required by %s", h.Name, missing, next.Name))
	}
	return problems
}

func (c *Chain) find(name string) *Hop {
	for i := range c.Hops {
		if c.Hops[i].Name == name {
			return &c.Hops[i]
		}
	}
	return nil
}

// Hop returns the named hop.
func (c *Chain) Hop(name string) (*Hop, error) {
	if h := c.find(name); h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownHop, name)
}

// Link returns the outbound link of the named hop, or nil for a terminal hop.
func (c *Chain) Link(name string) (*Link, error) {
	h, err := c.Hop(name)
	if err != nil {
		return nil, err
	}
	return h.Next, nil
}

// Path follows links from entry to the terminal hop.
func (c *Chain) Path(entry string) ([]*Hop, error) {
	var path []string
	var hops []*Hop
	for name := entry; name != ""; {
		if slices.Contains(path, name) {
			return nil, fmt.Errorf("%w: cycle %s -> %s", ErrInvalidChain, strings.Join(path, " -> "), name)
		}
		h, err := c.Hop(name)
		if err != nil {
			return nil, err
		}
		path = append(path, name)
		hops = append(hops, h)
		name = ""
		if h.Next != nil {
			name = h.Next.To
		}
	}
	return hops, nil
}

// Entries returns the names of hops no other hop links to.
func (c *Chain) Entries() []string {
	targets := map[string]bool{}
	for _, h := range c.Hops {
		if h.Next != nil {
			targets[h.Next.To] = true
		}
	}
	var entries []string
	for _, h := range c.Hops {
		if !targets[h.Name] {
			entries = append(entries, h.Name)
		}
	}
	return entries
}
