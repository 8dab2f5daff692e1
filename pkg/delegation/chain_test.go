// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/tokenchain/pkg/auth/scope"
)

func TestDefaultChain(t *testing.T) {
	t.Parallel()

	c := Default()
	require.NoError(t, c.Validate())

	path, err := c.Path("planner")
	require.NoError(t, err)
	names := make([]string, 0, len(path))
	for _, h := range path {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{"planner", "tax-optimizer", "calculator"}, names)
	assert.True(t, path[2].Terminal())

	link, err := c.Link("tax-optimizer")
	require.NoError(t, err)
	assert.Equal(t, "agent-calculator", link.Audience)
	assert.Equal(t, "tax:calculate", link.Scope.String())

	link, err = c.Link("calculator")
	require.NoError(t, err)
	assert.Nil(t, link)

	assert.ElementsMatch(t, []string{"planner", "tax-api"}, c.Entries())
}

func TestLoad(t *testing.T) {
	t.Parallel()

	c, err := Load(filepath.Join("testdata", "chain.yaml"))
	require.NoError(t, err)
	require.Len(t, c.Hops, 3)

	optimizer, err := c.Hop("tax-optimizer")
	require.NoError(t, err)
	assert.Equal(t, NarrowPolicy, optimizer.Next.Narrowing)
	assert.True(t, optimizer.Next.Scope.Equal(scope.New("tax:calculate")))

	planner, err := c.Hop("planner")
	require.NoError(t, err)
	assert.Empty(t, planner.Next.Narrowing)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hops: {name: ["), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "failed to parse chain policy")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Chain)
		wantErr string
	}{
		{
			name:    "empty chain",
			mutate:  func(c *Chain) { c.Hops = nil },
			wantErr: "no hops defined",
		},
		{
			name:    "audience differs from next client id",
			mutate:  func(c *Chain) { c.Hops[0].Next.Audience = "agent-calculator" },
			wantErr: `audience "agent-calculator" must equal the client_id of tax-optimizer`,
		},
		{
			name:    "undefined next hop",
			mutate:  func(c *Chain) { c.Hops[1].Next.To = "ledger" },
			wantErr: `next hop "ledger" is not defined`,
		},
		{
			name:    "link scope misses next required scope",
			mutate:  func(c *Chain) { c.Hops[1].Next.Scope = scope.New("tax:process") },
			wantErr: "link scope does not grant tax:calculate required by calculator",
		},
		{
			name:    "duplicate hop",
			mutate:  func(c *Chain) { c.Hops[3].Name = "planner" },
			wantErr: "hop planner: defined more than once",
		},
		{
			name:    "shared client id",
			mutate:  func(c *Chain) { c.Hops[3].ClientID = "agent-calculator" },
			wantErr: "client_id agent-calculator already used by calculator",
		},
		{
			name:    "missing required scope",
			mutate:  func(c *Chain) { c.Hops[2].RequiredScope = scope.Set{} },
			wantErr: "hop calculator: required_scope is required",
		},
		{
			name:    "unknown narrowing",
			mutate:  func(c *Chain) { c.Hops[0].Next.Narrowing = "none" },
			wantErr: `unknown narrowing "none"`,
		},
		{
			name: "self link",
			mutate: func(c *Chain) {
				c.Hops[2].Next = &Link{To: "calculator", Audience: "agent-calculator", Scope: scope.New("tax:calculate")}
			},
			wantErr: "hop calculator: links to itself",
		},
		{
			name: "cycle",
			mutate: func(c *Chain) {
				c.Hops[2].Next = &Link{To: "planner", Audience: "agent-planner", Scope: scope.New("tax:process")}
			},
			wantErr: "cycle planner -> tax-optimizer -> calculator -> planner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.ErrorIs(t, err, ErrInvalidChain)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLinkCeiling(t *testing.T) {
	t.Parallel()

	subject := scope.Parse("openid tax:process")
	subjectLink := &Link{Scope: scope.New("tax:process")}
	policyLink := &Link{Scope: scope.New("tax:calculate"), Narrowing: NarrowPolicy}

	assert.True(t, subjectLink.Ceiling(subject).Equal(subject))
	assert.True(t, policyLink.Ceiling(subject).Equal(scope.New("tax:calculate")))
}

func TestUnknownHop(t *testing.T) {
	t.Parallel()

	c := Default()
	_, err := c.Hop("ledger")
	require.ErrorIs(t, err, ErrUnknownHop)
	_, err = c.Link("ledger")
	require.ErrorIs(t, err, ErrUnknownHop)
	_, err = c.Path("ledger")
	require.ErrorIs(t, err, ErrUnknownHop)
}

func TestChainRoundTripsThroughYAML(t *testing.T) {
	t.Parallel()

	data, err := yaml.Marshal(Default())
	require.NoError(t, err)
	assert.Contains(t, string(data), "scope: tax:calculate")

	c, err := Parse(data)
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("chain changed through YAML (-want +got):\n%s", diff)
	}
}

func TestAuditAppend(t *testing.T) {
	t.Parallel()

	a := &Audit{Links: []LinkRecord{{From: "planner", To: "tax-optimizer"}}}
	a.Append(&Audit{Links: []LinkRecord{{From: "tax-optimizer", To: "calculator"}}})
	a.Append(nil)
	require.Len(t, a.Links, 2)
	assert.Equal(t, "calculator", a.Links[1].To)
}
