// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tokenchain/pkg/auth/jwks"
	"github.com/stacklok/tokenchain/pkg/auth/scope"
	"github.com/stacklok/tokenchain/pkg/auth/token"
	"github.com/stacklok/tokenchain/pkg/delegation"
	chainerr "github.com/stacklok/tokenchain/pkg/errors"
	"github.com/stacklok/tokenchain/pkg/hop"
	"github.com/stacklok/tokenchain/pkg/testkit"
)

func verifiedClaims(t *testing.T, audience, scp string) *token.VerifiedClaims {
	t.Helper()
	idp := testkit.NewIdentityProvider(t)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver, err := jwks.NewResolver(jwks.NewRemoteFetcher(idp.Server.Client()),
		map[string]string{idp.Issuer(): idp.JWKSURL()}, jwks.Options{Logger: quiet})
	require.NoError(t, err)
	v, err := token.NewVerifier(resolver, token.Config{Issuer: idp.Issuer(), Audience: audience, Logger: quiet})
	require.NoError(t, err)
	claims, err := v.Verify(context.Background(), idp.Mint(t, idp.Claims(audience, scp)), scope.Parse(scp))
	require.NoError(t, err)
	return claims
}

func TestCatalogMatchesDefaultChain(t *testing.T) {
	t.Parallel()

	chain := delegation.Default()
	for _, h := range chain.Hops {
		agent, err := ServiceFor(h.Name)
		require.NoError(t, err, h.Name)
		assert.Equal(t, h.ClientID, agent.ClientID)
		assert.NotEmpty(t, agent.Routes)
		assert.NotZero(t, agent.DefaultPort)
	}
	assert.Equal(t, []string{"planner", "tax-optimizer", "calculator", "tax-api"}, Names())

	_, err := ServiceFor("ledger")
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func TestEstimateSavings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		income float64
		want   float64
	}{
		{income: 0, want: 0},
		{income: 20000, want: 2000},
		{income: 50000, want: 5000},
		{income: 250000, want: 5000},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, EstimateSavings(tt.income), 0.001, "income %v", tt.income)
	}
}

func TestOptimizer(t *testing.T) {
	t.Parallel()
	claims := verifiedClaims(t, "agent-tax-optimizer", "tax:process")

	tests := []struct {
		name       string
		body       string
		wantDetail string
	}{
		{name: "missing body", body: "", wantDetail: "financial data is required"},
		{name: "missing field", body: `{"income":1,"savings":1,"investments":1}`, wantDetail: "expenses is required"},
		{name: "several missing fields", body: `{"investments":1}`, wantDetail: "income is required"},
		{name: "negative figure", body: `{"income":-1,"expenses":1,"savings":1,"investments":1}`, wantDetail: "income must be a non-negative number"},
		{name: "several negative figures", body: `{"income":1,"expenses":-1,"savings":-1,"investments":-1}`, wantDetail: "expenses must be a non-negative number"},
		{name: "unknown field", body: `{"income":1,"expenses":1,"savings":1,"investments":1,"ssn":"x"}`, wantDetail: "invalid request body"},
		{name: "not JSON", body: `income=1`, wantDetail: "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := &hop.Request{Claims: claims, Body: []byte(tt.body)}
			_, err := Optimizer{}.Forward(req)
			require.Error(t, err)
			assert.True(t, chainerr.IsInvalidArgument(err))
			assert.Equal(t, http.StatusBadRequest, chainerr.Code(err))
			assert.Contains(t, chainerr.MessageOf(err), tt.wantDetail)
		})
	}

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		req := &hop.Request{
			Claims:     claims,
			Body:       []byte(`{"income":30000,"expenses":10000,"savings":5000,"investments":0}`),
			Downstream: json.RawMessage(`{"federal_tax_rate":0.22}`),
		}
		forwarded, err := Optimizer{}.Forward(req)
		require.NoError(t, err)
		assert.Equal(t, &FinancialData{Income: 30000, Expenses: 10000, Savings: 5000}, forwarded)

		result, message, err := Optimizer{}.Respond(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "Tax optimization completed", message)
		opt := result.(Optimization)
		assert.InDelta(t, 3000, opt.EstimatedSavings, 0.001)
		assert.Len(t, opt.Recommendations, 3)
		assert.JSONEq(t, `{"federal_tax_rate":0.22}`, string(opt.TaxResult))
	})
}

func TestPlannerForward(t *testing.T) {
	t.Parallel()
	claims := verifiedClaims(t, "agent-planner", "tax:process")

	got, err := Planner{}.Forward(&hop.Request{Claims: claims})
	require.NoError(t, err)
	assert.Equal(t, SampleFinancialData, got)

	got, err = Planner{}.Forward(&hop.Request{Claims: claims, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, SampleFinancialData, got)

	got, err = Planner{}.Forward(&hop.Request{Claims: claims,
		Body: []byte(`{"financial_data":{"income":1,"expenses":2,"savings":3,"investments":4}}`)})
	require.NoError(t, err)
	assert.Equal(t, &FinancialData{Income: 1, Expenses: 2, Savings: 3, Investments: 4}, got)

	_, err = Planner{}.Forward(&hop.Request{Claims: claims, Body: []byte(`{"income":1}`)})
	require.Error(t, err)
	assert.True(t, chainerr.IsInvalidArgument(err))

	result, _, err := Planner{}.Respond(context.Background(),
		&hop.Request{Claims: claims, Downstream: json.RawMessage(`{"estimated_savings":5000}`)})
	require.NoError(t, err)
	plan := result.(Plan)
	assert.Equal(t, testkit.DefaultSubject, plan.Subject)
	assert.JSONEq(t, `{"estimated_savings":5000}`, string(plan.Optimization))
}

func TestCalculatorTable(t *testing.T) {
	t.Parallel()

	result, message, err := Calculator{}.Respond(context.Background(), &hop.Request{})
	require.NoError(t, err)
	assert.Equal(t, "Tax calculations completed", message)

	encoded, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"federal_tax_rate": 0.22,
		"state_tax_rate": 0.05,
		"effective_tax_rate": 0.27,
		"tax_brackets": [
			{"min": 0, "max": 10000, "rate": 0.10},
			{"min": 10000, "max": 40000, "rate": 0.12},
			{"min": 40000, "max": 85000, "rate": 0.22},
			{"min": 85000, "max": 163300, "rate": 0.24},
			{"min": 163300, "max": 207350, "rate": 0.32},
			{"min": 207350, "max": 518400, "rate": 0.35},
			{"min": 518400, "max": null, "rate": 0.37}
		],
		"deductions": {
			"standard_deduction": 12950,
			"itemized_deductions": {"mortgage_interest": 0, "property_tax": 0, "charitable_contributions": 0}
		},
		"credits": {"child_tax_credit": 2000, "earned_income_credit": 0}
	}`, string(encoded))
}

func TestTaxTableFragments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fragment Fragment
		want     string
	}{
		{FragmentRates, `{"federal_tax_rate":0.22,"state_tax_rate":0.05,"effective_tax_rate":0.27}`},
		{FragmentCredits, `{"child_tax_credit":2000,"earned_income_credit":0}`},
		{FragmentDeductions, `{"standard_deduction":12950,"itemized_deductions":{"mortgage_interest":0,"property_tax":0,"charitable_contributions":0}}`},
	}
	for _, tt := range tests {
		result, _, err := TaxTableFragment(tt.fragment).Respond(context.Background(), &hop.Request{})
		require.NoError(t, err)
		encoded, err := json.Marshal(result)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(encoded), tt.fragment)
	}

	brackets, _, err := TaxTableFragment(FragmentBrackets).Respond(context.Background(), &hop.Request{})
	require.NoError(t, err)
	assert.Len(t, brackets, 7)

	_, _, err = TaxTableFragment("refunds").Respond(context.Background(), &hop.Request{})
	require.Error(t, err)
}

func TestTaxAPI(t *testing.T) {
	t.Parallel()
	claims := verifiedClaims(t, "tax-api", "tax:calculate")

	result, message, err := TaxAPI{}.Respond(context.Background(), &hop.Request{Claims: claims})
	require.NoError(t, err)
	assert.Equal(t, "Tax calculated successfully", message)
	assert.Equal(t, TaxCalculation{CalculatedTax: 5000, UserID: testkit.DefaultSubject, TokenValidated: true}, result)
}
