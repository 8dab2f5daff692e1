// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"context"
	"fmt"

	chainerr "github.com/stacklok/tokenchain/pkg/errors"
	"github.com/stacklok/tokenchain/pkg/hop"
)

// Bracket is one marginal rate band. Max is nil for the top band.
type Bracket struct {
	Min  float64  `json:"min"`
	Max  *float64 `json:"max"`
	Rate float64  `json:"rate"`
}

// Rates are the headline tax rates.
type Rates struct {
	Federal   float64 `json:"federal_tax_rate"`
	State     float64 `json:"state_tax_rate"`
	Effective float64 `json:"effective_tax_rate"`
}

// Deductions lists the available deductions.
type Deductions struct {
	Standard float64            `json:"standard_deduction"`
	Itemized map[string]float64 `json:"itemized_deductions"`
}

// TaxTable is the calculator's fixed data.
type TaxTable struct {
	Rates
	Brackets   []Bracket          `json:"tax_brackets"`
	Deductions Deductions         `json:"deductions"`
	Credits    map[string]float64 `json:"credits"`
}

func bound(v float64) *float64 { return &v }

// DefaultTaxTable returns a fresh copy of the placeholder tax data.
func DefaultTaxTable() TaxTable {
	return TaxTable{
		Rates: Rates{Federal: 0.22, State: 0.05, Effective: 0.27},
		Brackets: []Bracket{
			{Min: 0, Max: bound(10000), Rate: 0.10},
			{Min: 10000, Max: bound(40000), Rate: 0.12},
			{Min: 40000, Max: bound(85000), Rate: 0.22},
			{Min: 85000, Max: bound(163300), Rate: 0.24},
			{Min: 163300, Max: bound(207350), Rate: 0.32},
			{Min: 207350, Max: bound(518400), Rate: 0.35},
			{Min: 518400, Max: nil, Rate: 0.37},
		},
		Deductions: Deductions{
			Standard: 12950,
			Itemized: map[string]float64{
				"mortgage_interest":        0,
				"property_tax":             0,
				"charitable_contributions": 0,
			},
		},
		Credits: map[string]float64{
			"child_tax_credit":     2000,
			"earned_income_credit": 0,
		},
	}
}

// Calculator returns the whole tax table.
type Calculator struct{}

// Respond implements hop.Service.
func (Calculator) Respond(context.Context, *hop.Request) (any, string, error) {
	return DefaultTaxTable(), "Tax calculations completed", nil
}

// Fragment names a part of the tax table.
type Fragment string

// Tax table fragments served on their own routes.
const (
	FragmentBrackets   Fragment = "brackets"
	FragmentRates      Fragment = "rates"
	FragmentDeductions Fragment = "deductions"
	FragmentCredits    Fragment = "credits"
)

// TaxTableFragment serves one part of the tax table.
type TaxTableFragment Fragment

// Respond implements hop.Service.
func (f TaxTableFragment) Respond(context.Context, *hop.Request) (any, string, error) {
	table := DefaultTaxTable()
	switch Fragment(f) {
	case FragmentBrackets:
		return table.Brackets, "", nil
	case FragmentRates:
		return table.Rates, "", nil
	case FragmentDeductions:
		return table.Deductions, "", nil
	case FragmentCredits:
		return table.Credits, "", nil
	default:
		return nil, "", chainerr.NewInternalError(fmt.Sprintf("unknown tax table fragment %q", string(f)), nil)
	}
}
