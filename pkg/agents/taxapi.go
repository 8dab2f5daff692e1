// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"context"

	"github.com/stacklok/tokenchain/pkg/hop"
)

// fixedTax is the placeholder amount every calculation returns.
const fixedTax = 5000.00

// TaxCalculation is the tax-api result.
type TaxCalculation struct {
	CalculatedTax  float64 `json:"calculated_tax"`
	UserID         string  `json:"user_id"`
	TokenValidated bool    `json:"token_validated"`
}

// TaxAPI is the standalone calculation endpoint.
type TaxAPI struct{}

// Respond implements hop.Service.
func (TaxAPI) Respond(_ context.Context, req *hop.Request) (any, string, error) {
	return TaxCalculation{
		CalculatedTax:  fixedTax,
		UserID:         req.Claims.Subject(),
		TokenValidated: true,
	}, "Tax calculated successfully", nil
}
