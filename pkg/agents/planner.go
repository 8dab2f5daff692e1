// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"context"
	"encoding/json"

	"github.com/stacklok/tokenchain/pkg/hop"
)

// SampleFinancialData is planned for when the caller sends no figures.
var SampleFinancialData = FinancialData{
	Income:      85000,
	Expenses:    40000,
	Savings:     15000,
	Investments: 10000,
}

// PlanRequest is the optional body of a planning call.
type PlanRequest struct {
	FinancialData *FinancialData `json:"financial_data,omitempty"`
}

// Plan is the planner's result.
type Plan struct {
	Subject      string          `json:"subject"`
	Steps        []string        `json:"steps"`
	Optimization json.RawMessage `json:"optimization"`
}

// Planner drafts a plan around the tax optimizer's advice.
type Planner struct{}

// Forward sends the caller's figures, or the sample figures, to the optimizer.
func (Planner) Forward(req *hop.Request) (any, error) {
	if len(req.Body) == 0 {
		return SampleFinancialData, nil
	}
	var plan PlanRequest
	if err := decodeStrict(req.Body, &plan); err != nil {
		return nil, err
	}
	if plan.FinancialData == nil {
		return SampleFinancialData, nil
	}
	if err := plan.FinancialData.Validate(); err != nil {
		return nil, err
	}
	return plan.FinancialData, nil
}

// Respond implements hop.Service.
func (Planner) Respond(_ context.Context, req *hop.Request) (any, string, error) {
	return Plan{
		Subject: req.Claims.Subject(),
		Steps: []string{
			"Review the optimizer recommendations",
			"Adjust retirement contributions before year end",
			"Confirm the estimate against the calculator's brackets",
		},
		Optimization: req.Downstream,
	}, "Financial plan generated", nil
}
