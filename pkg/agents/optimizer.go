// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	chainerr "github.com/stacklok/tokenchain/pkg/errors"
	"github.com/stacklok/tokenchain/pkg/hop"
)

const (
	savingsRate = 0.1
	savingsCap  = 5000
)

// FinancialData is the optimizer's input. Every field is required.
type FinancialData struct {
	Income      float64 `json:"income"`
	Expenses    float64 `json:"expenses"`
	Savings     float64 `json:"savings"`
	Investments float64 `json:"investments"`
}

// UnmarshalJSON rejects bodies missing any field or carrying unknown ones.
func (f *FinancialData) UnmarshalJSON(data []byte) error {
	var raw struct {
		Income      *float64 `json:"income"`
		Expenses    *float64 `json:"expenses"`
		Savings     *float64 `json:"savings"`
		Investments *float64 `json:"investments"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	for _, field := range []struct {
		name  string
		value *float64
	}{
		{"income", raw.Income},
		{"expenses", raw.Expenses},
		{"savings", raw.Savings},
		{"investments", raw.Investments},
	} {
		if field.value == nil {
			return fmt.Errorf("%s is required", field.name)
		}
	}
	*f = FinancialData{Income: *raw.Income, Expenses: *raw.Expenses, Savings: *raw.Savings, Investments: *raw.Investments}
	return nil
}

// Validate rejects negative or non-finite figures.
func (f *FinancialData) Validate() error {
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"income", f.Income},
		{"expenses", f.Expenses},
		{"savings", f.Savings},
		{"investments", f.Investments},
	} {
		if v := field.value; v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return chainerr.NewInvalidArgumentError(field.name+" must be a non-negative number", nil)
		}
	}
	return nil
}

// Optimization is the optimizer's result.
type Optimization struct {
	EstimatedSavings float64         `json:"estimated_savings"`
	Recommendations  []string        `json:"recommendations"`
	TaxResult        json.RawMessage `json:"tax_result,omitempty"`
}

// Optimizer estimates savings and attaches the calculator's tax table.
type Optimizer struct{}

// Forward passes the validated figures on to the calculator.
func (Optimizer) Forward(req *hop.Request) (any, error) {
	return parseFinancialData(req.Body)
}

// Respond implements hop.Service.
func (Optimizer) Respond(_ context.Context, req *hop.Request) (any, string, error) {
	data, err := parseFinancialData(req.Body)
	if err != nil {
		return nil, "", err
	}
	return Optimization{
		EstimatedSavings: EstimateSavings(data.Income),
		Recommendations: []string{
			"Maximize 401(k) contributions",
			"Consider tax-loss harvesting",
			"Review itemized deductions",
		},
		TaxResult: req.Downstream,
	}, "Tax optimization completed", nil
}

// EstimateSavings is ten percent of income, capped at 5000.
func EstimateSavings(income float64) float64 {
	return math.Min(income*savingsRate, savingsCap)
}

func parseFinancialData(body []byte) (*FinancialData, error) {
	if len(body) == 0 {
		return nil, chainerr.NewInvalidArgumentError("financial data is required", nil)
	}
	var data FinancialData
	if err := decodeStrict(body, &data); err != nil {
		return nil, err
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return &data, nil
}
