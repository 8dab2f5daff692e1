// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hop

import (
	"encoding/json"

	"github.com/stacklok/tokenchain/pkg/delegation"
)

// Envelope is the response body of every hop.
type Envelope struct {
	Hop     string `json:"hop"`
	Message string `json:"message,omitempty"`
	// Result is the hop's domain payload.
	Result json.RawMessage `json:"result"`
	// Downstream is the next hop's envelope, absent for terminal hops.
	Downstream *Envelope         `json:"downstream,omitempty"`
	Delegation *delegation.Audit `json:"delegation"`
}
