// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"bytes"
	"encoding/json"

	chainerr "github.com/stacklok/tokenchain/pkg/errors"
)

// decodeStrict decodes a JSON body, rejecting unknown fields.
func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return chainerr.NewInvalidArgumentError("invalid request body: "+err.Error(), err)
	}
	return nil
}
