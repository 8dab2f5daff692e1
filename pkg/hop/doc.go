// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package hop orchestrates one link of a delegation chain.
//
// A Handler verifies the inbound bearer token for its hop's required scope.
// Terminal hops answer from the verified claims and the local Service. Other
// hops first exchange the inbound token for one addressed to the next hop,
// call the next hop with the exchanged token only, and wrap its response in
// their own Envelope. The inbound token never leaves the hop.
//
// Every Envelope carries a delegation.Audit recording what each link asked
// for and obtained, so the entry hop's response shows the whole path.
// Failures abort the chain without retry.
package hop
