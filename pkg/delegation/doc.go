// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package delegation describes which hop may exchange a verified token for
// which downstream audience and scope.
//
// A Chain is static policy. It is loaded once at startup, validated, and
// then only read. Each Hop names the client identifier it verifies tokens
// for and the scope its endpoint requires; a non-terminal Hop carries a Link
// naming the next hop, the audience it must request and the scope it may
// request.
//
// The audit types record what was actually requested and granted on each
// link so the response of the entry hop shows the whole delegation path.
package delegation
