// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scope models OAuth 2.0 scope strings (RFC 6749 Section 3.3) as sets.
//
// Scopes are compared by exact token membership. "tax:cal" is not contained in
// "tax:calculate".
package scope

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Set is an immutable set of scope tokens. The zero value is the empty set.
type Set struct {
	tokens map[string]struct{}
}

// Parse splits a space-delimited scope string. Repeated whitespace and
// duplicate tokens are ignored.
func Parse(s string) Set {
	return New(strings.Fields(s)...)
}

// New builds a set from individual tokens. Empty tokens are skipped.
func New(tokens ...string) Set {
	set := Set{tokens: make(map[string]struct{}, len(tokens))}
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		set.tokens[tok] = struct{}{}
	}
	return set
}

// Len returns the number of tokens.
func (s Set) Len() int {
	return len(s.tokens)
}

// Empty reports whether the set has no tokens.
func (s Set) Empty() bool {
	return len(s.tokens) == 0
}

// Contains reports exact membership of a single token.
func (s Set) Contains(token string) bool {
	_, ok := s.tokens[token]
	return ok
}

// ContainsAll reports whether every token of other is in s.
func (s Set) ContainsAll(other Set) bool {
	for tok := range other.tokens {
		if !s.Contains(tok) {
			return false
		}
	}
	return true
}

// SubsetOf reports whether s is a subset of other.
func (s Set) SubsetOf(other Set) bool {
	return other.ContainsAll(s)
}

// Missing returns the tokens of required that are absent from s.
func (s Set) Missing(required Set) Set {
	out := New()
	for tok := range required.tokens {
		if !s.Contains(tok) {
			out.tokens[tok] = struct{}{}
		}
	}
	return out
}

// Intersect returns the tokens present in both sets.
func (s Set) Intersect(other Set) Set {
	out := New()
	for tok := range s.tokens {
		if other.Contains(tok) {
			out.tokens[tok] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets hold the same tokens.
func (s Set) Equal(other Set) bool {
	return s.Len() == other.Len() && s.ContainsAll(other)
}

// Tokens returns the tokens in sorted order.
func (s Set) Tokens() []string {
	out := make([]string, 0, len(s.tokens))
	for tok := range s.tokens {
		out = append(out, tok)
	}
	slices.Sort(out)
	return out
}

// String renders the set in its wire form, sorted for stable output.
func (s Set) String() string {
	return strings.Join(s.Tokens(), " ")
}

// MarshalJSON encodes the set as its space-delimited wire form.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either a space-delimited string or a JSON array.
func (s *Set) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = Parse(str)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scope must be a string or array of strings: %w", err)
	}
	*s = New(list...)
	return nil
}

// UnmarshalYAML accepts the same shapes as UnmarshalJSON.
func (s *Set) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err == nil {
		*s = Parse(str)
		return nil
	}
	var list []string
	if err := unmarshal(&list); err != nil {
		return fmt.Errorf("scope must be a string or list of strings: %w", err)
	}
	*s = New(list...)
	return nil
}

// MarshalYAML encodes the set as its space-delimited wire form.
func (s Set) MarshalYAML() (any, error) {
	return s.String(), nil
}
