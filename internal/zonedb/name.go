// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

// Package zonedb implements the zone/dataset data model, the arena
// allocator datasets use for per-record storage, zone matching, and query
// dispatch (spec.md §3, §4.3, §4.6).
package zonedb

import "strings"

// Name is a domain name as a sequence of case-folded labels in normal
// left-to-right order (root implicit, never stored as an element). Suffix
// matching walks both names from the tail, which is equivalent to the
// reversed-DN prefix-compare spec.md describes without needing a second
// wire-style encoding.
type Name [][]byte

// ParseName splits a dotted textual name (as found in zone config and
// directive arguments) into a Name, lowercasing ASCII letters. A trailing
// dot is accepted and ignored. The empty string or "." yields the root
// name (zero labels).
func ParseName(s string) Name {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return Name{}
	}
	parts := strings.Split(s, ".")
	n := make(Name, len(parts))
	for i, p := range parts {
		n[i] = []byte(strings.ToLower(p))
	}
	return n
}

// Reverse returns a new Name with labels in the opposite order. Reversing
// twice yields a Name equal to the original (spec.md §8 round-trip law).
func (n Name) Reverse() Name {
	out := make(Name, len(n))
	for i, l := range n {
		out[len(n)-1-i] = l
	}
	return out
}

// Equal reports whether two names have identical labels.
func (n Name) Equal(other Name) bool {
	if len(n) != len(other) {
		return false
	}
	for i := range n {
		if string(n[i]) != string(other[i]) {
			return false
		}
	}
	return true
}

// IsSuffixOf reports whether n's labels are a trailing subsequence of
// query's labels — i.e. whether n is an ancestor zone of query. The zone
// list ordering invariant (more specific zones first) combined with a
// linear scan using IsSuffixOf implements longest-suffix match (spec.md
// §4.3).
func (n Name) IsSuffixOf(query Name) bool {
	if len(n) > len(query) {
		return false
	}
	off := len(query) - len(n)
	for i := range n {
		if string(n[i]) != string(query[off+i]) {
			return false
		}
	}
	return true
}

// String renders the name in dotted form with a trailing dot, matching
// conventional zone-file and log-line display.
func (n Name) String() string {
	if len(n) == 0 {
		return "."
	}
	var b strings.Builder
	for _, l := range n {
		b.Write(l)
		b.WriteByte('.')
	}
	return b.String()
}

// LabelDelta returns len(query) - len(zone), the number of labels the
// query name carries below the zone apex. Callers only invoke this after
// confirming zone.IsSuffixOf(query).
func LabelDelta(zone, query Name) int {
	return len(query) - len(zone)
}
