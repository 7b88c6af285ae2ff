// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package zonedb

import (
	"os"
	"testing"
)

func TestNameReverseRoundTrip(t *testing.T) {
	n := ParseName("www.example.com")
	if got := n.Reverse().Reverse(); !got.Equal(n) {
		t.Fatalf("reverse-reverse = %v, want %v", got, n)
	}
}

func TestNameIsSuffixOf(t *testing.T) {
	zone := ParseName("example.com")
	query := ParseName("rbl.example.com")
	if !zone.IsSuffixOf(query) {
		t.Fatalf("expected example.com to be a suffix of rbl.example.com")
	}
	other := ParseName("example.net")
	if other.IsSuffixOf(query) {
		t.Fatalf("example.net must not match rbl.example.com")
	}
}

func TestRegistryMatchLongestSuffix(t *testing.T) {
	r := NewRegistry()
	parent := NewZone(ParseName("example.com"))
	child := NewZone(ParseName("rbl.example.com"))
	// Attach a trivial dataset so both zones are serviceable.
	for _, z := range []*Zone{parent, child} {
		ds := NewDataset(&stubType{}, "stub", nil, 2048)
		ds.SetStamp(1)
		z.Attach(ds)
		z.Rederive()
		r.AddZone(z)
	}

	q := ParseName("host.rbl.example.com")
	z, res := r.Match(q)
	if res != MatchOK {
		t.Fatalf("match result = %v, want MatchOK", res)
	}
	if !z.DN.Equal(child.DN) {
		t.Fatalf("matched zone = %v, want longest match %v", z.DN, child.DN)
	}
}

func TestRegistryMatchRefused(t *testing.T) {
	r := NewRegistry()
	z := NewZone(ParseName("example.com"))
	ds := NewDataset(&stubType{}, "stub", nil, 2048)
	ds.SetStamp(1)
	z.Attach(ds)
	z.Rederive()
	r.AddZone(z)

	_, res := r.Match(ParseName("other.test"))
	if res != MatchRefused {
		t.Fatalf("match result = %v, want MatchRefused", res)
	}
}

func TestRegistryMatchServfailWhenUnloaded(t *testing.T) {
	r := NewRegistry()
	z := NewZone(ParseName("example.com"))
	ds := NewDataset(&stubType{}, "stub", nil, 2048)
	// stamp left at 0: never loaded.
	z.Attach(ds)
	z.Rederive()
	r.AddZone(z)

	_, res := r.Match(ParseName("example.com"))
	if res != MatchServfail {
		t.Fatalf("match result = %v, want MatchServfail", res)
	}
}

func TestZoneRederiveStampIsZeroIfAnyDatasetZero(t *testing.T) {
	z := NewZone(ParseName("example.com"))
	loaded := NewDataset(&stubType{}, "a", nil, 2048)
	loaded.SetStamp(5)
	unloaded := NewDataset(&stubType{}, "b", nil, 2048)
	z.Attach(loaded)
	z.Attach(unloaded)
	z.Rederive()
	if z.Stamp() != 0 {
		t.Fatalf("zone stamp = %d, want 0 (unloaded attachment present)", z.Stamp())
	}
}

func TestDecodeIPv4Reverse(t *testing.T) {
	// "1.0.168.192" is the DNSBL-style octet-reversed query for
	// 192.168.0.1 (spec.md's own worked example).
	sub := ParseName("1.0.168.192")
	addr, n, ok := DecodeIPv4Reverse(sub)
	if !ok || n != 4 {
		t.Fatalf("decode failed: ok=%v n=%d", ok, n)
	}
	want := [4]byte{192, 168, 0, 1}
	if addr != want {
		t.Fatalf("addr = %v, want %v", addr, want)
	}
}

func TestDecodeIPv4ReversePartial(t *testing.T) {
	// A 3-label prefix under an IPv4-reverse zone decodes the network
	// portion (octets a,b,c) and leaves the host octet (d) unset.
	sub := ParseName("0.168.192")
	addr, n, ok := DecodeIPv4Reverse(sub)
	if !ok || n != 3 {
		t.Fatalf("decode failed: ok=%v n=%d", ok, n)
	}
	want := [4]byte{192, 168, 0, 0}
	if addr != want {
		t.Fatalf("addr = %v, want %v", addr, want)
	}
}

func TestDatasetSOAAssignOnce(t *testing.T) {
	ds := NewDataset(&stubType{}, "x", nil, 2048)
	first := &SOARecord{Minimum: 3600}
	if !ds.SetSOAOnce(first) {
		t.Fatalf("first SetSOAOnce should succeed")
	}
	second := &SOARecord{Minimum: 7200}
	if ds.SetSOAOnce(second) {
		t.Fatalf("second SetSOAOnce should be rejected (assign-once)")
	}
	if ds.SOA().Minimum != 3600 {
		t.Fatalf("SOA should remain the first assignment")
	}
}

func TestDatasetSubstAssignOnce(t *testing.T) {
	ds := NewDataset(&stubType{}, "x", nil, 2048)
	if !ds.SetSubstOnce(0, "blocked") {
		t.Fatalf("first $0 assignment should succeed")
	}
	if ds.SetSubstOnce(0, "other") {
		t.Fatalf("second $0 assignment should be rejected")
	}
	if ds.Subst(0) != "blocked" {
		t.Fatalf("subst(0) = %q, want %q", ds.Subst(0), "blocked")
	}
}

func TestDatasetMaxRange4Monotonic(t *testing.T) {
	ds := NewDataset(&stubType{}, "x", nil, 2048)
	if !ds.SetMaxRange4(24) {
		t.Fatalf("first MAXRANGE4 set should succeed")
	}
	if ds.SetMaxRange4(28) {
		t.Fatalf("raising MAXRANGE4 should be rejected")
	}
	if ds.MaxRange4() != 24 {
		t.Fatalf("maxrange4 = %d, want 24 (unchanged)", ds.MaxRange4())
	}
	if !ds.SetMaxRange4(16) {
		t.Fatalf("lowering MAXRANGE4 should succeed")
	}
	if ds.MaxRange4() != 16 {
		t.Fatalf("maxrange4 = %d, want 16", ds.MaxRange4())
	}
}

// stubType is a minimal DatasetType for zone/registry tests that don't
// exercise dataset query logic itself.
type stubType struct{}

func (stubType) Tag() string     { return "stub" }
func (stubType) Flags() TypeFlags { return 0 }
func (stubType) Start(ds *Dataset) {}
func (stubType) Line(ds *Dataset, line string) (bool, error) { return false, nil }
func (stubType) Finish(ds *Dataset) {}
func (stubType) Reset(ds *Dataset)  {}
func (stubType) Query(ds *Dataset, q Query, cb RecordSink) bool { return false }
func (stubType) Dump(ds *Dataset, zoneDN Name, w *os.File) error { return nil }
