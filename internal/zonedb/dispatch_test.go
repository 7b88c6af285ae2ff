// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package zonedb

import (
	"os"
	"testing"
)

// fakeSink is a RecordSink test double that just counts calls.
type fakeSink struct {
	ancount uint16
	addrs   [][4]byte
}

func (f *fakeSink) AddA(ip4 [4]byte, ttl uint32) bool {
	f.addrs = append(f.addrs, ip4)
	f.ancount++
	return true
}
func (f *fakeSink) AddNS(dn []byte, ttl uint32) bool         { f.ancount++; return true }
func (f *fakeSink) AddMX(pref uint16, dn []byte, ttl uint32) bool { f.ancount++; return true }
func (f *fakeSink) AddTXT(text, subst string, ttl uint32) bool   { f.ancount++; return true }
func (f *fakeSink) ANCount() uint16                          { return f.ancount }

// reverseIPType answers A queries for a single configured octet pattern,
// simulating an ip4set-style dataset for dispatch tests.
type reverseIPType struct {
	listing [4]byte
}

func (reverseIPType) Tag() string      { return "revip" }
func (reverseIPType) Flags() TypeFlags  { return FlagIPv4Reverse }
func (reverseIPType) Start(ds *Dataset) {}
func (reverseIPType) Line(ds *Dataset, line string) (bool, error) { return false, nil }
func (reverseIPType) Finish(ds *Dataset) {}
func (reverseIPType) Reset(ds *Dataset)  {}
func (t reverseIPType) Query(ds *Dataset, q Query, cb RecordSink) bool {
	if !q.HasAddr4 {
		return false
	}
	if q.TypeFlag&(uint16(QFlagA)|uint16(QFlagANY)) != 0 {
		cb.AddA(t.listing, ds.TTL())
	}
	return true
}
func (reverseIPType) Dump(ds *Dataset, zoneDN Name, w *os.File) error { return nil }

func buildReverseZone() *Zone {
	z := NewZone(ParseName("rbl.example"))
	ds := NewDataset(reverseIPType{listing: [4]byte{127, 0, 0, 2}}, "revip:data", nil, 2048)
	ds.SetStamp(1)
	soa := &SOARecord{Origin: z.DN, RP: ParseName("hostmaster.rbl.example"), Minimum: 3600}
	ds.SetSOAOnce(soa)
	z.Attach(ds)
	z.Rederive()
	return z
}

func TestDispatchSubMatchEmitsA(t *testing.T) {
	z := buildReverseZone()
	name := ParseName("2.0.168.192.rbl.example")
	sink := &fakeSink{}
	var authSOA *SOARecord
	out := Dispatch(z, name, TypeFlagBits(QFlagA), sink, nil, func(s *SOARecord) { authSOA = s })
	if out.RCode != rcodeNoError {
		t.Fatalf("rcode = %d, want NOERROR", out.RCode)
	}
	if sink.ANCount() != 1 {
		t.Fatalf("ancount = %d, want 1", sink.ANCount())
	}
	if sink.addrs[0] != [4]byte{127, 0, 0, 2} {
		t.Fatalf("unexpected address: %v", sink.addrs[0])
	}
	if authSOA != nil {
		t.Fatalf("authority SOA should not be attached when an answer was produced")
	}
}

func TestDispatchSubNoMatchIsNXDomain(t *testing.T) {
	z := buildReverseZone()
	name := ParseName("nonexistent." + z.DN.String())
	sink := &fakeSink{}
	var authSOA *SOARecord
	out := Dispatch(z, name, TypeFlagBits(QFlagA), sink, nil, func(s *SOARecord) { authSOA = s })
	if out.RCode != rcodeNXDomain {
		t.Fatalf("rcode = %d, want NXDOMAIN", out.RCode)
	}
	if sink.ANCount() != 0 {
		t.Fatalf("ancount = %d, want 0", sink.ANCount())
	}
	if authSOA == nil {
		t.Fatalf("expected authority SOA to be attached on NXDOMAIN")
	}
}

func TestDispatchApexSOAQuery(t *testing.T) {
	z := buildReverseZone()
	sink := &fakeSink{}
	var answerSOA *SOARecord
	out := Dispatch(z, z.DN, TypeFlagBits(QFlagSOA), sink, func(s *SOARecord) { answerSOA = s }, nil)
	if out.RCode != rcodeNoError {
		t.Fatalf("rcode = %d, want NOERROR", out.RCode)
	}
	if answerSOA == nil {
		t.Fatalf("expected SOA to be emitted to the answer section at the zone apex")
	}
}

func TestDispatchApexTypeWithNoDataAttachesAuthoritySOA(t *testing.T) {
	z := buildReverseZone() // has SOA but no apex A/TXT data
	sink := &fakeSink{}
	var authSOA *SOARecord
	out := Dispatch(z, z.DN, TypeFlagBits(QFlagA), sink, nil, func(s *SOARecord) { authSOA = s })
	if out.RCode != rcodeNoError {
		t.Fatalf("rcode = %d, want NOERROR", out.RCode)
	}
	if sink.ANCount() != 0 {
		t.Fatalf("ancount = %d, want 0 (no A data at apex)", sink.ANCount())
	}
	if authSOA == nil {
		t.Fatalf("expected the zone SOA to be attached to the authority section")
	}
}

func TestDispatchApexNSWithNoNSIsRefused(t *testing.T) {
	z := buildReverseZone() // has no NS set
	sink := &fakeSink{}
	out := Dispatch(z, z.DN, TypeFlagBits(QFlagNS), sink, nil, nil)
	if !out.Refused {
		t.Fatalf("expected refused when NS requested at apex with no NS configured")
	}
}
