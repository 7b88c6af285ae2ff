// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package zonedb

import "strconv"

// Type flag bits, mirrored from internal/wire so this package stays free
// of a wire import (dispatch only needs to compare bits, not decode
// wire.TypeFlag's own type).
const (
	QFlagA TypeFlagBits = 1 << iota
	QFlagTXT
	QFlagNS
	QFlagSOA
	QFlagMX
	QFlagANY
	QFlagOTHER
)

// TypeFlagBits mirrors wire.TypeFlag's representation.
type TypeFlagBits uint16

// Outcome is the result of dispatching one query against a matched zone.
type Outcome struct {
	RCode       uint8 // wire.RCode* value
	NeedsSOAAuth bool // attach zone SOA to authority section
	Refused     bool
}

const (
	rcodeNoError  uint8 = 0
	rcodeNXDomain uint8 = 3
	rcodeRefused  uint8 = 5
)

// DecodeIPv4Reverse attempts to decode up to 4 leading labels of sub as
// dotted-decimal octets (spec.md §4.6 "if the zone is IPv4-reverse and
// label delta <= 4, decode the leading labels as dotted IPv4 octets").
// octets is the count of leading labels actually consumed; labels beyond
// the decodable prefix (or any label that isn't 0-255) stop decoding.
func DecodeIPv4Reverse(sub Name) (addr [4]byte, octets int, ok bool) {
	max := len(sub)
	if max > 4 {
		max = 4
	}
	for i := 0; i < max; i++ {
		v, err := strconv.Atoi(string(sub[i]))
		if err != nil || v < 0 || v > 255 {
			break
		}
		// Labels appear least-significant-octet first (the DNSBL/PTR
		// convention: IP a.b.c.d is queried as d.c.b.a.zone), so the
		// i-th label fills the octets-so-far-decoded'th-from-the-end
		// position once the final count is known.
		octets = i + 1
	}
	for i := 0; i < octets; i++ {
		v, _ := strconv.Atoi(string(sub[i]))
		addr[octets-1-i] = byte(v)
	}
	return addr, octets, octets > 0
}

// Dispatch implements spec.md §4.6 in full: apex-vs-sub-name branching,
// IPv4-reverse octet decoding, dataset iteration, and the
// NXDOMAIN/NOERROR/SOA-in-authority rules. sink receives every RR the
// matched path emits; the caller (internal/wire via the server) supplies
// it bound to the live packet context.
func Dispatch(z *Zone, name Name, typeFlag TypeFlagBits, sink RecordSink, emitAnswerSOA, emitAuthSOA func(*SOARecord)) Outcome {
	delta := LabelDelta(z.DN, name)

	if delta == 0 {
		return dispatchApex(z, typeFlag, sink, emitAnswerSOA, emitAuthSOA)
	}
	return dispatchSub(z, name, delta, typeFlag, sink, emitAuthSOA)
}

func dispatchApex(z *Zone, typeFlag TypeFlagBits, sink RecordSink, emitAnswerSOA, emitAuthSOA func(*SOARecord)) Outcome {
	wantNS := typeFlag&(QFlagNS|QFlagANY) != 0
	wantSOA := typeFlag&(QFlagSOA|QFlagANY) != 0

	ns := z.NS()
	soa := z.SOA()

	if typeFlag&QFlagANY == 0 {
		if typeFlag&QFlagNS != 0 && len(ns) == 0 {
			return Outcome{RCode: rcodeRefused, Refused: true}
		}
		if typeFlag&QFlagSOA != 0 && soa == nil {
			return Outcome{RCode: rcodeRefused, Refused: true}
		}
	}

	if wantNS {
		for _, rec := range ns {
			sink.AddNS(encodeNameForSink(rec.DN), rec.TTL)
		}
	}
	if wantSOA && soa != nil && emitAnswerSOA != nil {
		emitAnswerSOA(soa)
	}

	// The apex always exists, so a query for a type with no apex data
	// (e.g. A) still gets NOERROR, not REFUSED — but with an empty
	// answer it needs the zone SOA in the authority section, same as
	// dispatchSub's empty-match case (spec.md §8 scenario 1).
	if sink.ANCount() == 0 {
		if soa != nil && emitAuthSOA != nil {
			emitAuthSOA(soa)
		}
		return Outcome{RCode: rcodeNoError, NeedsSOAAuth: true}
	}
	return Outcome{RCode: rcodeNoError}
}

func dispatchSub(z *Zone, name Name, delta int, typeFlag TypeFlagBits, sink RecordSink, emitAuthSOA func(*SOARecord)) Outcome {
	q := Query{
		Name:      name,
		TypeFlag:  uint16(typeFlag),
		SubLabels: name[:delta],
	}
	if z.Flags&FlagIPv4Reverse != 0 && delta <= 4 {
		if addr, n, ok := DecodeIPv4Reverse(q.SubLabels); ok {
			q.HasAddr4 = true
			q.Addr4 = addr
			q.OctetsLen = n
		}
	}

	anyMatched := false
	for _, att := range z.Attachments {
		if att.Dataset.Type.Query(att.Dataset, q, sink) {
			anyMatched = true
		}
	}

	if !anyMatched {
		if soa := z.SOA(); soa != nil && emitAuthSOA != nil {
			emitAuthSOA(soa)
		}
		return Outcome{RCode: rcodeNXDomain, NeedsSOAAuth: true}
	}

	// Positive existence (some dataset matched the name) but no RR of the
	// requested type was emitted: NOERROR with empty answer, SOA in
	// authority (spec.md §4.6, §7).
	if sink.ANCount() == 0 {
		if soa := z.SOA(); soa != nil && emitAuthSOA != nil {
			emitAuthSOA(soa)
		}
		return Outcome{RCode: rcodeNoError, NeedsSOAAuth: true}
	}

	return Outcome{RCode: rcodeNoError}
}

// encodeNameForSink renders a Name to RFC 1035 wire form for RecordSink
// calls that take raw DN bytes (AddNS/AddMX RDATA).
func encodeNameForSink(n Name) []byte {
	total := 1
	for _, l := range n {
		total += 1 + len(l)
	}
	buf := make([]byte, 0, total)
	for _, l := range n {
		buf = append(buf, byte(len(l)))
		buf = append(buf, l...)
	}
	return append(buf, 0)
}
