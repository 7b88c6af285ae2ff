// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package wire

import (
	"bytes"
	"encoding/binary"
)

// Section identifies which part of the response a record is appended to.
// Only answer and authority are modeled: this core never emits additional
// records (no EDNS/OPT, per spec.md Non-goals), so ARCOUNT stays zero.
type Section int

const (
	SectionAnswer Section = iota
	SectionAuthority
)

// compression table limits (spec.md §3 "compression table capacity bounds
// both entry count (DNS_MAXLABELS) and stored-bytes").
const (
	maxCompressEntries  = 128
	maxCompressBytes    = 2048
	maxRegisterableName = 128 // "remaining length >= 128" is never registered
)

type compEntry struct {
	suffix []byte
	offset uint16
}

type writeResult int

const (
	rrWritten writeResult = iota
	rrDuplicate
	rrOverflow
)

// Packet is a single outgoing DNS message under construction. It owns a
// fixed 512-byte buffer and a per-packet compression table; both are reset
// by Init for each inbound query, never shared across queries.
type Packet struct {
	buf    [MaxPacket]byte
	length int

	ansStart int

	ancount uint16
	nscount uint16
	arcount uint16

	aa bool

	entries    []compEntry
	entryBytes int
}

// NewPacket allocates a packet context for a single query.
func NewPacket() *Packet {
	return &Packet{}
}

// Init writes the header skeleton and question section for q and seeds the
// compression table with every suffix of the question name, so that
// answers sharing the zone/question suffix compress against it.
func (p *Packet) Init(q *Query) {
	p.length = 0
	p.ansStart = 0
	p.ancount, p.nscount, p.arcount = 0, 0, 0
	p.aa = false
	p.entries = p.entries[:0]
	p.entryBytes = 0

	binary.BigEndian.PutUint16(p.buf[0:2], q.ID)
	binary.BigEndian.PutUint16(p.buf[4:6], 1) // QDCOUNT
	binary.BigEndian.PutUint16(p.buf[6:8], 0)
	binary.BigEndian.PutUint16(p.buf[8:10], 0)
	binary.BigEndian.PutUint16(p.buf[10:12], 0)
	p.length = headerSize

	copy(p.buf[p.length:], q.RawName)
	p.length += len(q.RawName)
	binary.BigEndian.PutUint16(p.buf[p.length:], q.QType)
	p.length += 2
	binary.BigEndian.PutUint16(p.buf[p.length:], q.QClass)
	p.length += 2

	p.ansStart = p.length

	p.seedFromRaw(q.RawName, headerSize)
}

func (p *Packet) seedFromRaw(raw []byte, base int) {
	pos := 0
	for pos < len(raw) {
		p.registerSuffix(raw[pos:], uint16(base+pos))
		l := int(raw[pos])
		if l == 0 {
			break
		}
		pos += 1 + l
	}
}

func (p *Packet) registerSuffix(suffix []byte, offset uint16) {
	if len(suffix) >= maxRegisterableName {
		return
	}
	if len(p.entries) >= maxCompressEntries {
		return
	}
	if p.entryBytes+len(suffix) > maxCompressBytes {
		return
	}
	p.entries = append(p.entries, compEntry{suffix: suffix, offset: offset})
	p.entryBytes += len(suffix)
}

func (p *Packet) lookupCompress(suffix []byte) (uint16, bool) {
	for _, e := range p.entries {
		if bytes.Equal(e.suffix, suffix) {
			return e.offset, true
		}
	}
	return 0, false
}

// putName writes name (wire form: length-prefixed labels + root) at the
// current cursor, compressing against the table where possible and
// registering any newly-written suffixes for later records to reuse.
func (p *Packet) putName(name []byte) bool {
	rest := name
	for {
		if off, ok := p.lookupCompress(rest); ok {
			if p.length+2 > MaxPacket {
				return false
			}
			binary.BigEndian.PutUint16(p.buf[p.length:], 0xC000|off)
			p.length += 2
			return true
		}
		if rest[0] == 0 {
			if p.length+1 > MaxPacket {
				return false
			}
			p.buf[p.length] = 0
			p.length++
			return true
		}
		l := int(rest[0])
		total := 1 + l
		if p.length+total > MaxPacket {
			return false
		}
		p.registerSuffix(rest, uint16(p.length))
		copy(p.buf[p.length:], rest[:total])
		p.length += total
		rest = rest[total:]
	}
}

// emit writes one RR with owner compressed against the question name
// (owner == nil) or a fresh DN (owner != nil, used only by AddSOA), then
// calls putRData to append RDATA at the current cursor and back-patches
// RDLENGTH. It applies the answer-section duplicate suppression scan
// before counting the record as written.
func (p *Packet) emit(section Section, owner [][]byte, rrtype uint16, ttl uint32, putRData func(*Packet) bool) writeResult {
	savedLen := p.length
	savedEntries := len(p.entries)
	savedBytes := p.entryBytes

	rollback := func() writeResult {
		p.length = savedLen
		p.entries = p.entries[:savedEntries]
		p.entryBytes = savedBytes
		return rrOverflow
	}

	if owner == nil {
		if p.length+2 > MaxPacket {
			return rollback()
		}
		binary.BigEndian.PutUint16(p.buf[p.length:], 0xC000|uint16(headerSize))
		p.length += 2
	} else if !p.putName(EncodeName(owner)) {
		return rollback()
	}

	if p.length+8 > MaxPacket {
		return rollback()
	}
	binary.BigEndian.PutUint16(p.buf[p.length:], rrtype)
	p.length += 2
	binary.BigEndian.PutUint16(p.buf[p.length:], ClassIN)
	p.length += 2
	binary.BigEndian.PutUint32(p.buf[p.length:], ttl)
	p.length += 4

	if p.length+2 > MaxPacket {
		return rollback()
	}
	rdlenOff := p.length
	p.length += 2
	rdStart := p.length

	if !putRData(p) {
		return rollback()
	}
	rdlen := p.length - rdStart
	if rdlen > 255 {
		return rollback()
	}
	binary.BigEndian.PutUint16(p.buf[rdlenOff:], uint16(rdlen))

	if section == SectionAnswer {
		rdata := p.buf[rdStart:p.length]
		if p.hasDuplicateBefore(savedLen, rrtype, rdata) {
			p.length = savedLen
			p.entries = p.entries[:savedEntries]
			p.entryBytes = savedBytes
			return rrDuplicate
		}
	}

	switch section {
	case SectionAnswer:
		p.ancount++
	case SectionAuthority:
		p.nscount++
	}
	return rrWritten
}

// hasDuplicateBefore implements the addrec_any duplicate scan (spec.md
// §4.5/§9 Open Question): it assumes every prior record in [ansStart,limit)
// uses the fixed header shape of a question-name-pointer owner (12-byte
// prefix: 2 pointer + 2 type + 2 class + 4 ttl + 2 rdlen) and walks it
// structurally rather than scanning raw bytes.
func (p *Packet) hasDuplicateBefore(limit int, rrtype uint16, rdata []byte) bool {
	pos := p.ansStart
	for pos < limit {
		if pos+12 > limit {
			break
		}
		existingType := binary.BigEndian.Uint16(p.buf[pos+2 : pos+4])
		rdlen := int(binary.BigEndian.Uint16(p.buf[pos+10 : pos+12]))
		rdStart := pos + 12
		if rdStart+rdlen > limit {
			break
		}
		if existingType == rrtype && rdlen == len(rdata) && bytes.Equal(p.buf[rdStart:rdStart+rdlen], rdata) {
			return true
		}
		pos = rdStart + rdlen
	}
	return false
}

func (p *Packet) finish(res writeResult) bool {
	if res == rrOverflow {
		p.aa = false
		return false
	}
	return true
}

// AddA appends an A record to the answer section. TTL is the dataset's
// default TTL.
func (p *Packet) AddA(ip4 [4]byte, ttl uint32) bool {
	res := p.emit(SectionAnswer, nil, QTypeA, ttl, func(pp *Packet) bool {
		if pp.length+4 > MaxPacket {
			return false
		}
		copy(pp.buf[pp.length:], ip4[:])
		pp.length += 4
		return true
	})
	return p.finish(res)
}

// AddNS appends an NS record to the answer section.
func (p *Packet) AddNS(dn []byte, ttl uint32) bool {
	res := p.emit(SectionAnswer, nil, QTypeNS, ttl, func(pp *Packet) bool {
		return pp.putName(dn)
	})
	return p.finish(res)
}

// AddMX appends an MX record to the answer section.
func (p *Packet) AddMX(preference uint16, dn []byte, ttl uint32) bool {
	res := p.emit(SectionAnswer, nil, QTypeMX, ttl, func(pp *Packet) bool {
		if pp.length+2 > MaxPacket {
			return false
		}
		binary.BigEndian.PutUint16(pp.buf[pp.length:], preference)
		pp.length += 2
		return pp.putName(dn)
	})
	return p.finish(res)
}

// AddTXT appends a TXT record to the answer section. Occurrences of "$" in
// text are replaced by subst (defaulting to the literal "$"); the result
// is silently truncated to 254 bytes.
func (p *Packet) AddTXT(text, subst string, ttl uint32) bool {
	if subst == "" {
		subst = "$"
	}
	s := substituteDollar(text, subst)
	if len(s) > 254 {
		s = s[:254]
	}
	res := p.emit(SectionAnswer, nil, QTypeTXT, ttl, func(pp *Packet) bool {
		if pp.length+1+len(s) > MaxPacket {
			return false
		}
		pp.buf[pp.length] = byte(len(s))
		pp.length++
		copy(pp.buf[pp.length:], s)
		pp.length += len(s)
		return true
	})
	return p.finish(res)
}

func substituteDollar(text, subst string) string {
	if !bytes.ContainsRune([]byte(text), '$') {
		return text
	}
	var b bytes.Buffer
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		if text[i] == '$' {
			b.WriteString(subst)
		} else {
			b.WriteByte(text[i])
		}
	}
	return b.String()
}

// AddSOA emits origin's SOA record. section selects answer (TTL = defTTL,
// used when the query name equals the zone) or authority (TTL = the
// minimum field of blob, used for negative/empty answers). blob holds
// refresh/retry/expire/minimum as four big-endian uint32s. The owner name
// is always a fresh DN put (never a pointer straight to the question),
// per spec.md §4.5 — it still compresses against the pre-seeded table
// when origin is a suffix of the question name. soa==nil means the zone
// has no SOA: per spec.md §4.5, that clears AA for an answer-section call
// and is a silent no-op for an authority-section call.
func (p *Packet) AddSOA(soa *SOAParams, section Section, defTTL uint32) bool {
	if soa == nil {
		if section == SectionAnswer {
			p.aa = false
		}
		return true
	}
	ttl := defTTL
	if section == SectionAuthority {
		ttl = binary.BigEndian.Uint32(soa.Blob[12:16])
	}
	res := p.emit(section, soa.Origin, QTypeSOA, ttl, func(pp *Packet) bool {
		if !pp.putName(EncodeName(soa.RP)) {
			return false
		}
		if pp.length+4 > MaxPacket {
			return false
		}
		serial := soa.Serial
		if serial == 0 {
			serial = soa.LoadStamp
		}
		binary.BigEndian.PutUint32(pp.buf[pp.length:], serial)
		pp.length += 4
		if pp.length+16 > MaxPacket {
			return false
		}
		copy(pp.buf[pp.length:], soa.Blob[:])
		pp.length += 16
		return true
	})
	return p.finish(res)
}

// SOAParams is the wire-facing view of a zone's SOA record: the owner/RP
// names as label slices, the serial (0 meaning "substitute LoadStamp"),
// and the 16-byte refresh/retry/expire/minimum blob in network order.
type SOAParams struct {
	Origin    [][]byte
	RP        [][]byte
	Serial    uint32
	LoadStamp uint32
	Blob      [16]byte
}

// ClearAA forces the response to non-authoritative (used when a dataset
// query overflows the packet mid-answer).
func (p *Packet) ClearAA() { p.aa = false }

// SetAA sets the authoritative-answer bit.
func (p *Packet) SetAA(v bool) { p.aa = v }

// ANCount, NSCount report the counts written so far, for tests and logs.
func (p *Packet) ANCount() uint16 { return p.ancount }
func (p *Packet) NSCount() uint16 { return p.nscount }

// Finalize writes the final flags/rcode/counts and returns the complete
// wire-format response. rd echoes the request's RD bit.
func (p *Packet) Finalize(rcode uint8, rd bool) []byte {
	flags := uint16(0x8000)
	if p.aa {
		flags |= 0x0400
	}
	if rd {
		flags |= 0x0100
	}
	flags |= uint16(rcode & 0x0F)
	binary.BigEndian.PutUint16(p.buf[2:4], flags)
	binary.BigEndian.PutUint16(p.buf[6:8], p.ancount)
	binary.BigEndian.PutUint16(p.buf[8:10], p.nscount)
	binary.BigEndian.PutUint16(p.buf[10:12], p.arcount)
	return p.buf[:p.length]
}

// ResponseSkeleton builds the response header/question and decides, per
// spec.md §4.2, whether the query can proceed to zone dispatch at all.
// When proceed is false, rcode is terminal (NOTIMPL or FORMERR) and the
// caller should Finalize and send immediately.
func ResponseSkeleton(q *Query) (pkt *Packet, rcode uint8, proceed bool) {
	pkt = NewPacket()
	pkt.Init(q)

	if q.OpCode != 0 || q.AA || q.TC {
		pkt.ClearAA()
		return pkt, RCodeNotImp, false
	}

	switch q.QClass {
	case ClassIN:
		pkt.SetAA(true)
	case ClassANY:
		pkt.ClearAA()
	default:
		return pkt, RCodeFormErr, false
	}

	if _, notImpl := MapQType(q.QType); notImpl {
		pkt.ClearAA()
		return pkt, RCodeNotImp, false
	}

	return pkt, RCodeNoError, true
}
