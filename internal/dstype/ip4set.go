// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

// Package dstype implements the concrete dataset types (generic, ip4set,
// dnset, combined) as zonedb.DatasetType vtables: each carries its
// teacher-era parsing logic (CIDR handling, Spamhaus A|TXT shorthand,
// wildcard/negation dnset rules) forward, rewired onto arena allocation
// and the $-directive substitution state in internal/dsdir.
package dstype

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/samresto/rbldnsd/internal/zonedb"
)

// ip4SetEntry is one loaded range: [lo, hi] inclusive, both as big-endian
// uint32 host-order addresses, plus its listing address and optional TXT
// template. All byte slices are arena-owned.
type ip4SetEntry struct {
	lo, hi   uint32
	aRecord  [4]byte
	txt      string
	ttl      uint32
	excluded bool
}

// ip4SetData is the opaque per-load state for an IP4Set dataset, built
// during Line/Finish and cleared on Reset.
type ip4SetData struct {
	entries []ip4SetEntry // sorted by lo in Finish
}

// IP4Set is the IPv4 range-listing dataset type (spec.md's DS_MAXRANGE4
// data model): queries decode a reverse-order dotted IPv4 name and answer
// A/TXT if the address falls inside a loaded range. Ranges are held in a
// slice sorted by low address and scanned linearly at query time. The
// config keyword "ip4trie" selects this same type.
type IP4Set struct{}

func (IP4Set) Tag() string { return "ip4set" }

func (IP4Set) Flags() zonedb.TypeFlags { return zonedb.FlagIPv4Reverse }

func (IP4Set) Start(ds *zonedb.Dataset) {
	if data, _ := ds.Opaque.(*ip4SetData); data == nil {
		ds.Opaque = &ip4SetData{}
	}
}

func (IP4Set) Line(ds *zonedb.Dataset, line string) (fatal bool, err error) {
	data, _ := ds.Opaque.(*ip4SetData)
	if data == nil {
		data = &ip4SetData{}
		ds.Opaque = data
	}

	fields := strings.SplitN(line, " ", 2)
	spec := strings.TrimSpace(fields[0])
	rest := ""
	if len(fields) > 1 {
		rest = fields[1]
	}

	lo, hi, excluded, err := parseIPRange(spec)
	if err != nil {
		return false, fmt.Errorf("ip4set: %w", err)
	}

	if cap := ds.MaxRange4(); cap != 0 {
		if span := hi - lo + 1; span > cap {
			return false, fmt.Errorf("ip4set: range %s exceeds $MAXRANGE4 cap", spec)
		}
	}

	aRecord, txt, ttl := parseATxt(rest)
	if ttl == 0 {
		ttl = ds.TTL()
	}
	txtCopy := ds.Arena.CopyBytes([]byte(txt)) // arena-own the template text
	entry := ip4SetEntry{
		lo: lo, hi: hi,
		aRecord:  aRecord,
		txt:      string(txtCopy),
		ttl:      ttl,
		excluded: excluded,
	}
	data.entries = append(data.entries, entry)
	return false, nil
}

func (IP4Set) Finish(ds *zonedb.Dataset) {
	data, _ := ds.Opaque.(*ip4SetData)
	if data == nil {
		return
	}
	sort.Slice(data.entries, func(i, j int) bool { return data.entries[i].lo < data.entries[j].lo })
}

func (IP4Set) Reset(ds *zonedb.Dataset) {
	ds.Opaque = nil
}

func (IP4Set) Query(ds *zonedb.Dataset, q zonedb.Query, cb zonedb.RecordSink) bool {
	if !q.HasAddr4 {
		return false
	}
	data, _ := ds.Opaque.(*ip4SetData)
	if data == nil {
		return false
	}
	addr := binary.BigEndian.Uint32(q.Addr4[:])

	// Linear scan is sufficient at the sizes this core targets (no
	// per-query heap allocation either way); a sorted slice keeps Finish
	// simple and Dump ordered.
	for _, e := range data.entries {
		if addr < e.lo || addr > e.hi {
			continue
		}
		if e.excluded {
			return false
		}
		flag := zonedb.TypeFlagBits(q.TypeFlag)
		if flag&(zonedb.QFlagA|zonedb.QFlagANY) != 0 {
			cb.AddA(e.aRecord, e.ttl)
		}
		if flag&(zonedb.QFlagTXT|zonedb.QFlagANY) != 0 && e.txt != "" {
			cb.AddTXT(e.txt, ds.Subst(0), e.ttl)
		}
		return true
	}
	return false
}

func (IP4Set) Dump(ds *zonedb.Dataset, zoneDN zonedb.Name, w *os.File) error {
	data, _ := ds.Opaque.(*ip4SetData)
	if data == nil {
		return nil
	}
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	for _, e := range data.entries {
		lo := addrString(e.lo)
		hi := addrString(e.hi)
		if _, err := fmt.Fprintf(bw, "%s-%s :%s:%s\n", lo, hi, addrString4(e.aRecord), e.txt); err != nil {
			return err
		}
	}
	return nil
}

func addrString(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func addrString4(b [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// parseIPRange accepts a bare IP (a single-address range), a CIDR
// (range = network to broadcast), or an "a.b.c.d-e.f.g.h" range, carrying
// forward the teacher's CIDR/plain-IP acceptance from ip4set/ip4trie file
// parsing. A leading '!' marks an excluded (never-match) range.
func parseIPRange(spec string) (lo, hi uint32, excluded bool, err error) {
	if strings.HasPrefix(spec, "!") {
		excluded = true
		spec = spec[1:]
	}

	if strings.Contains(spec, "-") {
		parts := strings.SplitN(spec, "-", 2)
		loIP := net.ParseIP(strings.TrimSpace(parts[0])).To4()
		hiIP := net.ParseIP(strings.TrimSpace(parts[1])).To4()
		if loIP == nil || hiIP == nil {
			return 0, 0, false, fmt.Errorf("invalid range %q", spec)
		}
		return binary.BigEndian.Uint32(loIP), binary.BigEndian.Uint32(hiIP), excluded, nil
	}

	if strings.Contains(spec, "/") {
		_, ipnet, err := net.ParseCIDR(spec)
		if err != nil {
			return 0, 0, false, err
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			return 0, 0, false, fmt.Errorf("%q is not IPv4", spec)
		}
		ones, bits := ipnet.Mask.Size()
		base := binary.BigEndian.Uint32(ip4)
		hostBits := uint32(bits - ones)
		var span uint32
		if hostBits >= 32 {
			span = 0xFFFFFFFF
		} else {
			span = (uint32(1) << hostBits) - 1
		}
		return base, base + span, excluded, nil
	}

	ip := net.ParseIP(spec)
	if ip == nil {
		return 0, 0, false, fmt.Errorf("invalid IPv4 address %q", spec)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, 0, false, fmt.Errorf("%q is not IPv4", spec)
	}
	v := binary.BigEndian.Uint32(ip4)
	return v, v, excluded, nil
}

// parseATxt parses the Spamhaus-style ":A:TXT" shorthand carried forward
// from the teacher's dataset parser: ":2:text" -> 127.0.0.2, "text"; a
// bare value with no leading colon is treated as a TXT-only template
// against the default listing address 127.0.0.2.
func parseATxt(s string) (aRecord [4]byte, txt string, ttl uint32) {
	aRecord = [4]byte{127, 0, 0, 2}
	s = strings.TrimSpace(s)
	if s == "" {
		return aRecord, "", 0
	}
	if strings.HasPrefix(s, ":") {
		parts := strings.SplitN(s[1:], ":", 2)
		spec := strings.TrimSpace(parts[0])
		if len(parts) > 1 {
			txt = parts[1]
		}
		if spec != "" {
			if !strings.Contains(spec, ".") && len(spec) <= 3 {
				spec = "127.0.0." + spec
			}
			if ip := net.ParseIP(spec).To4(); ip != nil {
				copy(aRecord[:], ip)
			}
		}
		return aRecord, txt, 0
	}
	return aRecord, s, 0
}
