// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package dstype

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/samresto/rbldnsd/internal/zonedb"

	"github.com/samresto/rbldnsd/internal/dsdir"
)

// genericRecord is one loaded A/TXT/MX/NS entry under an explicit name,
// carried forward from the teacher's GenericEntry.
type genericRecord struct {
	typeFlag zonedb.TypeFlagBits
	ttl      uint32
	a        [4]byte
	txt      string
	mxPrio   uint16
	dn       []byte // wire-encoded, for NS/MX targets
}

type genericData struct {
	byName map[string][]genericRecord
}

// Generic is a name-keyed dataset type: each line binds an explicit owner
// name to one record, unlike IP4Set/DNSet which key off the query's
// address or suffix shape.
type Generic struct{}

func (Generic) Tag() string              { return "generic" }
func (Generic) Flags() zonedb.TypeFlags  { return 0 }
func (Generic) Start(ds *zonedb.Dataset) {
	if data, _ := ds.Opaque.(*genericData); data == nil {
		ds.Opaque = &genericData{byName: map[string][]genericRecord{}}
	}
}

func (Generic) Line(ds *zonedb.Dataset, line string) (fatal bool, err error) {
	data, _ := ds.Opaque.(*genericData)
	if data == nil {
		data = &genericData{byName: map[string][]genericRecord{}}
		ds.Opaque = data
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return false, fmt.Errorf("generic: expected at least 3 fields, got %d", len(fields))
	}
	name := strings.ToLower(strings.TrimSuffix(fields[0], "."))
	rrtype := strings.ToUpper(fields[1])
	value := strings.Join(fields[2:], " ")

	rec := genericRecord{ttl: ds.TTL()}
	switch rrtype {
	case "A":
		ip := net.ParseIP(value).To4()
		if ip == nil {
			return false, fmt.Errorf("generic: invalid A value %q", value)
		}
		rec.typeFlag = zonedb.QFlagA
		copy(rec.a[:], ip)
	case "TXT":
		rec.typeFlag = zonedb.QFlagTXT
		rec.txt = string(ds.Arena.CopyBytes([]byte(value)))
	case "MX":
		parts := strings.SplitN(value, " ", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("generic: MX requires preference and target")
		}
		prio, err := dsdir.ParseUint32(parts[0])
		if err != nil {
			return false, fmt.Errorf("generic: MX preference: %w", err)
		}
		rec.typeFlag = zonedb.QFlagMX
		rec.mxPrio = uint16(prio)
		rec.dn = encodeWireName(zonedb.ParseName(parts[1]))
	case "NS":
		rec.typeFlag = zonedb.QFlagNS
		rec.dn = encodeWireName(zonedb.ParseName(value))
	default:
		return false, fmt.Errorf("generic: unsupported record type %q", rrtype)
	}

	data.byName[name] = append(data.byName[name], rec)
	return false, nil
}

func (Generic) Finish(ds *zonedb.Dataset) {}
func (Generic) Reset(ds *zonedb.Dataset)  { ds.Opaque = nil }

func (Generic) Query(ds *zonedb.Dataset, q zonedb.Query, cb zonedb.RecordSink) bool {
	data, _ := ds.Opaque.(*genericData)
	if data == nil {
		return false
	}
	// Generic entries are keyed by their full dotted query name, written
	// by Line with a trailing dot trimmed; q.Name.String() always ends in
	// a dot, so trim it the same way before looking up.
	key := strings.TrimSuffix(q.Name.String(), ".")
	recs, ok := data.byName[key]
	if !ok {
		return false
	}
	flag := zonedb.TypeFlagBits(q.TypeFlag)
	for _, r := range recs {
		if flag&zonedb.QFlagANY == 0 && flag&r.typeFlag == 0 {
			continue
		}
		switch r.typeFlag {
		case zonedb.QFlagA:
			cb.AddA(r.a, r.ttl)
		case zonedb.QFlagTXT:
			cb.AddTXT(r.txt, ds.Subst(0), r.ttl)
		case zonedb.QFlagMX:
			cb.AddMX(r.mxPrio, r.dn, r.ttl)
		case zonedb.QFlagNS:
			cb.AddNS(r.dn, r.ttl)
		}
	}
	return true
}

func (Generic) Dump(ds *zonedb.Dataset, zoneDN zonedb.Name, w *os.File) error {
	data, _ := ds.Opaque.(*genericData)
	if data == nil {
		return nil
	}
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	for name, recs := range data.byName {
		for _, r := range recs {
			fmt.Fprintf(bw, "%s %d\n", name, r.ttl)
		}
	}
	return nil
}

func encodeWireName(n zonedb.Name) []byte {
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
