// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package dstype

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/samresto/rbldnsd/internal/zonedb"
)

// dnsetEntry is one loaded domain pattern, carried forward from the
// teacher's DNSetEntry: a plain name, a wildcard ("*.suffix"), or a
// negation ("!name"/"!*.suffix") that excludes an otherwise-matching name.
type dnsetEntry struct {
	name     zonedb.Name
	wildcard bool
	negate   bool
	txt      string
	ttl      uint32
}

type dnsetData struct {
	entries []dnsetEntry // sorted: plain before wildcard, longer name first
}

// DNSet blocklists whole domain names (and their subdomains, via
// wildcards), answering TXT/A for any query name matching a loaded
// pattern.
type DNSet struct{}

func (DNSet) Tag() string             { return "dnset" }
func (DNSet) Flags() zonedb.TypeFlags { return 0 }
func (DNSet) Start(ds *zonedb.Dataset) {
	if data, _ := ds.Opaque.(*dnsetData); data == nil {
		ds.Opaque = &dnsetData{}
	}
}

func (DNSet) Line(ds *zonedb.Dataset, line string) (fatal bool, err error) {
	data, _ := ds.Opaque.(*dnsetData)
	if data == nil {
		data = &dnsetData{}
		ds.Opaque = data
	}
	fields := strings.SplitN(line, " ", 2)
	spec := fields[0]
	rest := ""
	if len(fields) > 1 {
		rest = fields[1]
	}

	negate := strings.HasPrefix(spec, "!")
	if negate {
		spec = spec[1:]
	}
	wildcard := strings.HasPrefix(spec, "*.")
	if wildcard {
		spec = strings.TrimPrefix(spec, "*.")
	}

	_, txt, _ := parseATxt(rest)
	entry := dnsetEntry{
		name:     zonedb.ParseName(spec),
		wildcard: wildcard,
		negate:   negate,
		txt:      string(ds.Arena.CopyBytes([]byte(txt))),
		ttl:      ds.TTL(),
	}
	data.entries = append(data.entries, entry)
	return false, nil
}

func (DNSet) Finish(ds *zonedb.Dataset) {
	data, _ := ds.Opaque.(*dnsetData)
	if data == nil {
		return
	}
	sort.SliceStable(data.entries, func(i, j int) bool {
		a, b := data.entries[i], data.entries[j]
		if a.wildcard != b.wildcard {
			return !a.wildcard // plain entries before wildcard entries
		}
		return len(a.name) > len(b.name) // longer (more specific) first
	})
}

func (DNSet) Reset(ds *zonedb.Dataset) { ds.Opaque = nil }

func (DNSet) Query(ds *zonedb.Dataset, q zonedb.Query, cb zonedb.RecordSink) bool {
	data, _ := ds.Opaque.(*dnsetData)
	if data == nil {
		return false
	}
	for _, e := range data.entries {
		if !dnsetMatches(e, q.Name) {
			continue
		}
		if e.negate {
			return false
		}
		flag := zonedb.TypeFlagBits(q.TypeFlag)
		if flag&(zonedb.QFlagA|zonedb.QFlagANY) != 0 {
			cb.AddA([4]byte{127, 0, 0, 2}, e.ttl)
		}
		if flag&(zonedb.QFlagTXT|zonedb.QFlagANY) != 0 && e.txt != "" {
			cb.AddTXT(e.txt, ds.Subst(0), e.ttl)
		}
		return true
	}
	return false
}

func dnsetMatches(e dnsetEntry, query zonedb.Name) bool {
	if e.wildcard {
		return e.name.IsSuffixOf(query) && len(query) > len(e.name)
	}
	return e.name.Equal(query)
}

func (DNSet) Dump(ds *zonedb.Dataset, zoneDN zonedb.Name, w *os.File) error {
	data, _ := ds.Opaque.(*dnsetData)
	if data == nil {
		return nil
	}
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	for _, e := range data.entries {
		prefix := ""
		if e.negate {
			prefix = "!"
		}
		if e.wildcard {
			prefix += "*."
		}
		if _, err := fmt.Fprintf(bw, "%s%s :%s\n", prefix, e.name.String(), e.txt); err != nil {
			return err
		}
	}
	return nil
}
