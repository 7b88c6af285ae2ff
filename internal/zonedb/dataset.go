// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package zonedb

import (
	"fmt"
	"os"
	"sync"
)

// TypeFlags describes capability bits a DatasetType declares for itself
// (spec.md §6 "flags: a bitmask including is IPv4-reverse, is ACL, and
// supports $DATASET").
type TypeFlags uint32

const (
	FlagIPv4Reverse TypeFlags = 1 << iota
	FlagACL
	FlagSupportsSubDataset
)

// SOARecord is the wire-facing shape of a dataset or zone's SOA (spec.md
// §3 "SOA record (dssoa)"). Serial == 0 means "substitute the load stamp
// at emit time".
type SOARecord struct {
	TTL     uint32
	Origin  Name
	RP      Name
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

// Blob packs refresh/retry/expire/minimum into the 16-byte network-order
// layout wire.SOAParams expects.
func (s *SOARecord) Blob() [16]byte {
	var b [16]byte
	putU32(b[0:4], s.Refresh)
	putU32(b[4:8], s.Retry)
	putU32(b[8:12], s.Expire)
	putU32(b[12:16], s.Minimum)
	return b
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// NSRecord is one entry of a dataset or zone's NS list (spec.md §3 "NS
// record (dsns)"); the original's singly-linked list becomes a slice.
type NSRecord struct {
	TTL uint32
	DN  Name
}

// DatasetFile tracks one source file's load state (spec.md §3 "Dataset
// file"): path, last-seen stat, and the stamp it contributed.
type DatasetFile struct {
	Path      string
	LastMTime int64
	LastSize  int64
	Stamp     int64
}

// Stat re-stats the file and reports whether mtime or size differ from
// the last recorded load (spec.md §4.8 "schedule reload" condition).
func (f *DatasetFile) Stat() (changed bool, mtime int64, size int64, err error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return false, 0, 0, err
	}
	mtime = info.ModTime().UnixNano()
	size = info.Size()
	changed = mtime != f.LastMTime || size != f.LastSize
	return changed, mtime, size, nil
}

// DatasetType is the vtable every concrete dataset type implements
// (spec.md §6 "collaborator interface — dataset type descriptor" and §9
// "model as a virtual table or tagged variant"). Dataset identity is
// (type-tag, spec-string); Registry enforces sharing on that pair.
type DatasetType interface {
	// Tag is the dataset-type keyword used in zone config and $DATASET.
	Tag() string
	// Flags reports this type's static capability bits.
	Flags() TypeFlags
	// Start is called at the beginning of each file load.
	Start(ds *Dataset)
	// Line is called per non-directive line. A non-nil error with
	// fatal=true aborts the whole dataset load; fatal=false logs and
	// continues to the next line.
	Line(ds *Dataset, line string) (fatal bool, err error)
	// Finish is called at the end of each file's load.
	Finish(ds *Dataset)
	// Reset tears down per-type opaque data; called before a reload
	// re-streams every file, and whenever a load aborts.
	Reset(ds *Dataset)
	// Query answers a single query against this dataset's loaded data,
	// emitting records into pkt via cb. Returns whether the dataset
	// positively matched the name at all (even if no RR of the asked
	// type exists), per spec.md §4.6.
	Query(ds *Dataset, q Query, cb RecordSink) (matched bool)
	// Dump writes a master-file rendition of this dataset's records
	// under zoneDN to w (spec.md §6 "dump"). Optional: types that don't
	// support it return nil without writing anything.
	Dump(ds *Dataset, zoneDN Name, w *os.File) error
}

// RecordSink is the subset of wire.Packet's emitters a DatasetType needs,
// kept as an interface here so zonedb never imports the wire package
// directly (wire is consumed by the server, which wires the two
// together).
type RecordSink interface {
	AddA(ip4 [4]byte, ttl uint32) bool
	AddNS(dn []byte, ttl uint32) bool
	AddMX(preference uint16, dn []byte, ttl uint32) bool
	AddTXT(text, subst string, ttl uint32) bool
	ANCount() uint16
}

// Query is the dispatch-time view of an inbound question a DatasetType's
// Query method receives: the full name, the labels below the zone apex,
// type flag, and (for IPv4-reverse zones) the decoded address.
type Query struct {
	Name      Name
	TypeFlag  uint16
	SubLabels Name // labels strictly below the zone apex, root-last order
	HasAddr4  bool
	Addr4     [4]byte
	OctetsLen int // number of leading labels consumed decoding Addr4
}

// Dataset is a typed, file-backed collection of records shared by
// identity across zones (spec.md §3 "Dataset"). Dataset types copy
// per-record text into Arena; all per-load state (Arena, SOA, NS, TTL,
// substitutions, Opaque) is cleared together on Reset.
type Dataset struct {
	Type DatasetType
	Spec string // source-spec string identifying this instance

	Files []*DatasetFile

	Arena *Arena

	mu         sync.RWMutex
	soa        *SOARecord
	ns         []NSRecord
	ttl        uint32
	defaultTTL uint32 // restored by Reset; see NewDataset
	maxRange4  uint32
	subst      [10]string
	substSet   [10]bool
	stamp      int64

	// Opaque is per-type payload (e.g. the loaded IP trie, the sorted
	// entry list) built during Line/Finish and cleared on Reset.
	Opaque any
}

// NewDataset constructs a dataset instance for the given type and files.
// defaultTTL seeds TTL before any $TTL directive is seen.
func NewDataset(t DatasetType, spec string, files []string, defaultTTL uint32) *Dataset {
	ds := &Dataset{
		Type:       t,
		Spec:       spec,
		Arena:      NewArena(),
		ttl:        defaultTTL,
		defaultTTL: defaultTTL,
	}
	for _, f := range files {
		ds.Files = append(ds.Files, &DatasetFile{Path: f})
	}
	return ds
}

// Stamp reports the dataset's aggregate load stamp (0 if never
// successfully loaded).
func (ds *Dataset) Stamp() int64 {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.stamp
}

// SetStamp is called by the reload supervisor once a load completes.
func (ds *Dataset) SetStamp(s int64) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.stamp = s
}

// SOA returns the dataset's current SOA, or nil if none was set via $SOA.
func (ds *Dataset) SOA() *SOARecord {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.soa
}

// SetSOAOnce installs soa iff one is not already set, per spec.md §4.7
// "$SOA ... later $SOA lines ignored" and §8 invariant 8 (assign-once per
// load cycle). Returns false if a SOA was already present.
func (ds *Dataset) SetSOAOnce(soa *SOARecord) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.soa != nil {
		return false
	}
	ds.soa = soa
	return true
}

// NS returns the dataset's current NS list.
func (ds *Dataset) NS() []NSRecord {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.ns
}

// SetNSOnce installs ns iff the NS list is empty, per spec.md §4.7's
// chosen resolution of the INCOMPAT_0_99 open question: single-line $NS
// is authoritative, later lines are logged and ignored.
func (ds *Dataset) SetNSOnce(ns []NSRecord) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if len(ds.ns) != 0 {
		return false
	}
	ds.ns = ns
	return true
}

// TTL returns the dataset's current default TTL.
func (ds *Dataset) TTL() uint32 {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.ttl
}

// SetTTL overrides the default TTL; $TTL may appear multiple times and
// each occurrence takes effect for subsequent lines (spec.md §4.7), so
// unlike $SOA/$NS this is not assign-once.
func (ds *Dataset) SetTTL(ttl uint32) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.ttl = ttl
}

// MaxRange4 returns the current $MAXRANGE4 cap (0 meaning unset/unbounded).
func (ds *Dataset) MaxRange4() uint32 {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.maxRange4
}

// SetMaxRange4 applies spec.md §4.7's monotonic-decrease rule: raising the
// cap is rejected (the caller logs a warning), lowering it takes effect.
func (ds *Dataset) SetMaxRange4(n uint32) (applied bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.maxRange4 != 0 && n > ds.maxRange4 {
		return false
	}
	ds.maxRange4 = n
	return true
}

// Subst returns substitution string n ($0..$9).
func (ds *Dataset) Subst(n int) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.subst[n]
}

// SetSubstOnce installs $n once; later assignments to the same n are
// ignored (spec.md §4.7, §8 invariant 8).
func (ds *Dataset) SetSubstOnce(n int, text string) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.substSet[n] {
		return false
	}
	ds.subst[n] = text
	ds.substSet[n] = true
	return true
}

// Reset clears all per-load state: SOA, NS, TTL (back to the dataset's
// configured default, so a removed $TTL line doesn't leave a stale
// override in place), substitutions, max-range, opaque payload, and
// arena contents, then delegates to the type's Reset callback. Called at
// the start of every reload attempt (spec.md §4.8 step 1, "clear pool and
// all per-dataset SOA/NS/TTL/subst state").
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	ds.soa = nil
	ds.ns = nil
	ds.ttl = ds.defaultTTL
	ds.maxRange4 = 0
	ds.subst = [10]string{}
	ds.substSet = [10]bool{}
	ds.Opaque = nil
	ds.mu.Unlock()

	ds.Arena.Reset()
	ds.Type.Reset(ds)
}

// Dump delegates to the type's optional master-file emitter.
func (ds *Dataset) Dump(zoneDN Name, w *os.File) error {
	if ds.Type == nil {
		return fmt.Errorf("dataset %s: no type bound", ds.Spec)
	}
	return ds.Type.Dump(ds, zoneDN, w)
}
