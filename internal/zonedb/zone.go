// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package zonedb

import "sync"

// Attachment links a zone to one of its datasets in attachment order
// (spec.md §3 "Zones hold weak references to datasets through a linked
// list of attachment nodes" and §9 "zones reference datasets; datasets do
// not reference zones").
type Attachment struct {
	Dataset *Dataset
}

// Zone is a DN the server is authoritative for, plus its derived SOA/NS
// and attached datasets (spec.md §3 "Zone").
type Zone struct {
	DN    Name
	Flags TypeFlags // derived from attached dataset types (e.g. IPv4Reverse)

	Attachments []Attachment
	ACL         *Dataset // optional, FlagACL dataset scoped to this zone

	mu    sync.RWMutex
	soa   *SOARecord
	ns    []NSRecord
	stamp int64
}

// NewZone constructs a zone for dn with no attachments yet.
func NewZone(dn Name) *Zone {
	return &Zone{DN: dn}
}

// Attach adds ds to the zone's dataset list in order; order determines
// both query-dispatch order (spec.md §4.6 "Iterate attached datasets in
// order") and SOA/NS derivation priority (§4.8 "first attached dataset
// that carries one").
func (z *Zone) Attach(ds *Dataset) {
	z.Attachments = append(z.Attachments, Attachment{Dataset: ds})
	z.Flags |= ds.Type.Flags()
}

// Stamp reports the zone's current aggregate load stamp.
func (z *Zone) Stamp() int64 {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.stamp
}

// Serviceable reports whether the zone can currently answer queries
// (spec.md §3 invariant: "a zone is serviceable iff its load timestamp is
// nonzero and all its attached datasets have nonzero load timestamps").
func (z *Zone) Serviceable() bool {
	return z.Stamp() != 0
}

// SOA returns the zone's current effective SOA (derived at reload time),
// or nil.
func (z *Zone) SOA() *SOARecord {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.soa
}

// NS returns the zone's current effective NS list.
func (z *Zone) NS() []NSRecord {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.ns
}

// Rederive recomputes the zone's aggregate stamp, effective SOA, and
// effective NS list from its currently-attached datasets, per spec.md
// §4.8's final pass: "its stamp is the max of attached datasets' stamps;
// any attached dataset with stamp 0 forces the zone stamp to 0. Derive
// the zone's effective SOA from the first attached dataset that carries
// one; derive the NS list similarly, with TTL = minimum across
// contributors."
func (z *Zone) Rederive() {
	var maxStamp int64
	anyZero := len(z.Attachments) == 0
	var soa *SOARecord
	var ns []NSRecord
	minTTL := uint32(0)
	haveNS := false

	for _, att := range z.Attachments {
		s := att.Dataset.Stamp()
		if s == 0 {
			anyZero = true
		}
		if s > maxStamp {
			maxStamp = s
		}
		if soa == nil {
			soa = att.Dataset.SOA()
		}
		if dsns := att.Dataset.NS(); len(dsns) > 0 {
			for _, rec := range dsns {
				if !haveNS || rec.TTL < minTTL {
					minTTL = rec.TTL
				}
				haveNS = true
				ns = append(ns, rec)
			}
		}
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if anyZero {
		z.stamp = 0
	} else {
		z.stamp = maxStamp
	}
	z.soa = soa
	for i := range ns {
		ns[i].TTL = minTTL
	}
	z.ns = ns
}

// Registry is the process-wide, explicitly-owned zone/dataset state
// spec.md §9 asks for in place of file-scope globals: "model as a single
// config registry with an explicit init and a reload entry point; thread
// all state through a context."
type Registry struct {
	mu sync.RWMutex

	// zones is kept ordered longest-DN-first so Match's linear scan
	// implements longest-suffix match (spec.md §3's list-ordering
	// invariant).
	zones []*Zone

	// datasets is keyed by "tag\x00spec" so a given (type, spec) pair is
	// instantiated once and shared across zones (spec.md §3 "Datasets
	// are shared").
	datasets map[string]*Dataset

	// GlobalACL is a slot for a process-wide ACL dataset. Nothing in this
	// module assigns it, and query handling does not consult it; a zone
	// config entry with an empty zone name does not install one.
	GlobalACL *Dataset
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{datasets: make(map[string]*Dataset)}
}

func datasetKey(tag, spec string) string { return tag + "\x00" + spec }

// GetOrCreateDataset returns the shared dataset instance for (tag, spec),
// creating it via newFn if this is the first reference.
func (r *Registry) GetOrCreateDataset(tag, spec string, newFn func() *Dataset) *Dataset {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := datasetKey(tag, spec)
	if ds, ok := r.datasets[key]; ok {
		return ds
	}
	ds := newFn()
	r.datasets[key] = ds
	return ds
}

// Datasets returns every distinct dataset instance currently registered,
// for the reload supervisor to iterate.
func (r *Registry) Datasets() []*Dataset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Dataset, 0, len(r.datasets))
	for _, ds := range r.datasets {
		out = append(out, ds)
	}
	return out
}

// AddZone registers z, keeping the zones slice sorted longest-DN-first.
func (r *Registry) AddZone(z *Zone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := 0
	for ; i < len(r.zones); i++ {
		if len(z.DN) > len(r.zones[i].DN) {
			break
		}
	}
	r.zones = append(r.zones, nil)
	copy(r.zones[i+1:], r.zones[i:])
	r.zones[i] = z
}

// Zones returns the registered zones in match order.
func (r *Registry) Zones() []*Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Zone, len(r.zones))
	copy(out, r.zones)
	return out
}

// MatchResult is the outcome of a zone-match scan.
type MatchResult int

const (
	MatchRefused MatchResult = iota
	MatchServfail
	MatchOK
)

// Match implements spec.md §4.3: walk the zone list and accept the first
// whose DN is a suffix of query. Absent zones: REFUSED. Present but
// unloaded (Stamp()==0): SERVFAIL.
func (r *Registry) Match(query Name) (*Zone, MatchResult) {
	r.mu.RLock()
	zones := r.zones
	r.mu.RUnlock()

	for _, z := range zones {
		if z.DN.IsSuffixOf(query) {
			if !z.Serviceable() {
				return z, MatchServfail
			}
			return z, MatchOK
		}
	}
	return nil, MatchRefused
}
