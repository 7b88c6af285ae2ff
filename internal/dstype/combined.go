// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package dstype

import (
	"fmt"
	"os"

	"github.com/samresto/rbldnsd/internal/zonedb"
)

// Combined queries a fixed ordered list of sub-datasets, stopping at the
// first that positively matches (spec.md §4.6 "Iterate attached datasets
// in order"). It also implements $DATASET: opening a named sub-dataset
// switches which member subsequent file lines are parsed into.
type Combined struct {
	Members []zonedb.DatasetType
}

type combinedData struct {
	current int
	subData []any // per-member Opaque, indexed like Members
}

func (c Combined) Tag() string { return "combined" }

func (Combined) Flags() zonedb.TypeFlags { return zonedb.FlagSupportsSubDataset }

func (c Combined) Start(ds *zonedb.Dataset) {
	data, _ := ds.Opaque.(*combinedData)
	if data == nil {
		data = &combinedData{subData: make([]any, len(c.Members))}
		ds.Opaque = data
	}
	if data.current < len(c.Members) {
		swapOpaque(ds, data, data.current, func() { c.Members[data.current].Start(ds) })
	}
}

func (c Combined) Line(ds *zonedb.Dataset, line string) (fatal bool, err error) {
	data, _ := ds.Opaque.(*combinedData)
	if data == nil || data.current >= len(c.Members) {
		return false, fmt.Errorf("combined: no active sub-dataset for line")
	}
	var f bool
	swapOpaque(ds, data, data.current, func() {
		f, err = c.Members[data.current].Line(ds, line)
	})
	return f, err
}

func (c Combined) Finish(ds *zonedb.Dataset) {
	data, _ := ds.Opaque.(*combinedData)
	if data == nil {
		return
	}
	for i, m := range c.Members {
		swapOpaque(ds, data, i, func() { m.Finish(ds) })
	}
}

func (c Combined) Reset(ds *zonedb.Dataset) {
	data, _ := ds.Opaque.(*combinedData)
	if data == nil {
		ds.Opaque = nil
		return
	}
	for i, m := range c.Members {
		swapOpaque(ds, data, i, func() { m.Reset(ds) })
	}
	ds.Opaque = nil
}

func (c Combined) Query(ds *zonedb.Dataset, q zonedb.Query, cb zonedb.RecordSink) bool {
	data, _ := ds.Opaque.(*combinedData)
	if data == nil {
		return false
	}
	for i, m := range c.Members {
		matched := false
		swapOpaque(ds, data, i, func() { matched = m.Query(ds, q, cb) })
		if matched {
			return true
		}
	}
	return false
}

func (c Combined) Dump(ds *zonedb.Dataset, zoneDN zonedb.Name, w *os.File) error {
	data, _ := ds.Opaque.(*combinedData)
	if data == nil {
		return nil
	}
	for i, m := range c.Members {
		var err error
		swapOpaque(ds, data, i, func() { err = m.Dump(ds, zoneDN, w) })
		if err != nil {
			return err
		}
	}
	return nil
}

// OpenSubDataset implements the interface internal/dsdir's $DATASET
// handler looks for: it switches which member subsequent Line calls route
// to, looked up by the member's own Tag(). Members sharing the same Tag
// are not distinguishable this way; configurations needing two instances
// of the same member type should use distinct Combined groups instead.
func (c Combined) OpenSubDataset(ds *zonedb.Dataset, name string) error {
	data, _ := ds.Opaque.(*combinedData)
	if data == nil {
		return fmt.Errorf("combined: not started")
	}
	for i, m := range c.Members {
		if m.Tag() == name {
			data.current = i
			return nil
		}
	}
	return fmt.Errorf("combined: no sub-dataset named %q", name)
}

// swapOpaque lets a member's callback see its own per-member Opaque
// (stashed in combinedData.subData) instead of the combinedData wrapper,
// then saves whatever the member left behind. It never touches
// data.current: callers that iterate every member (Finish/Reset/Query/
// Dump) must not clobber which member $DATASET has selected for
// subsequent Line calls.
func swapOpaque(ds *zonedb.Dataset, data *combinedData, i int, fn func()) {
	saved := ds.Opaque
	ds.Opaque = data.subData[i]
	fn()
	data.subData[i] = ds.Opaque
	ds.Opaque = saved
}
