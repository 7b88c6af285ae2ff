// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package reload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samresto/rbldnsd/internal/dstype"
	"github.com/samresto/rbldnsd/internal/zonedb"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func TestTickLoadsNewDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zone.txt")
	writeFile(t, path, "192.168.0.1 :2:listed\n")

	reg := zonedb.NewRegistry()
	ds := reg.GetOrCreateDataset("ip4set", path, func() *zonedb.Dataset {
		return zonedb.NewDataset(dstype.IP4Set{}, path, []string{path}, 86400)
	})
	zone := zonedb.NewZone(zonedb.ParseName("example.com"))
	zone.Attach(ds)
	reg.AddZone(zone)

	if ds.Stamp() != 0 {
		t.Fatalf("expected an unloaded dataset to start at stamp 0")
	}

	NewSupervisor(reg).Tick()

	if ds.Stamp() == 0 {
		t.Fatalf("expected Tick to load the dataset and set a nonzero stamp")
	}
	if !zone.Serviceable() {
		t.Fatalf("expected the zone to become serviceable after Tick")
	}
}

func TestTickSkipsUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zone.txt")
	writeFile(t, path, "192.168.0.1 :2:listed\n")

	reg := zonedb.NewRegistry()
	ds := reg.GetOrCreateDataset("ip4set", path, func() *zonedb.Dataset {
		return zonedb.NewDataset(dstype.IP4Set{}, path, []string{path}, 86400)
	})

	sup := NewSupervisor(reg)
	sup.Tick()
	first := ds.Stamp()

	sup.Tick()
	if ds.Stamp() != first {
		t.Fatalf("expected a second Tick with no file change to leave the stamp untouched")
	}
}

func TestTickReloadsOnModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zone.txt")
	writeFile(t, path, "192.168.0.1 :2:listed\n")

	reg := zonedb.NewRegistry()
	ds := reg.GetOrCreateDataset("ip4set", path, func() *zonedb.Dataset {
		return zonedb.NewDataset(dstype.IP4Set{}, path, []string{path}, 86400)
	})
	sup := NewSupervisor(reg)
	sup.Tick()
	first := ds.Stamp()

	// Ensure a distinguishable mtime, then rewrite with new content.
	time.Sleep(10 * time.Millisecond)
	writeFile(t, path, "192.168.0.1 :2:listed\n192.168.0.2 :3:also listed\n")

	sup.Tick()
	if ds.Stamp() == first {
		t.Fatalf("expected a modified file to bump the dataset's stamp")
	}

	sink := &fakeSink{}
	q := zonedb.Query{HasAddr4: true, Addr4: [4]byte{192, 168, 0, 2}, TypeFlag: uint16(zonedb.QFlagA)}
	if !ds.Type.Query(ds, q, sink) {
		t.Fatalf("expected the reloaded dataset to contain the newly added entry")
	}
}

func TestTickAppliesDirectives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zone.txt")
	writeFile(t, path, "$TTL 3600\n192.168.0.1 :2:listed\n")

	reg := zonedb.NewRegistry()
	ds := reg.GetOrCreateDataset("ip4set", path, func() *zonedb.Dataset {
		return zonedb.NewDataset(dstype.IP4Set{}, path, []string{path}, 86400)
	})
	NewSupervisor(reg).Tick()

	if ds.TTL() != 3600 {
		t.Fatalf("expected $TTL directive to override the default TTL, got %d", ds.TTL())
	}
}

type fakeSink struct {
	ancount uint16
}

func (f *fakeSink) AddA(ip4 [4]byte, ttl uint32) bool                 { f.ancount++; return true }
func (f *fakeSink) AddNS(dn []byte, ttl uint32) bool                  { f.ancount++; return true }
func (f *fakeSink) AddMX(pref uint16, dn []byte, ttl uint32) bool     { f.ancount++; return true }
func (f *fakeSink) AddTXT(text, subst string, ttl uint32) bool        { f.ancount++; return true }
func (f *fakeSink) ANCount() uint16                                  { return f.ancount }
