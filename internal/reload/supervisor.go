// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

// Package reload implements the hot-reload supervisor of spec.md §4.8: a
// timer-driven pass that re-stats every dataset's source files, reloads
// any whose mtime or size changed, and then recomputes the dependent
// zones' aggregate SOA/NS/stamp. It never trusts an inotify event's
// content — only its own stat comparison decides whether to reload —
// which is why the fsnotify-driven trigger in server.Server is kept as a
// coalescing wake-up only, never the reload authority itself.
package reload

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/samresto/rbldnsd/internal/dsdir"
	"github.com/samresto/rbldnsd/internal/zonedb"
)

// Supervisor drives reload checks for a registry's datasets and zones.
type Supervisor struct {
	Registry *zonedb.Registry
}

// NewSupervisor returns a supervisor bound to reg.
func NewSupervisor(reg *zonedb.Registry) *Supervisor {
	return &Supervisor{Registry: reg}
}

// Tick implements one pass of spec.md §4.8: stat every dataset's files,
// reload any that changed, then rederive every zone's aggregate state.
// It is meant to be called from a timer, never from a filesystem event
// handler directly.
func (s *Supervisor) Tick() {
	for _, ds := range s.Registry.Datasets() {
		s.checkDataset(ds)
	}
	for _, z := range s.Registry.Zones() {
		z.Rederive()
	}
}

func (s *Supervisor) checkDataset(ds *zonedb.Dataset) {
	changed := false
	hardError := false

	for _, f := range ds.Files {
		fc, _, _, err := f.Stat()
		if err != nil {
			slog.Error("reload: stat failed", "spec", ds.Spec, "file", f.Path, "err", err)
			if ds.Stamp() == 0 {
				hardError = true
			}
			continue
		}
		if fc {
			changed = true
		}
	}

	if hardError {
		return // retain prior (empty) state; dataset stays unserviceable
	}
	if !changed {
		return
	}

	if err := s.reloadDataset(ds); err != nil {
		slog.Error("reload: dataset load failed, stamp zeroed for retry", "spec", ds.Spec, "err", err)
		ds.SetStamp(0)
		for _, f := range ds.Files {
			f.LastMTime, f.LastSize, f.Stamp = 0, 0, 0
		}
	}
}

// reloadDataset implements spec.md §4.8's per-dataset reload protocol:
// reset, then stream each file through start/line/finish with a
// before/after fstat "changed during read" guard.
func (s *Supervisor) reloadDataset(ds *zonedb.Dataset) error {
	ds.Reset()

	isACL := ds.Type.Flags()&zonedb.FlagACL != 0
	var maxMTime int64

	for _, f := range ds.Files {
		mtime0, size0, err := statRaw(f.Path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", f.Path, err)
		}

		ds.Type.Start(ds)
		if err := streamFile(ds, f.Path, isACL); err != nil {
			return err
		}
		ds.Type.Finish(ds)

		mtime1, size1, err := statRaw(f.Path)
		if err != nil {
			return fmt.Errorf("re-stat %s: %w", f.Path, err)
		}
		if mtime1 != mtime0 || size1 != size0 {
			return fmt.Errorf("file %s changed during read; update zone files via atomic rename", f.Path)
		}

		f.LastMTime, f.LastSize, f.Stamp = mtime0, size0, mtime0
		if mtime0 > maxMTime {
			maxMTime = mtime0
		}
	}

	ds.SetStamp(maxMTime)
	return nil
}

func statRaw(path string) (mtime, size int64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return info.ModTime().UnixNano(), info.Size(), nil
}

// streamFile reads path line by line, routing `$`-prefixed lines through
// internal/dsdir and everything else through the dataset type's own Line
// callback (spec.md §4.8 step 2, §4.7).
func streamFile(ds *zonedb.Dataset, path string, isACL bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "$") {
			if err := dsdir.Apply(ds, line, isACL); err != nil {
				slog.Warn("reload: directive rejected", "file", path, "line", lineNum, "err", err)
				return fmt.Errorf("%s:%d: %w", path, lineNum, err)
			}
			continue
		}
		fatal, err := ds.Type.Line(ds, line)
		if err != nil {
			if fatal {
				return fmt.Errorf("%s:%d: %w", path, lineNum, err)
			}
			slog.Warn("reload: soft parse error, line skipped", "file", path, "line", lineNum, "err", err)
		}
	}
	return sc.Err()
}
