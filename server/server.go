// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

// Package server implements the DNS server for rbldnsd.
// It handles UDP queries, zone routing, ACL enforcement, and metrics collection.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samresto/rbldnsd/acl"
	"github.com/samresto/rbldnsd/config"
	"github.com/samresto/rbldnsd/internal/dstype"
	"github.com/samresto/rbldnsd/internal/reload"
	"github.com/samresto/rbldnsd/internal/wire"
	"github.com/samresto/rbldnsd/internal/zonedb"
	"github.com/samresto/rbldnsd/metrics"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// defaultTTL seeds a dataset's TTL before any $TTL directive is seen, and
// is used for config-supplied NS records that have no per-record TTL of
// their own.
const defaultTTL uint32 = 86400

// Server represents the DNS server instance. It manages the zone registry
// and handles incoming UDP queries against internal/zonedb + internal/wire.
type Server struct {
	configPath string

	registryMu sync.RWMutex
	registry   *zonedb.Registry
	supervisor *reload.Supervisor

	listener *net.UDPConn
	addr     string
	done     atomic.Bool

	metrics *metrics.Metrics

	configMgr *config.ConfigManager

	watcher        *fsnotify.Watcher
	autoReload     bool
	reloadDebounce time.Duration
	reloadTimer    *time.Timer
	reloadMu       sync.Mutex

	cancel context.CancelFunc
}

// New creates a new DNS server from the provided configuration.
func New(cfg *config.Config, configPath string) (*Server, error) {
	srv := &Server{
		configPath:     configPath,
		addr:           cfg.Server.Bind,
		autoReload:     cfg.Server.AutoReload,
		reloadDebounce: time.Duration(cfg.Server.ReloadDebounce) * time.Second,
	}
	if srv.reloadDebounce == 0 {
		srv.reloadDebounce = 2 * time.Second
	}

	var err error
	srv.metrics, err = metrics.New(cfg.Metrics.OTELEndpoint, cfg.Metrics.PrometheusEndpoint)
	if err != nil {
		slog.Warn("failed to initialize metrics", "error", err)
	}

	if err := srv.rebuildRegistry(cfg); err != nil {
		return nil, err
	}

	if configPath != "" {
		configMgr, err := config.NewConfigManager(configPath, srv.handleConfigReload)
		if err != nil {
			slog.Warn("failed to initialize config manager", "error", err)
		} else {
			srv.configMgr = configMgr
			if err := configMgr.Start(); err != nil {
				slog.Warn("failed to start config manager", "error", err)
			}
		}
	}

	if srv.autoReload {
		if err := srv.initFileWatcher(cfg); err != nil {
			slog.Warn("failed to initialize file watcher, use SIGHUP for manual reload", "error", err)
			srv.autoReload = false
		} else {
			slog.Info("automatic zone file monitoring enabled", "debounce", srv.reloadDebounce)
		}
	}

	return srv, nil
}

// datasetTypeFor maps a config zone-type keyword to the concrete
// zonedb.DatasetType it wires up. "ip4trie" is kept as an accepted alias
// for "ip4set": the type it once named no longer exists as a distinct
// structure, see DESIGN.md.
func datasetTypeFor(typeName string) (zonedb.DatasetType, bool) {
	switch typeName {
	case "ip4set", "ip4trie":
		return dstype.IP4Set{}, true
	case "dnset":
		return dstype.DNSet{}, true
	case "generic":
		return dstype.Generic{}, true
	case "combined":
		return dstype.Combined{Members: []zonedb.DatasetType{dstype.IP4Set{}, dstype.DNSet{}, dstype.Generic{}}}, true
	default:
		return nil, false
	}
}

// configMetaType is a file-less DatasetType that exists only to carry a
// zone's config-supplied SOA/NS into the attachment list that
// zonedb.Zone.Rederive aggregates over, so zones configured purely
// through YAML (no $SOA/$NS lines in their data files) still derive a
// proper apex answer.
type configMetaType struct{}

func (configMetaType) Tag() string             { return "configmeta" }
func (configMetaType) Flags() zonedb.TypeFlags { return 0 }
func (configMetaType) Start(ds *zonedb.Dataset) {}
func (configMetaType) Line(ds *zonedb.Dataset, line string) (bool, error) {
	return true, fmt.Errorf("configmeta dataset has no file content")
}
func (configMetaType) Finish(ds *zonedb.Dataset) {}
func (configMetaType) Reset(ds *zonedb.Dataset)  {}
func (configMetaType) Query(ds *zonedb.Dataset, q zonedb.Query, cb zonedb.RecordSink) bool {
	return false
}
func (configMetaType) Dump(ds *zonedb.Dataset, zoneDN zonedb.Name, w *os.File) error {
	return nil
}

// rebuildRegistry constructs a fresh zone registry from cfg and installs
// it as the server's active registry. It never mutates the registry
// currently in use, so in-flight queries against the old one are
// unaffected by a config reload until the swap below completes.
func (s *Server) rebuildRegistry(cfg *config.Config) error {
	reg := zonedb.NewRegistry()
	var loadErrs []string

	for _, zc := range cfg.Zones {
		if err := addZoneToRegistry(reg, zc); err != nil {
			slog.Error("failed to configure zone", "zone", zc.Name, "error", err)
			loadErrs = append(loadErrs, zc.Name)
			continue
		}
	}

	sup := reload.NewSupervisor(reg)
	sup.Tick() // synchronous initial load so the first queries can be served

	s.registryMu.Lock()
	s.registry = reg
	s.supervisor = sup
	s.registryMu.Unlock()

	if len(loadErrs) > 0 && len(loadErrs) == len(cfg.Zones) && len(cfg.Zones) > 0 && s.configPath != "" {
		return fmt.Errorf("failed to configure any zones (0/%d)", len(cfg.Zones))
	}
	return nil
}

func addZoneToRegistry(reg *zonedb.Registry, zc config.ZoneConfig) error {
	zone := zonedb.NewZone(zonedb.ParseName(zc.Name))

	if len(zc.NS) > 0 || (zc.SOA.MName != "" && zc.SOA.RName != "") {
		meta := zonedb.NewDataset(configMetaType{}, "configmeta:"+zc.Name, nil, defaultTTL)
		if len(zc.NS) > 0 {
			var recs []zonedb.NSRecord
			for _, ns := range zc.NS {
				recs = append(recs, zonedb.NSRecord{TTL: defaultTTL, DN: zonedb.ParseName(ns)})
			}
			meta.SetNSOnce(recs)
		}
		if zc.SOA.MName != "" && zc.SOA.RName != "" {
			meta.SetSOAOnce(soaConfigToRecord(zc.SOA))
		}
		meta.SetStamp(1) // no files: nothing for the supervisor to ever re-stat
		zone.Attach(meta)
	}

	typ, ok := datasetTypeFor(zc.Type)
	if !ok {
		return fmt.Errorf("unknown dataset type %q", zc.Type)
	}
	spec := strings.Join(zc.Files, ",")
	ds := reg.GetOrCreateDataset(zc.Type, spec, func() *zonedb.Dataset {
		return zonedb.NewDataset(typ, spec, zc.Files, defaultTTL)
	})
	zone.Attach(ds)

	switch {
	case len(zc.ACLRule.Allow) > 0 || len(zc.ACLRule.Deny) > 0:
		a, err := acl.FromRules(zc.ACLRule.Allow, zc.ACLRule.Deny)
		if err != nil {
			return fmt.Errorf("inline ACL: %w", err)
		}
		aclDS := zonedb.NewDataset(acl.Type{}, "inline-acl:"+zc.Name, nil, 0)
		aclDS.Opaque = a
		aclDS.SetStamp(1)
		zone.ACL = aclDS
	case zc.ACL != "":
		zone.ACL = reg.GetOrCreateDataset("acl", zc.ACL, func() *zonedb.Dataset {
			return zonedb.NewDataset(acl.Type{}, zc.ACL, []string{zc.ACL}, 0)
		})
	}

	reg.AddZone(zone)
	return nil
}

func soaConfigToRecord(soa config.SOAConfig) *zonedb.SOARecord {
	refresh, retry, expire, minimum := soa.Refresh, soa.Retry, soa.Expire, soa.Minimum
	if refresh == 0 {
		refresh = 3600
	}
	if retry == 0 {
		retry = 600
	}
	if expire == 0 {
		expire = 86400
	}
	if minimum == 0 {
		minimum = 3600
	}
	return &zonedb.SOARecord{
		TTL:     minimum,
		Origin:  zonedb.ParseName(soa.MName),
		RP:      zonedb.ParseName(soa.RName),
		Serial:  soa.Serial,
		Refresh: refresh,
		Retry:   retry,
		Expire:  expire,
		Minimum: minimum,
	}
}

func (s *Server) currentRegistry() (*zonedb.Registry, *reload.Supervisor) {
	s.registryMu.RLock()
	defer s.registryMu.RUnlock()
	return s.registry, s.supervisor
}

// Reload forces an immediate re-stat/reload pass over every dataset in the
// active registry (spec.md §4.8), without rebuilding zone structure from
// config. Used for SIGHUP and the fsnotify-driven debounce.
func (s *Server) Reload() error {
	_, sup := s.currentRegistry()
	sup.Tick()
	return nil
}

// handleConfigReload is invoked by config.ConfigManager when the config
// file itself changes; it fully rebuilds the zone registry since zone
// structure (not just file contents) may have changed.
func (s *Server) handleConfigReload(newCfg *config.Config, changes config.ZoneChanges) error {
	if changes.ServerChanged && s.addr != newCfg.Server.Bind {
		slog.Warn("bind address changed, requires restart to take effect", "old", s.addr, "new", newCfg.Server.Bind)
		s.addr = newCfg.Server.Bind
	}
	return s.rebuildRegistry(newCfg)
}

func (s *Server) ListenAndServe() error {
	addr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.listener = conn
	defer conn.Close()

	slog.Info("listening", "addr", s.addr)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.acceptLoop(gctx, conn)
	})
	g.Go(func() error {
		return s.periodicReload(gctx)
	})

	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, wire.MaxPacket)
	for !s.done.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if s.done.Load() {
				return nil
			}
			slog.Error("read error", "error", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go s.handleRequest(conn, data, remoteAddr)
	}
	return nil
}

// periodicReload is the backstop reload tick spec.md §4.8 calls for
// independent of any filesystem event: even if fsnotify misses an event
// (coalesced writes, NFS, etc.) the supervisor still re-stats every file
// on this interval.
func (s *Server) periodicReload(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, sup := s.currentRegistry()
			sup.Tick()
		}
	}
}

func (s *Server) handleRequest(conn *net.UDPConn, data []byte, remoteAddr *net.UDPAddr) {
	start := time.Now()

	q, _, ok := wire.ParseQuery(data)
	if !ok {
		return // malformed/response packet: silently dropped per spec.md §4.1
	}

	pkt, rcode, proceed := wire.ResponseSkeleton(q)
	if !proceed {
		s.send(conn, remoteAddr, pkt.Finalize(rcode, q.RD))
		s.metrics.RecordError("unknown", "bad_request")
		return
	}

	reg, _ := s.currentRegistry()
	name := zonedb.Name(q.Labels)
	zone, result := reg.Match(name)

	if result == zonedb.MatchRefused {
		s.send(conn, remoteAddr, pkt.Finalize(wire.RCodeRefused, q.RD))
		s.metrics.RecordError("unknown", "refused")
		return
	}

	zoneLabel := zone.DN.String()
	if result == zonedb.MatchServfail {
		s.send(conn, remoteAddr, pkt.Finalize(wire.RCodeServFail, q.RD))
		s.metrics.RecordError(zoneLabel, "servfail")
		return
	}

	if zone.ACL != nil && !acl.AllowQueryFrom(zone.ACL, remoteAddr.IP) {
		s.metrics.RecordError(zoneLabel, "acl_denied")
		return // denied queries are dropped, not answered with REFUSED
	}

	outcome := zonedb.Dispatch(zone, name, zonedb.TypeFlagBits(q.TypeFlag), pkt,
		func(soa *zonedb.SOARecord) {
			pkt.AddSOA(soaToWireParams(soa, zone.Stamp()), wire.SectionAnswer, soa.TTL)
		},
		func(soa *zonedb.SOARecord) {
			pkt.AddSOA(soaToWireParams(soa, zone.Stamp()), wire.SectionAuthority, soa.TTL)
		},
	)

	s.metrics.RecordQuery(zoneLabel, fmt.Sprintf("%d", q.QType))
	s.send(conn, remoteAddr, pkt.Finalize(outcome.RCode, q.RD))
	s.metrics.RecordResponse(zoneLabel, outcome.RCode == wire.RCodeNoError && pkt.ANCount() > 0)
	s.metrics.RecordLatency(zoneLabel, time.Since(start).Seconds()*1000)
}

func soaToWireParams(soa *zonedb.SOARecord, stamp int64) *wire.SOAParams {
	return &wire.SOAParams{
		Origin:    soa.Origin,
		RP:        soa.RP,
		Serial:    soa.Serial,
		LoadStamp: uint32(stamp),
		Blob:      soa.Blob(),
	}
}

func (s *Server) send(conn *net.UDPConn, addr *net.UDPAddr, resp []byte) {
	if _, err := conn.WriteToUDP(resp, addr); err != nil {
		slog.Error("write error", "error", err)
		s.metrics.RecordError("unknown", "write_error")
	}
}

// Shutdown stops the accept loop, the watchers and the reload timer.
// shutdownTimeout bounds only the metrics server shutdown; Shutdown does
// not wait for in-flight request handlers.
func (s *Server) Shutdown() {
	const shutdownTimeout = 5 * time.Second

	slog.Info("initiating graceful shutdown", "timeout", shutdownTimeout)

	s.done.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil && err != context.DeadlineExceeded {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}

	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.reloadTimer != nil {
		s.reloadTimer.Stop()
	}
	if s.configMgr != nil {
		s.configMgr.Stop()
	}

	slog.Info("shutdown complete")
}

// initFileWatcher watches every zone/ACL data file for changes. It never
// decides to reload by itself: it only debounces and then asks the
// reload supervisor to re-stat everything, which is the only component
// that actually compares mtimes and sizes.
func (s *Server) initFileWatcher(cfg *config.Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	s.watcher = watcher

	files := make(map[string]bool)
	for _, zc := range cfg.Zones {
		for _, f := range zc.Files {
			files[f] = true
		}
		if zc.ACL != "" {
			files[zc.ACL] = true
		}
	}
	for f := range files {
		if err := watcher.Add(f); err != nil {
			slog.Warn("failed to watch file", "file", f, "error", err)
		} else {
			slog.Info("watching file", "file", f)
		}
	}

	go s.watchFiles()
	return nil
}

func (s *Server) watchFiles() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				slog.Info("detected file change", "file", event.Name, "op", event.Op.String())
				s.scheduleReload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}

func (s *Server) scheduleReload() {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.reloadTimer != nil {
		s.reloadTimer.Stop()
	}
	s.reloadTimer = time.AfterFunc(s.reloadDebounce, func() {
		start := time.Now()
		if err := s.Reload(); err != nil {
			slog.Error("failed to reload zones", "error", err)
			return
		}
		slog.Info("zones reloaded", "duration", time.Since(start))
	})
}
