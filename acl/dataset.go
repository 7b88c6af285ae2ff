// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package acl

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/samresto/rbldnsd/internal/zonedb"
)

// Type adapts *ACL to zonedb.DatasetType so an access list can be
// attached to a zone (or installed globally) as an ordinary dataset,
// matching spec.md's "ACL dataset" glossary entry: "a dataset whose type
// is marked as access control and which may be attached globally or to a
// single zone." Start/Line/Finish implement the same allow:/deny: mode
// grammar as LoadACL, so an ACL dataset's source file uses identical
// syntax whether loaded via LoadACL directly or through the hot-reload
// supervisor's generic file-streaming path.
type Type struct{}

func (Type) Tag() string             { return "acl" }
func (Type) Flags() zonedb.TypeFlags { return zonedb.FlagACL }

func (Type) Start(ds *zonedb.Dataset) {
	if a, _ := ds.Opaque.(*ACL); a != nil {
		a.mode = modeAllow
		return
	}
	ds.Opaque = &ACL{}
}

func (Type) Line(ds *zonedb.Dataset, line string) (fatal bool, err error) {
	a, _ := ds.Opaque.(*ACL)
	if a == nil {
		a = &ACL{}
		ds.Opaque = a
	}
	switch {
	case strings.HasPrefix(line, "allow:"):
		a.mode = modeAllow
		return false, nil
	case strings.HasPrefix(line, "deny:"):
		a.mode = modeDeny
		return false, nil
	}

	ip, ipnet, err := net.ParseCIDR(line)
	if err != nil {
		ip = net.ParseIP(line)
		if ip == nil {
			return false, fmt.Errorf("acl: invalid IP/CIDR %q", line)
		}
		if ip4 := ip.To4(); ip4 != nil {
			ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)}
		} else {
			ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
		}
	}

	if a.mode == modeDeny {
		a.Deny = append(a.Deny, *ipnet)
	} else {
		a.Allow = append(a.Allow, *ipnet)
	}
	return false, nil
}

func (Type) Finish(ds *zonedb.Dataset) {}
func (Type) Reset(ds *zonedb.Dataset) { ds.Opaque = nil }

// Query always reports no positive DNS answer: an ACL dataset never
// contributes RRs, it only gates whether a query is served at all, via
// AllowQueryFrom before dispatch ever runs.
func (Type) Query(ds *zonedb.Dataset, q zonedb.Query, cb zonedb.RecordSink) bool {
	return false
}

func (Type) Dump(ds *zonedb.Dataset, zoneDN zonedb.Name, w *os.File) error { return nil }

// AllowQueryFrom checks ip against the ACL dataset currently loaded into
// ds.Opaque. A dataset with no ACL loaded yet (nil Opaque) allows
// everything, matching LoadACL's "no file configured" behavior.
func AllowQueryFrom(ds *zonedb.Dataset, ip net.IP) bool {
	a, _ := ds.Opaque.(*ACL)
	if a == nil {
		return true
	}
	return a.AllowQuery(ip)
}
