// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

// Package dsdir implements the `$`-prefixed directive mini-language found
// inside zone data files: $SOA, $NS, $TTL, $MAXRANGE4, $0..$9, and
// $DATASET (spec.md §4.7). It also carries the TTL unit-suffix parser
// forward from the original dataset file-parsing code.
package dsdir

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/samresto/rbldnsd/internal/zonedb"
)

// ParseTTL parses a TTL token with an optional unit suffix (s/m/h/d/w),
// carried verbatim from the teacher's dataset parser.
func ParseTTL(s string) (uint32, error) {
	multiplier := uint32(1)
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 's':
			multiplier = 1
			s = s[:len(s)-1]
		case 'm':
			multiplier = 60
			s = s[:len(s)-1]
		case 'h':
			multiplier = 3600
			s = s[:len(s)-1]
		case 'd':
			multiplier = 86400
			s = s[:len(s)-1]
		case 'w':
			multiplier = 604800
			s = s[:len(s)-1]
		}
	}
	val, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q: %w", s, err)
	}
	return uint32(val) * multiplier, nil
}

// ParseDN parses a dotted domain name argument into a zonedb.Name.
func ParseDN(s string) (zonedb.Name, error) {
	if s == "" {
		return nil, fmt.Errorf("empty dn")
	}
	return zonedb.ParseName(s), nil
}

// ParseUint32 parses a plain unsigned decimal argument.
func ParseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 %q: %w", s, err)
	}
	return uint32(v), nil
}

// ErrUnrecognized is returned for a `$` line whose keyword isn't one of
// the directives Apply's switch handles (spec.md §4.7 "unrecognized $ lines
// are rejected").
var ErrUnrecognized = fmt.Errorf("unrecognized directive")

// ErrForbiddenInACL is returned when $SOA/$NS appear in an ACL dataset
// (spec.md §4.7: "Forbidden in ACL datasets").
var ErrForbiddenInACL = fmt.Errorf("directive forbidden in ACL dataset")

// Apply parses one `$`-prefixed line and applies its effect to ds. line
// must start with '$'; isACL marks a dataset with the ACL flag set, which
// forbids $SOA/$NS. An unrecognized directive is reported as a non-nil
// error wrapping ErrUnrecognized.
func Apply(ds *zonedb.Dataset, line string, isACL bool) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	keyword := strings.ToUpper(fields[0])
	args := fields[1:]

	switch {
	case keyword == "$SOA":
		if isACL {
			return ErrForbiddenInACL
		}
		return applySOA(ds, args)
	case keyword == "$NS":
		if isACL {
			return ErrForbiddenInACL
		}
		return applyNS(ds, args)
	case keyword == "$TTL":
		return applyTTL(ds, args)
	case keyword == "$MAXRANGE4":
		return applyMaxRange4(ds, args)
	case len(keyword) == 2 && keyword[0] == '$' && keyword[1] >= '0' && keyword[1] <= '9':
		n := int(keyword[1] - '0')
		return applySubst(ds, n, line)
	case keyword == "$DATASET":
		return applyDataset(ds, args)
	default:
		return fmt.Errorf("%w: %s", ErrUnrecognized, keyword)
	}
}

// applySOA parses "$SOA ttl origin rp serial refresh retry expire minimum".
func applySOA(ds *zonedb.Dataset, args []string) error {
	if len(args) != 8 {
		return fmt.Errorf("$SOA: expected 8 arguments, got %d", len(args))
	}
	ttl, err := ParseTTL(args[0])
	if err != nil {
		return fmt.Errorf("$SOA ttl: %w", err)
	}
	origin, err := ParseDN(args[1])
	if err != nil {
		return fmt.Errorf("$SOA origin: %w", err)
	}
	rp, err := ParseDN(args[2])
	if err != nil {
		return fmt.Errorf("$SOA rp: %w", err)
	}
	serial, err := ParseUint32(args[3])
	if err != nil {
		return fmt.Errorf("$SOA serial: %w", err)
	}
	refresh, err := ParseTTL(args[4])
	if err != nil {
		return fmt.Errorf("$SOA refresh: %w", err)
	}
	retry, err := ParseTTL(args[5])
	if err != nil {
		return fmt.Errorf("$SOA retry: %w", err)
	}
	expire, err := ParseTTL(args[6])
	if err != nil {
		return fmt.Errorf("$SOA expire: %w", err)
	}
	minimum, err := ParseTTL(args[7])
	if err != nil {
		return fmt.Errorf("$SOA minimum: %w", err)
	}

	soa := &zonedb.SOARecord{
		TTL:     ttl,
		Origin:  origin,
		RP:      rp,
		Serial:  serial,
		Refresh: refresh,
		Retry:   retry,
		Expire:  expire,
		Minimum: minimum,
	}
	ds.SetSOAOnce(soa) // later $SOA lines are silently ignored, per spec
	return nil
}

// applyNS parses "$NS ttl dn...". Entries beginning with '-' are ignored.
// Only the first $NS line in a load cycle is honored (INCOMPAT_0_99 open
// question resolved by dropping the legacy multi-line mode, per spec.md
// §9's explicit guidance).
func applyNS(ds *zonedb.Dataset, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("$NS: expected ttl and at least one dn")
	}
	ttl, err := ParseTTL(args[0])
	if err != nil {
		return fmt.Errorf("$NS ttl: %w", err)
	}
	var recs []zonedb.NSRecord
	for _, a := range args[1:] {
		if strings.HasPrefix(a, "-") {
			continue
		}
		dn, err := ParseDN(a)
		if err != nil {
			return fmt.Errorf("$NS dn: %w", err)
		}
		recs = append(recs, zonedb.NSRecord{TTL: ttl, DN: dn})
	}
	if !ds.SetNSOnce(recs) {
		slog.Warn("ignoring $NS line: NS list already set for this load", "dataset", ds.Spec)
	}
	return nil
}

// applyTTL parses "$TTL ttl" and overrides the dataset's default TTL for
// subsequent lines. Unlike $SOA/$NS, this is not assign-once.
func applyTTL(ds *zonedb.Dataset, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("$TTL: expected 1 argument, got %d", len(args))
	}
	ttl, err := ParseTTL(args[0])
	if err != nil {
		return fmt.Errorf("$TTL: %w", err)
	}
	ds.SetTTL(ttl)
	return nil
}

// applyMaxRange4 parses "$MAXRANGE4 n" or "$MAXRANGE4 /cidr". Both forms
// resolve to a literal address-count cap — "n" directly, "/cidr" as
// 2^(32-prefixlen) — compared exactly against a range's address count at
// ip4set.go's Line time, with no power-of-two rounding of either side
// (matching rbldnsd_zones.c's plain count comparison). The cap may only
// ever be lowered during a load cycle; raising it is a no-op that is
// logged as a warning (SetMaxRange4 reports whether it applied).
func applyMaxRange4(ds *zonedb.Dataset, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("$MAXRANGE4: expected 1 argument, got %d", len(args))
	}
	arg := args[0]
	var count uint32
	if strings.HasPrefix(arg, "/") {
		v, err := ParseUint32(strings.TrimPrefix(arg, "/"))
		if err != nil {
			return fmt.Errorf("$MAXRANGE4 cidr: %w", err)
		}
		if v > 32 {
			return fmt.Errorf("$MAXRANGE4: /%d is not a valid IPv4 prefix length", v)
		}
		hostBits := 32 - v
		if hostBits >= 32 {
			count = 0xFFFFFFFF
		} else {
			count = uint32(1) << hostBits
		}
	} else {
		n, err := ParseUint32(arg)
		if err != nil {
			return fmt.Errorf("$MAXRANGE4: %w", err)
		}
		count = n
	}
	if !ds.SetMaxRange4(count) {
		slog.Warn("ignoring $MAXRANGE4: cap may only be lowered", "dataset", ds.Spec, "current", ds.MaxRange4(), "requested", count)
	}
	return nil
}

// applySubst installs substitution string n ($0..$9). The directive's
// argument is everything after the keyword, not re-split on whitespace
// (so multi-word substitution text is preserved).
func applySubst(ds *zonedb.Dataset, n int, fullLine string) error {
	fields := strings.SplitN(strings.TrimSpace(fullLine), " ", 2)
	text := ""
	if len(fields) > 1 {
		text = fields[1]
	}
	ds.SetSubstOnce(n, text)
	return nil
}

// applyDataset parses "$DATASET name", opening a named sub-dataset inside
// a combined-capable dataset (spec.md §4.7). Datasets that don't declare
// FlagSupportsSubDataset reject this directive.
func applyDataset(ds *zonedb.Dataset, args []string) error {
	if ds.Type.Flags()&zonedb.FlagSupportsSubDataset == 0 {
		return fmt.Errorf("$DATASET: dataset type %s does not support sub-datasets", ds.Type.Tag())
	}
	if len(args) != 1 {
		return fmt.Errorf("$DATASET: expected exactly one name")
	}
	if sd, ok := ds.Type.(interface {
		OpenSubDataset(*zonedb.Dataset, string) error
	}); ok {
		return sd.OpenSubDataset(ds, args[0])
	}
	return fmt.Errorf("$DATASET: dataset type declares FlagSupportsSubDataset but has no OpenSubDataset method")
}

// ParseCIDR4 is a small helper dataset types use to decode an IPv4
// CIDR/range argument, carried forward from the teacher's CIDR handling.
func ParseCIDR4(s string) (net.IP, *net.IPNet, error) {
	if strings.Contains(s, "/") {
		ip, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, nil, err
		}
		return ip, ipnet, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, nil, fmt.Errorf("invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, nil, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return ip4, &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}, nil
}
