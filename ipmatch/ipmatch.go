// Package ipmatch decides whether a client IP address falls inside a list of
// whitelist entries. An entry is either a CIDR block ("10.0.0.0/8",
// "2001:db8::/32") or an exact address literal.
package ipmatch

import (
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"
)

// Allowed reports whether ip matches any entry in ranges. Malformed entries
// and malformed IPs never match and never cause an error.
func Allowed(ip string, ranges []string) bool {
	ip = strings.TrimSpace(ip)
	for _, r := range ranges {
		if matchEntry(ip, strings.TrimSpace(r)) {
			return true
		}
	}
	return false
}

func matchEntry(ip, entry string) bool {
	if entry == "" {
		return false
	}
	if !strings.Contains(entry, "/") {
		return ip == entry
	}
	network, bitsStr, _ := strings.Cut(entry, "/")
	bits, err := strconv.Atoi(bitsStr)
	if err != nil {
		return false
	}

	if ip4, ok := ipv4ToUint32(ip); ok {
		net4, ok := ipv4ToUint32(network)
		if !ok || bits < 0 || bits > 32 {
			return false
		}
		var mask uint32
		if bits > 0 {
			mask = ^uint32(0) << (32 - bits)
		}
		return ip4&mask == net4&mask
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is6() {
		return false
	}
	prefix, err := netip.ParsePrefix(entry)
	if err != nil || !prefix.Addr().Is6() {
		return false
	}
	return prefix.Contains(addr)
}

// ipv4ToUint32 parses a dotted-quad address. IPv4-mapped IPv6 forms are
// treated as IPv6.
func ipv4ToUint32(s string) (uint32, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}

// Set is a whitelist compiled once for repeated lookups. It agrees with
// Allowed for every input.
type Set struct {
	prefixes *netipx.IPSet
	literals map[string]struct{}
	size     int
}

// Compile builds a Set from ranges. Malformed entries are skipped.
func Compile(ranges []string) *Set {
	var b netipx.IPSetBuilder
	s := &Set{literals: make(map[string]struct{})}
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.Contains(r, "/") {
			s.literals[r] = struct{}{}
			s.size++
			continue
		}
		prefix, ok := parsePrefix(r)
		if !ok {
			continue
		}
		b.AddPrefix(prefix.Masked())
		s.size++
	}
	set, err := b.IPSet()
	if err == nil {
		s.prefixes = set
	}
	return s
}

// parsePrefix accepts exactly the CIDR forms matchEntry accepts.
func parsePrefix(entry string) (netip.Prefix, bool) {
	network, bitsStr, _ := strings.Cut(entry, "/")
	bits, err := strconv.Atoi(bitsStr)
	if err != nil {
		return netip.Prefix{}, false
	}
	addr, err := netip.ParseAddr(network)
	if err != nil || addr.Zone() != "" {
		return netip.Prefix{}, false
	}
	if addr.Is4() {
		if bits < 0 || bits > 32 {
			return netip.Prefix{}, false
		}
		return netip.PrefixFrom(addr, bits), true
	}
	prefix, err := netip.ParsePrefix(entry)
	if err != nil {
		return netip.Prefix{}, false
	}
	return prefix, true
}

// Contains reports whether ip is in the set.
func (s *Set) Contains(ip string) bool {
	if s == nil {
		return false
	}
	ip = strings.TrimSpace(ip)
	if _, ok := s.literals[ip]; ok {
		return true
	}
	if s.prefixes == nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil || addr.Zone() != "" {
		return false
	}
	return s.prefixes.Contains(addr)
}

// Len returns the number of well-formed entries in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return s.size
}
