package web

import (
	"fmt"
	"net/netip"
	"strings"
)

// Named entries accepted alongside addresses and CIDRs.
var namedPrefixes = map[string][]netip.Prefix{
	"localhost": {
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	},
	"private": {
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("fc00::/7"),
	},
}

// Allowlist restricts admin routes to a set of client networks. A nil
// Allowlist admits everyone.
type Allowlist struct {
	prefixes []netip.Prefix
}

func ParseAllowlist(entries []string) (*Allowlist, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.ToLower(strings.TrimSpace(raw))
		if entry == "" {
			continue
		}
		if named, ok := namedPrefixes[entry]; ok {
			prefixes = append(prefixes, named...)
			continue
		}
		prefix, err := parsePrefix(entry)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix)
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &Allowlist{prefixes: prefixes}, nil
}

func (a *Allowlist) Allows(host string) bool {
	if a == nil {
		return true
	}
	host, _, _ = strings.Cut(strings.TrimSpace(host), "%")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range a.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid allowlist network %q", entry)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid allowlist address %q", entry)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
