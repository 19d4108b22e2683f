package engine

import (
	"net/netip"
	"strings"
)

// Whitelist holds addresses and prefixes that are always allowed.
type Whitelist struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

func buildWhitelist(values []string) *Whitelist {
	w := &Whitelist{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			if p, err := netip.ParsePrefix(v); err == nil {
				w.prefixes = append(w.prefixes, p.Masked())
			}
			continue
		}
		if addr, err := netip.ParseAddr(v); err == nil {
			if w.addrs == nil {
				w.addrs = make(map[netip.Addr]struct{})
			}
			w.addrs[addr.Unmap()] = struct{}{}
		}
	}
	return w
}

func (w *Whitelist) Empty() bool {
	return w == nil || (len(w.addrs) == 0 && len(w.prefixes) == 0)
}

func (w *Whitelist) Contains(ip string) bool {
	if w.Empty() {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if _, ok := w.addrs[addr]; ok {
		return true
	}
	for _, p := range w.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
