package threatguard

import (
	"net"
	"strings"
)

// TrustedClientFilter decides whether a request bypasses analysis entirely.
// Bypass is granted to loopback/allow-listed origins, to requests carrying
// a known internal service identity, and to monitoring paths.
//
// Known limitation, preserved on purpose: bypass-by-path means any client
// that discovers a monitoring path inherits the bypass and is never
// classified. Do not rely on it as a security boundary.
type TrustedClientFilter struct {
	allowNets      []*net.IPNet
	identityHeader string
	identities     map[string]struct{}
	exactPaths     map[string]struct{}
	prefixes       []string
}

// NewTrustedClientFilter compiles the bypass rules. Invalid CIDR entries
// are skipped.
func NewTrustedClientFilter(cfg TrustedConfig) *TrustedClientFilter {
	f := &TrustedClientFilter{
		allowNets:      parseCIDRs(cfg.AllowCIDRs),
		identityHeader: cfg.IdentityHeader,
		identities:     make(map[string]struct{}, len(cfg.ServiceIdentities)),
		exactPaths:     make(map[string]struct{}, len(cfg.MonitoringPaths)),
		prefixes:       append([]string(nil), cfg.MonitoringPrefixes...),
	}
	for _, id := range cfg.ServiceIdentities {
		if id = strings.TrimSpace(id); id != "" {
			f.identities[id] = struct{}{}
		}
	}
	for _, p := range cfg.MonitoringPaths {
		if p = strings.TrimSpace(p); p != "" {
			f.exactPaths[p] = struct{}{}
		}
	}
	return f
}

// IdentityHeader returns the header name consulted for service identity.
func (f *TrustedClientFilter) IdentityHeader() string { return f.identityHeader }

// Bypass reports whether the request is exempt from classification.
func (f *TrustedClientFilter) Bypass(origin, identity, path string) bool {
	if addr := net.ParseIP(origin); addr != nil && addr.IsLoopback() {
		return true
	}
	if ipInNets(origin, f.allowNets) {
		return true
	}
	if identity != "" {
		if _, ok := f.identities[identity]; ok {
			return true
		}
	}
	if _, ok := f.exactPaths[path]; ok {
		return true
	}
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(c); err == nil && n != nil {
			nets = append(nets, n)
			continue
		}
		// Support single IPs
		if ip := net.ParseIP(c); ip != nil {
			mask := net.CIDRMask(len(ip)*8, len(ip)*8)
			nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return nets
}

func ipInNets(ipStr string, nets []*net.IPNet) bool {
	if ipStr == "" || len(nets) == 0 {
		return false
	}
	addr := net.ParseIP(ipStr)
	if addr == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
