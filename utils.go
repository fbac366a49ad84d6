package trapgate

import (
	"net"
	"path"
	"strings"
)

func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		if strings.TrimSpace(c) == "" {
			continue
		}
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err == nil && n != nil {
			nets = append(nets, n)
			continue
		}
		// Support single IPs
		ip := net.ParseIP(strings.TrimSpace(c))
		if ip != nil {
			mask := net.CIDRMask(len(ip)*8, len(ip)*8)
			nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return nets
}

func ipInNets(ipStr string, nets []*net.IPNet) bool {
	if ipStr == "" {
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

// endpointMatches checks a request path against a whitelist pattern. A
// trailing "/*" matches the whole subtree; otherwise path.Match globbing.
func endpointMatches(pattern, endpoint string) bool {
	if pattern == endpoint {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return endpoint == prefix || strings.HasPrefix(endpoint, prefix+"/")
	}
	ok, err := path.Match(pattern, endpoint)
	return err == nil && ok
}
