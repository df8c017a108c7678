package sched

import "net/netip"

// IsMartian reports whether ep is unsuitable as a DHT/peer contact address:
// port 0, multicast, loopback, link-local, unspecified, or an IPv4-mapped
// IPv6 address. The DHT and Bep5 swarm layers drop any candidate endpoint
// that matches before ever attempting to dial it.
func IsMartian(ep netip.AddrPort) bool {
	if ep.Port() == 0 {
		return true
	}
	addr := ep.Addr()

	if addr.Is4In6() {
		return true
	}

	if addr.Is4() {
		if addr.IsMulticast() || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
			return true
		}
		return addr.As4()[0] == 0
	}

	return addr.IsMulticast() || addr.IsLinkLocalUnicast() || addr.IsLoopback() || addr.IsUnspecified() || !addr.IsValid()
}
