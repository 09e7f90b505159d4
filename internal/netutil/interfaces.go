// Package netutil enumerates and filters local network interfaces.
package netutil

import (
	"fmt"
	"net"
	"strings"
)

// Interface name fragments belonging to VPN or virtualisation adapters.
// Addresses on these never reach real field nodes.
var virtualIfaceNames = []string{
	"nordlynx",
	"vpn",
	"tun",
	"tap",
	"wireguard",
	"virtualbox",
	"vmware",
	"vethernet",
	"docker",
}

// IPv4 networks known to belong to VM host-only or VPN adapters.
var virtualIPv4Nets = mustParseCIDRs(
	"192.168.56.0/24",
	"192.168.99.0/24",
	"10.5.0.0/16",
)

// EligibleAddrs returns the addresses of every interface a field node or a
// browser client could plausibly reach this host on. Loopback, link-local
// IPv6 and known VPN/VM adapters are excluded.
func EligibleAddrs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("could not list interfaces: %w", err)
	}
	return eligibleAddrs(ifaces, ifaceAddrs)
}

func eligibleAddrs(ifaces []net.Interface, addrsOf func(net.Interface) []net.Addr) ([]net.IP, error) {
	var eligible []net.IP

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if IsVirtualName(iface.Name) {
			continue
		}

		for _, addr := range addrsOf(iface) {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP
			if !EligibleIP(ip) {
				continue
			}
			eligible = append(eligible, ip)
		}
	}

	if len(eligible) == 0 {
		return nil, fmt.Errorf("no eligible interface addresses found")
	}
	return eligible, nil
}

// IsVirtualName reports whether the interface name marks a VPN or VM adapter.
func IsVirtualName(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range virtualIfaceNames {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// EligibleIP reports whether an address may be advertised or swept.
func EligibleIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return false
	}
	// Link-local IPv6 (fe80::/10) breaks A/AAAA answers on most resolvers.
	if ip.To4() == nil && ip.IsLinkLocalUnicast() {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		for _, n := range virtualIPv4Nets {
			if n.Contains(v4) {
				return false
			}
		}
	}
	return true
}

func ifaceAddrs(iface net.Interface) []net.Addr {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	return addrs
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}
