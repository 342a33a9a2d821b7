package cfddns

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// InterfaceAddrs returns the non-loopback addresses assigned to the named interface.
func InterfaceAddrs(name string) (addrs []netip.Addr, err error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("error getting interface %s by name: %w", name, err)
	}
	a, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("error looking up addresses for interface %s: %w", name, err)
	}
	// addr: ip+net:192.168.86.253/24
	// addr: ip+net:fd64:9f44:fc30:0:b951:8b16:2812:a227/64
	var errs []error
	for _, addr := range a {
		ip, err := netip.ParsePrefix(addr.String())
		if err != nil {
			errs = append(errs, fmt.Errorf("error parsing local ip %s for interface %s: %s", addr.String(), name, err))
			continue
		}
		if ip.Addr().IsLoopback() {
			continue
		}
		addrs = append(addrs, ip.Addr().Unmap())
	}
	return addrs, errors.Join(errs...)
}
