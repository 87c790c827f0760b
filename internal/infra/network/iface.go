package network

import (
	"fmt"
	"net"

	"github.com/wustus/vibes/internal/domain"
)

// LocalAddress picks the device's LAN IPv4 address. With a name it uses
// that interface; otherwise the first interface that is up, not loopback
// and has an IPv4 address.
func LocalAddress(name string) (domain.DeviceAddress, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}

	for _, ifi := range ifaces {
		if name != "" && ifi.Name != name {
			continue
		}
		if name == "" && (ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0) {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		if ip := firstIPv4(addrs, name != ""); ip != nil {
			return domain.DeviceAddress(ip.String()), nil
		}
	}

	if name != "" {
		return "", fmt.Errorf("interface %s: %w", name, domain.ErrNoLocalAddress)
	}
	return "", domain.ErrNoLocalAddress
}

func firstIPv4(addrs []net.Addr, allowLoopback bool) net.IP {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil && (allowLoopback || !ip4.IsLoopback()) {
			return ip4
		}
	}
	return nil
}
