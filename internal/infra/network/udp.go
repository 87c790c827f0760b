package network

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// UDPListener opens real UDP sockets. The discovery socket joins the
// multicast group on Interface (or the system default when empty).
type UDPListener struct {
	Interface      string
	MulticastGroup string
}

// Listen binds 0.0.0.0:port with SO_REUSEADDR. Port 0 picks an ephemeral
// port.
func (u UDPListener) Listen(role Role, port int) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}

	if role != RoleDiscovery || port == 0 || u.MulticastGroup == "" {
		return pc, nil
	}

	if err := u.joinGroup(pc); err != nil {
		pc.Close()
		return nil, err
	}
	return pc, nil
}

func (u UDPListener) joinGroup(pc net.PacketConn) error {
	group := net.ParseIP(u.MulticastGroup)
	if group == nil || !group.IsMulticast() {
		return fmt.Errorf("invalid multicast group %q", u.MulticastGroup)
	}

	var ifi *net.Interface
	if u.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(u.Interface)
		if err != nil {
			return fmt.Errorf("interface %s: %w", u.Interface, err)
		}
	}

	p := ipv4.NewPacketConn(pc)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("join %s: %w", group, err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("multicast interface %s: %w", ifi.Name, err)
		}
	}
	if err := p.SetMulticastTTL(2); err != nil {
		return fmt.Errorf("multicast ttl: %w", err)
	}
	// Peers on the same host (tests, demos) must hear each other.
	return p.SetMulticastLoopback(true)
}
