package presence

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
)

// Conn is a datagram endpoint joined to the presence group.
type Conn interface {
	// WriteGroup sends one datagram to the group.
	WriteGroup(b []byte) error
	// ReadFrom blocks for the next datagram from any member.
	ReadFrom(b []byte) (int, net.Addr, error)
	Close() error
}

// multicastTTL keeps announcements on the local segment.
const multicastTTL = 1

type multicastConn struct {
	udp    *net.UDPConn
	pc     *ipv4.PacketConn
	group  *net.UDPAddr
	joined []*net.Interface
}

// ListenMulticast binds the group port with address reuse, so several nodes
// on one host can listen together, and joins the group on ifaceName or on
// every up, multicast capable interface.
func ListenMulticast(group, ifaceName string) (Conn, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", group, err)
	}
	if !gaddr.IP.IsMulticast() {
		return nil, fmt.Errorf("group %s is not a multicast address", group)
	}

	lc := net.ListenConfig{Control: reuseControl}
	pconn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", gaddr.Port))
	if err != nil {
		return nil, fmt.Errorf("listen %d: %w", gaddr.Port, err)
	}
	c := &multicastConn{
		udp:   pconn.(*net.UDPConn),
		pc:    ipv4.NewPacketConn(pconn),
		group: gaddr,
	}

	ifaces, err := candidateInterfaces(ifaceName)
	if err != nil {
		pconn.Close()
		return nil, err
	}
	for _, iface := range ifaces {
		if err := c.pc.JoinGroup(iface, &net.UDPAddr{IP: gaddr.IP}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "ListenMulticast",
				"interface": iface.Name,
				"error":     err.Error(),
			}).Debug("Skipping interface")
			continue
		}
		c.joined = append(c.joined, iface)
	}
	if len(c.joined) == 0 {
		pconn.Close()
		return nil, fmt.Errorf("join %s: no usable interface", group)
	}

	if ifaceName != "" {
		if err := c.pc.SetMulticastInterface(c.joined[0]); err != nil {
			pconn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	// Best effort: other nodes on the same host must see our datagrams.
	c.pc.SetMulticastLoopback(true)
	c.pc.SetMulticastTTL(multicastTTL)

	logrus.WithFields(logrus.Fields{
		"function":   "ListenMulticast",
		"group":      group,
		"interfaces": len(c.joined),
	}).Info("Joined presence group")
	return c, nil
}

func candidateInterfaces(name string) ([]*net.Interface, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", name, err)
		}
		return []*net.Interface{iface}, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var out []*net.Interface
	for i := range all {
		iface := &all[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	if len(out) == 0 {
		return nil, errors.New("no multicast capable interface")
	}
	return out, nil
}

func (c *multicastConn) WriteGroup(b []byte) error {
	_, err := c.udp.WriteTo(b, c.group)
	return err
}

func (c *multicastConn) ReadFrom(b []byte) (int, net.Addr, error) {
	return c.udp.ReadFrom(b)
}

func (c *multicastConn) Close() error {
	var err error
	for _, iface := range c.joined {
		err = multierr.Append(err, c.pc.LeaveGroup(iface, &net.UDPAddr{IP: c.group.IP}))
	}
	return multierr.Append(err, c.udp.Close())
}
