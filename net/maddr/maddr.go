// Package maddr converts between multiaddrs (e.g. /ip4/10.0.0.1/tcp/4001) and the net package types.
package maddr

import (
	"errors"
	"fmt"
	"net"
	"sort"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	log "github.com/sirupsen/logrus"
)

var ErrNotTCP = errors.New("multiaddr is not a tcp address")

// DialArgs parses a textual multiaddr into arguments for net.Dial / net.Listen.
func DialArgs(s string) (network string, address string, err error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return "", "", fmt.Errorf("invalid multiaddr %q: %w", s, err)
	}
	network, address, err = manet.DialArgs(m)
	if err != nil {
		return "", "", fmt.Errorf("unsupported multiaddr %q: %w", s, err)
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return "", "", fmt.Errorf("%w: %s", ErrNotTCP, s)
	}
	return network, address, nil
}

// Listen binds a TCP listener on a textual multiaddr.
func Listen(s string) (net.Listener, error) {
	network, address, err := DialArgs(s)
	if err != nil {
		return nil, err
	}
	return net.Listen(network, address)
}

func FromNetAddr(a net.Addr) (string, error) {
	m, err := manet.FromNetAddr(a)
	if err != nil {
		return "", err
	}
	return m.String(), nil
}

// IsLoopback reports whether s is a loopback multiaddr. Unparseable input is not loopback.
func IsLoopback(s string) bool {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return false
	}
	return manet.IsIPLoopback(m)
}

// Expand returns the multiaddrs on which a listener bound to addr can be reached.
// A listener bound to a specific IP yields just that address. A listener bound to an
// unspecified IP (0.0.0.0 or ::) yields one address per IP of every interface that is up.
func Expand(addr net.Addr) []string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		s, err := FromNetAddr(addr)
		if err != nil {
			log.Errorf("maddr.Expand: cannot convert %s: %v", addr, err)
			return nil
		}
		return []string{s}
	}

	if tcpAddr.IP != nil && !tcpAddr.IP.IsUnspecified() {
		s, err := FromNetAddr(tcpAddr)
		if err != nil {
			log.Errorf("maddr.Expand: cannot convert %s: %v", addr, err)
			return nil
		}
		return []string{s}
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		log.Errorf("maddr.Expand: failed to get network interfaces: %v", err)
		return nil
	}

	wantV4 := tcpAddr.IP == nil || tcpAddr.IP.To4() != nil
	wantV6 := tcpAddr.IP == nil || tcpAddr.IP.To4() == nil

	seen := make(map[string]struct{})
	var out []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		ifaddrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("maddr.Expand: could not get addresses for interface %s: %v", iface.Name, err)
			continue
		}
		for _, a := range ifaddrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
				continue
			}
			isV4 := ip.To4() != nil
			if (isV4 && !wantV4) || (!isV4 && !wantV6) {
				continue
			}
			s, err := FromNetAddr(&net.TCPAddr{IP: ip, Port: tcpAddr.Port})
			if err != nil {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Routable drops loopback addresses unless nothing else is left.
func Routable(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		if !IsLoopback(a) {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return addrs
	}
	return out
}
