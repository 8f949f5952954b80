package nat

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

const probeTimeout = 2 * time.Second

// Probe asks each STUN server for the socket's public mapping and derives a
// NAT class from the answers. It must run before the session starts
// reading. Failures degrade to Unknown.
func Probe(ctx context.Context, conn *net.UDPConn, servers []string, logger logrus.FieldLogger) NATClass {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if len(servers) == 0 {
		return Unknown
	}

	var mapped []*net.UDPAddr
	for _, server := range servers {
		addr, err := bindingRequest(ctx, conn, server)
		if err != nil {
			logger.Debugf("STUN %s: %v", server, err)
			continue
		}
		logger.Debugf("STUN %s mapped us to %s", server, addr)
		mapped = append(mapped, addr)
	}

	class := Classify(conn.LocalAddr().(*net.UDPAddr), localIPs(), mapped)
	logger.Infof("NAT type: %s", class)
	return class
}

// Classify derives a NAT class from the local socket address and the
// mappings STUN servers reported for it. Plain binding requests cannot tell
// the two restricted classes apart, so a stable mapping that is not the
// socket itself is reported as RestrictedPortNAT, the stricter of the two.
// Classify never returns RestrictedNAT.
func Classify(local *net.UDPAddr, ips []net.IP, mapped []*net.UDPAddr) NATClass {
	if len(mapped) == 0 {
		return Unknown
	}

	for _, m := range mapped[1:] {
		if m.Port != mapped[0].Port || !m.IP.Equal(mapped[0].IP) {
			return Symmetric
		}
	}

	if mapped[0].Port == local.Port {
		for _, ip := range ips {
			if ip.Equal(mapped[0].IP) {
				return FullCone
			}
		}
	}
	return RestrictedPortNAT
}

func bindingRequest(ctx context.Context, conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, err
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(req.Raw, raddr); err != nil {
		return nil, err
	}

	deadline := deadlineAfter(ctx, probeTimeout)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, 1500)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if !sameAddr(from, raddr) || !stun.IsMessage(buf[:n]) {
			continue
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			return nil, err
		}
		if res.TransactionID != req.TransactionID {
			continue
		}

		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err == nil {
			return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
		}
		var plain stun.MappedAddress
		if err := plain.GetFrom(res); err != nil {
			return nil, fmt.Errorf("no mapped address in response: %w", err)
		}
		return &net.UDPAddr{IP: plain.IP, Port: plain.Port}, nil
	}
}

func localIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			ips = append(ips, ipnet.IP)
		}
	}
	return ips
}

// ProbeNAT classifies the session's own socket and advertises the result
// to the rendezvous server. Call it before Connect.
func (s *Session) ProbeNAT(ctx context.Context, servers []string) NATClass {
	if s.State() != Idle {
		return s.config.NATClass
	}
	s.config.NATClass = Probe(ctx, s.conn, servers, s.logger)
	return s.config.NATClass
}
