package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Rendezvous wire tokens.
const (
	RendezvousAck           = "ok"
	RendezvousReset         = "RESET"
	RendezvousResetComplete = "RESET_COMPLETE"

	PeerAddrSize = 8
)

var (
	ErrBadPeerAddr = errors.New("bad peer address")
	ErrBadRequest  = errors.New("bad rendezvous request")
)

// ConnectionRequest renders the first datagram a client sends to the
// rendezvous server.
func ConnectionRequest(channel string, natClass uint16) []byte {
	return []byte(fmt.Sprintf("%s %d", channel, natClass))
}

// ParseConnectionRequest is the server side of ConnectionRequest. Channel
// names may not contain spaces.
func ParseConnectionRequest(b []byte) (string, uint16, error) {
	channel, class, ok := strings.Cut(string(b), " ")
	if !ok || channel == "" || strings.Contains(class, " ") {
		return "", 0, fmt.Errorf("%w: %q", ErrBadRequest, b)
	}
	n, err := strconv.ParseUint(class, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: nat class %q", ErrBadRequest, class)
	}
	return channel, uint16(n), nil
}

// RequestAck is the server's acknowledgement of a connection request.
func RequestAck(channel string) []byte {
	return []byte(RendezvousAck + " " + channel)
}

// EncodePeerAddr packs an IPv4 address, port and NAT class id into the
// 8 byte partner announcement.
func EncodePeerAddr(addr *net.UDPAddr, natClass uint16) ([]byte, error) {
	ip := addr.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %s is not IPv4", ErrBadPeerAddr, addr)
	}
	out := make([]byte, PeerAddrSize)
	copy(out, ip)
	binary.BigEndian.PutUint16(out[4:], uint16(addr.Port))
	binary.BigEndian.PutUint16(out[6:], natClass)
	return out, nil
}

func DecodePeerAddr(b []byte) (*net.UDPAddr, uint16, error) {
	if len(b) != PeerAddrSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrBadPeerAddr, len(b))
	}
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := binary.BigEndian.Uint16(b[4:6])
	class := binary.BigEndian.Uint16(b[6:8])
	return &net.UDPAddr{IP: ip, Port: int(port)}, class, nil
}
