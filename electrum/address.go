package electrum

import (
	"fmt"
	"strconv"
	"strings"
)

// Protocol is the transport a ServerAddress connects with.
type Protocol byte

const (
	// ProtocolPlain is an unencrypted TCP connection ("t" on the wire).
	ProtocolPlain Protocol = 't'
	// ProtocolTLS is a TOFU-pinned TLS connection ("s" on the wire).
	ProtocolTLS Protocol = 's'
)

func (p Protocol) String() string {
	switch p {
	case ProtocolPlain:
		return "t"
	case ProtocolTLS:
		return "s"
	default:
		return fmt.Sprintf("Protocol(%q)", byte(p))
	}
}

// ServerAddress identifies one Electrum server: a host, a port, and the
// transport protocol to reach it with. See spec.md §3.
type ServerAddress struct {
	Host     string
	Port     uint16
	Protocol Protocol
}

func (a ServerAddress) String() string {
	return formatAddress(a.Host, a.Port, a.Protocol)
}

// ParseServerAddress parses the wire form "host:port:{t|s}". It splits
// from the right so that IPv6 literals containing colons in the host
// portion are tolerated.
func ParseServerAddress(s string) (ServerAddress, error) {
	lastColon := strings.LastIndexByte(s, ':')
	if lastColon < 0 {
		return ServerAddress{}, fmt.Errorf("electrum: malformed server address %q: missing protocol", s)
	}
	protoStr := s[lastColon+1:]
	rest := s[:lastColon]

	secondColon := strings.LastIndexByte(rest, ':')
	if secondColon < 0 {
		return ServerAddress{}, fmt.Errorf("electrum: malformed server address %q: missing port", s)
	}
	host := rest[:secondColon]
	portStr := rest[secondColon+1:]

	if host == "" {
		return ServerAddress{}, fmt.Errorf("electrum: malformed server address %q: empty host", s)
	}

	var proto Protocol
	switch protoStr {
	case "t":
		proto = ProtocolPlain
	case "s":
		proto = ProtocolTLS
	default:
		return ServerAddress{}, fmt.Errorf("electrum: malformed server address %q: unknown protocol %q", s, protoStr)
	}

	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return ServerAddress{}, fmt.Errorf("electrum: malformed server address %q: invalid port: %w", s, err)
	}
	if port == 0 || port > 65535 {
		return ServerAddress{}, fmt.Errorf("electrum: malformed server address %q: port out of range", s)
	}

	return ServerAddress{Host: host, Port: uint16(port), Protocol: proto}, nil
}

// formatAddress is the inverse of ParseServerAddress for valid inputs.
func formatAddress(host string, port uint16, protocol Protocol) string {
	return fmt.Sprintf("%s:%d:%s", host, port, protocol)
}
