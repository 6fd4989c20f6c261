package sip

import (
	"context"
	"net"
	"strconv"
)

var (
	// IdleConnection will keep connections idle even after transaction terminate
	// -1 	- single response or request will close
	// 0 	- close connection immediatelly after transaction terminate
	// 1 	- keep connection idle after transaction termination
	IdleConnection int = 1
)

const (
	// Network names for different sip messages. GO uses lowercase, but for message parsing, we should
	// use this constants for setting message Transport
	NetworkUDP = "UDP"
	NetworkTCP = "TCP"
	NetworkTLS = "TLS"
	NetworkWS  = "WS"
	NetworkWSS = "WSS"

	// DefaultProtocol is used when a message carries no explicit transport.
	DefaultProtocol = NetworkUDP

	// DefaultUdpPort is the well-known SIP port used for UDP when none is specified.
	DefaultUdpPort = 5060

	TransportBufferReadSize uint16 = 65535

	// TransportFixedLengthMessage sets message size limit for parsing and avoids stream parsing
	TransportFixedLengthMessage uint16 = 0
)

// Transport implements network specific features.
type Transport interface {
	Network() string

	// GetConnection returns connection from transport, nil when there is none.
	// addr must be resolved to IP:port
	GetConnection(addr string) Connection
	CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error)
	String() string
	Close() error
}

// DefaultPort returns the protocol's well-known port by network name.
func DefaultPort(transport string) int {
	switch NetworkToLower(transport) {
	case "tls":
		return 5061
	case "ws":
		return 80
	case "wss":
		return 443
	default:
		return 5060
	}
}

type Addr struct {
	Hostname string // Original hostname before resolving, needed for TLS certificate checks
	IP       net.IP // Must be in IP format
	Zone     string // IPv6 scoped addressing zone, if any
	Port     int
}

// Copy writes a into dst, duplicating the IP slice so dst does not alias.
func (a *Addr) Copy(dst *Addr) {
	dst.Hostname = a.Hostname
	dst.Zone = a.Zone
	dst.Port = a.Port
	if a.IP != nil {
		dst.IP = make(net.IP, len(a.IP))
		copy(dst.IP, a.IP)
	}
}

func (a *Addr) parseAddr(addr string) error {
	host, port, err := ParseAddr(addr)
	if err != nil {
		return err
	}
	a.Hostname = host
	a.IP = net.ParseIP(host)
	a.Port = port
	return nil
}

func (a *Addr) String() string {
	if a.IP == nil {
		return net.JoinHostPort("", strconv.Itoa(a.Port))
	}

	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port, err
	}

	// In case we are dealing with some named ports this should be called
	// net.LookupPort(network)

	port, err = strconv.Atoi(pstr)
	return host, port, err
}
