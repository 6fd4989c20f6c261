package sipgo

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"siptx/sip"
)

// UserAgent holds transport and transaction layer shared by Client and Server
// handles built on top of it.
type UserAgent struct {
	name     string
	ip       net.IP
	host     string
	hostname string
	port     int

	dnsResolver *net.Resolver
	tlsConfig   *tls.Config
	metricsReg  prometheus.Registerer
	tp          *sip.TransportLayer
	tx          *sip.TransactionLayer
	txm         *sip.TransactionManager
}

type UserAgentOption func(s *UserAgent) error

func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

// WithUserAgentHostname sets the hostname used to build the User-Agent's own
// From header (sip:<name>@<hostname>). Without it the From header falls back
// to the client's routing host.
func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(s *UserAgent) error {
		s.hostname = hostname
		return nil
	}
}

func WithUserAgentIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			host = ip
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithUserAgenTLSConfig sets the tls configuration used by TLS/WSS transports
// for both dialing and listening.
func WithUserAgenTLSConfig(conf *tls.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tlsConfig = conf
		return nil
	}
}

// WithUserAgentMetrics registers transaction instrumentation (live
// transaction gauges, termination and timer-fire counters) against reg.
// Without this option no metrics are collected.
func WithUserAgentMetrics(reg prometheus.Registerer) UserAgentOption {
	return func(s *UserAgent) error {
		s.metricsReg = reg
		return nil
	}
}

func WithUDPDNSResolver(dns string) ServerOption {
	return func(s *Server) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

// NewUA creates shared transport and transaction layers for Client/Server handles.
func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{
		name: "sipgo",
	}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.ip == nil {
		v, err := resolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	if s.dnsResolver == nil {
		s.dnsResolver = net.DefaultResolver
	}

	parser := sip.NewParser()
	s.tp = sip.NewTransportLayer(s.dnsResolver, parser, s.tlsConfig)
	s.tx = sip.NewTransactionLayer(s.tp)
	s.txm = sip.NewTransactionManager(s.tx, s.metricsReg)
	return s, nil
}

// Close shuts down the shared transport and transaction layers. Client and
// Server handles built on this UserAgent become unusable afterwards.
func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}

// TransportLayer returns the shared transport layer. Can be used for
// lower level connection inspection (e.g. in tests).
func (ua *UserAgent) TransportLayer() *sip.TransportLayer {
	return ua.tp
}

// TransactionManager returns the shared transaction manager that all
// Client/Server handles on this UserAgent route through. Use it for
// manager-level operations the handles do not expose: transaction state
// lookup by key, listing active transactions, sending a 2xx ACK outside the
// dialog layer, or the aggregated event stream.
func (ua *UserAgent) TransactionManager() *sip.TransactionManager {
	return ua.txm
}

// setIP records the local routing IP, splitting off any port component.
func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	ua.host = strings.Split(ip.String(), ":")[0]
	return err
}

// resolveSelfIP finds a non-loopback local IP to use as the default routing address.
func resolveSelfIP() (net.IP, error) {
	ip, _, err := sip.ResolveInterfacesIP("ip4", nil)
	return ip, err
}
