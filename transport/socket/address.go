package socket

import (
	"net"
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
	"github.com/ringo-is-a-color/seqproxy/util/netutil"
)

// Address is where the back-end server listens.
type Address struct {
	Path   string
	IP     *netip.Addr
	Domain string
	Port   uint16

	AddrType AddrType
}

type AddrType byte

const (
	Unix   AddrType = 0
	IPv4   AddrType = 1
	IPv6   AddrType = 2
	Domain AddrType = 3
)

// Address examples:
//
// /run/backend.sock
// unix:/run/backend.sock
// unix:backend.sock
// tcp:127.0.0.1:80
// tcp:[::1]:80
// tcp:example.com:80

func ParseAddress(s string) (*Address, error) {
	network, addr, found := strings.Cut(s, ":")
	if !found {
		network, addr = "unix", s
		if !filepath.IsAbs(addr) {
			return nil, errors.Newf("'%v' is neither an absolute socket path nor a 'network:address' pair", s)
		}
	}
	err := netutil.ValidateStream(network)
	if err != nil {
		return nil, err
	}

	if network == "unix" {
		if addr == "" {
			return nil, errors.New("empty socket path")
		}
		return &Address{Path: addr, AddrType: Unix}, nil
	}
	return parseHostPort(addr)
}

func parseHostPort(hostPort string) (*Address, error) {
	if len(hostPort) == 0 || strings.HasPrefix(hostPort, ":") {
		return nil, errors.New("empty host")
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if port == 0 {
		return nil, errors.Newf("invalid port in '%v'", hostPort)
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return &Address{Domain: host, Port: uint16(port), AddrType: Domain}, nil
	}
	addr := &Address{IP: &ip, Port: uint16(port), AddrType: IPv6}
	if ip.Is4() || ip.Is4In6() {
		addr.AddrType = IPv4
	}
	return addr, nil
}

func (addr *Address) Network() string {
	if addr.AddrType == Unix {
		return "unix"
	}
	return "tcp"
}

// DialString is the address in the form net.Dial expects for Network.
func (addr *Address) DialString() string {
	port := strconv.Itoa(int(addr.Port))
	switch addr.AddrType {
	case Unix:
		return addr.Path
	case IPv4, IPv6:
		return net.JoinHostPort(addr.IP.String(), port)
	default:
		return net.JoinHostPort(addr.Domain, port)
	}
}

func (addr *Address) String() string {
	return addr.Network() + ":" + addr.DialString()
}
