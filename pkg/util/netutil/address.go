// Package netutil parses the server addresses accepted by clients and servers
package netutil

import (
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const (
	NetworkTCP       = "tcp"
	NetworkUnix      = "unix"
	NetworkWebSocket = "ws"
)

// ErrInvalidAddress is returned when an address can not be parsed
var ErrInvalidAddress = errors.New("invalid address")

// Address is a parsed server address
type Address struct {
	// Network is one of NetworkTCP, NetworkUnix and NetworkWebSocket
	Network string
	// Address is host:port for tcp, a file path for unix and a URL for websocket
	Address string
}

// ParseAddress parses addresses in the forms "tcp:host:port", "unix:/path",
// "ws://host:port/path" and "wss://host:port/path". A bare "host:port" is a tcp
// address and a bare "/path" is a unix socket.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Address{}, errors.WithMessage(ErrInvalidAddress, "empty address")
	case strings.HasPrefix(s, "ws://"), strings.HasPrefix(s, "wss://"):
		u, err := url.Parse(s)
		if err != nil {
			return Address{}, errors.WithMessagef(ErrInvalidAddress, "parse url %q: %v", s, err)
		}
		if u.Host == "" {
			return Address{}, errors.WithMessagef(ErrInvalidAddress, "no host in %q", s)
		}
		return Address{Network: NetworkWebSocket, Address: s}, nil
	case strings.HasPrefix(s, "unix:"):
		path := strings.TrimPrefix(s, "unix:")
		if path == "" {
			return Address{}, errors.WithMessagef(ErrInvalidAddress, "no path in %q", s)
		}
		return Address{Network: NetworkUnix, Address: path}, nil
	case strings.HasPrefix(s, "/"):
		return Address{Network: NetworkUnix, Address: s}, nil
	}

	hostport := strings.TrimPrefix(s, "tcp:")
	if _, port, err := net.SplitHostPort(hostport); err != nil || port == "" {
		return Address{}, errors.WithMessagef(ErrInvalidAddress, "bad tcp address %q", s)
	}
	return Address{Network: NetworkTCP, Address: hostport}, nil
}

// String formats a in the form accepted by ParseAddress
func (a Address) String() string {
	switch a.Network {
	case NetworkWebSocket:
		return a.Address
	default:
		return a.Network + ":" + a.Address
	}
}

// Listen announces on a tcp or unix address
func Listen(a Address) (net.Listener, error) {
	switch a.Network {
	case NetworkTCP, NetworkUnix:
		l, err := net.Listen(a.Network, a.Address)
		if err != nil {
			return nil, errors.Wrapf(err, "listen on %s", a)
		}
		return l, nil
	default:
		return nil, errors.WithMessagef(ErrInvalidAddress, "can not listen on %s", a)
	}
}
