package tio

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the URL scheme of tio addresses.
const Scheme = "tio"

// URL is a parsed tio://host[:port][/container] address.
type URL struct {
	Host      string
	Port      int
	Container string
}

// ParseURL parses a tio:// URL. The port defaults to DefaultPort.
func ParseURL(raw string) (URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URL{}, fmt.Errorf("tio: invalid url %q: %w", raw, err)
	}
	if u.Scheme != Scheme {
		return URL{}, fmt.Errorf("tio: invalid url %q: scheme must be %s", raw, Scheme)
	}
	if u.Hostname() == "" {
		return URL{}, fmt.Errorf("tio: invalid url %q: missing host", raw)
	}

	port := DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return URL{}, fmt.Errorf("tio: invalid url %q: bad port", raw)
		}
	}

	return URL{
		Host:      u.Hostname(),
		Port:      port,
		Container: strings.TrimPrefix(u.Path, "/"),
	}, nil
}

// Address returns host:port.
func (u URL) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u URL) String() string {
	s := Scheme + "://" + u.Address()
	if u.Container != "" {
		s += "/" + u.Container
	}
	return s
}

func normalizeAddress(address string) (string, error) {
	if strings.HasPrefix(address, Scheme+"://") {
		u, err := ParseURL(address)
		if err != nil {
			return "", err
		}
		return u.Address(), nil
	}

	if address == "" {
		return "", fmt.Errorf("tio: empty address")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return net.JoinHostPort(address, strconv.Itoa(DefaultPort)), nil
	}
	return address, nil
}

// OpenURL connects to the server named in a tio:// URL and opens the
// container named by its path. With a non-empty createType the container
// is created when missing.
func OpenURL(ctx context.Context, raw, createType string, cfg Config) (*Conn, *Container, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return nil, nil, err
	}
	if u.Container == "" {
		return nil, nil, fmt.Errorf("tio: url %q names no container", raw)
	}

	conn, err := Dial(ctx, u.Address(), cfg)
	if err != nil {
		return nil, nil, err
	}

	var c *Container
	if createType != "" {
		c, err = conn.Create(ctx, u.Container, createType)
	} else {
		c, err = conn.Open(ctx, u.Container, "")
	}
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, c, nil
}
