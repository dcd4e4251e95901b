package backend

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	DefaultCheckInterval = 10 * time.Second
	DefaultRise          = 2
	DefaultFall          = 3
)

// Endpoint is one upstream SOCKS5 proxy address.
type Endpoint struct {
	Host string
	Port uint16
}

// String renders host:port. It is also the endpoint identity used to key
// health state across refreshes.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// ParseEndpoint parses a single host:port entry.
func ParseEndpoint(raw string) (Endpoint, error) {
	entry := strings.TrimSpace(raw)
	if entry == "" {
		return Endpoint{}, fmt.Errorf("empty entry")
	}
	if !strings.Contains(entry, ":") {
		return Endpoint{}, fmt.Errorf("missing port in %q", entry)
	}

	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid host:port %q: %w", entry, err)
	}
	if strings.TrimSpace(host) == "" {
		return Endpoint{}, fmt.Errorf("empty host in %q", entry)
	}
	// The host is rendered as one field of a server line.
	if strings.IndexFunc(host, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return Endpoint{}, fmt.Errorf("whitespace in host %q", host)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port in %q", entry)
	}
	if port == 0 {
		return Endpoint{}, fmt.Errorf("port 0 in %q", entry)
	}

	return Endpoint{Host: host, Port: uint16(port)}, nil
}

// Member is a named pool entry with its health-check parameters.
type Member struct {
	Name          string
	Endpoint      Endpoint
	CheckInterval time.Duration
	Rise          uint
	Fall          uint
}

// CheckSettings are the health-check parameters stamped on every member.
type CheckSettings struct {
	Interval time.Duration
	Rise     uint
	Fall     uint
}

// DefaultCheckSettings returns inter 10s, rise 2, fall 3.
func DefaultCheckSettings() CheckSettings {
	return CheckSettings{
		Interval: DefaultCheckInterval,
		Rise:     DefaultRise,
		Fall:     DefaultFall,
	}
}

// MemberName returns the positional name for the 1-indexed slot.
func MemberName(position int) string {
	return "proxy" + strconv.Itoa(position)
}
