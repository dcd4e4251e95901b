package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

const DefaultProbeTimeout = 3 * time.Second

// State is the health of one pool member as seen by the dispatcher.
type State int32

const (
	Unknown State = iota
	Up
	Down
)

func (s State) String() string {
	switch s {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Tracker applies rise/fall hysteresis to a stream of probe results.
type Tracker struct {
	mu        sync.Mutex
	rise      uint
	fall      uint
	state     State
	successes uint
	failures  uint
}

func NewTracker(rise, fall uint) *Tracker {
	t := &Tracker{}
	t.configure(rise, fall)
	return t
}

func (t *Tracker) configure(rise, fall uint) {
	if rise == 0 {
		rise = 1
	}
	if fall == 0 {
		fall = 1
	}
	t.mu.Lock()
	t.rise = rise
	t.fall = fall
	t.mu.Unlock()
}

// Observe records one probe result and reports the state before and after.
// changed is true only when the state flipped.
func (t *Tracker) Observe(ok bool) (from, to State, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	from = t.state
	if ok {
		t.failures = 0
		t.successes++
		if t.state != Up && t.successes >= t.rise {
			t.state = Up
		}
	} else {
		t.successes = 0
		t.failures++
		if t.state != Down && t.failures >= t.fall {
			t.state = Down
		}
	}
	return from, t.state, from != t.state
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Prober answers whether the member at addr is serving.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// ProberFunc adapts a plain function to Prober.
type ProberFunc func(ctx context.Context, addr string) error

func (f ProberFunc) Probe(ctx context.Context, addr string) error {
	return f(ctx, addr)
}

// TCPProber considers a member healthy when a TCP connection succeeds.
type TCPProber struct{}

func (TCPProber) Probe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// SOCKS5Prober performs a SOCKS5 CONNECT through the member to Target.
type SOCKS5Prober struct {
	Target string
	Auth   *proxy.Auth
}

func (p SOCKS5Prober) Probe(ctx context.Context, addr string) error {
	if p.Target == "" {
		return fmt.Errorf("socks5 probe target not set")
	}

	timeout := DefaultProbeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	dialer, err := proxy.SOCKS5("tcp", addr, p.Auth, deadlineDialer{timeout: timeout})
	if err != nil {
		return err
	}

	var conn net.Conn
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", p.Target)
	} else {
		conn, err = dialer.Dial("tcp", p.Target)
	}
	if err != nil {
		return fmt.Errorf("connect %s via %s: %w", p.Target, addr, err)
	}
	return conn.Close()
}

// deadlineDialer bounds both the dial and the SOCKS5 handshake that follows.
type deadlineDialer struct {
	timeout time.Duration
}

func (d deadlineDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := (&net.Dialer{Timeout: d.timeout}).Dial(network, addr)
	if err != nil {
		return nil, err
	}

	if d.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(d.timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	return conn, nil
}
