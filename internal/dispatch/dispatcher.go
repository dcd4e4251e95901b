package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"socks5-pool/internal/backend"
)

const (
	DefaultListen      = "127.0.0.1:10800"
	DefaultDialTimeout = 5 * time.Second
	DefaultDialRetries = 3
)

var (
	// ErrNoHealthyBackend means no member is currently UP.
	ErrNoHealthyBackend = errors.New("no healthy backend")
	// ErrClosed is returned once Shutdown has been called.
	ErrClosed = errors.New("dispatcher closed")
)

// Options configure a Dispatcher.
type Options struct {
	DialTimeout  time.Duration
	DialRetries  int
	ProbeTimeout time.Duration
	Prober       Prober
	// OnTransition is called after a member's health state flips.
	OnTransition func(m backend.Member, from, to State)
	Logger       zerolog.Logger
}

// Dispatcher accepts client connections and relays each one to an UP pool
// member chosen round robin.
type Dispatcher struct {
	opts Options
	log  zerolog.Logger

	table  atomic.Pointer[memberTable]
	cursor atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	// forced is set once Shutdown starts closing relays; later upstreams
	// are refused.
	forced    bool
	checks    map[backend.Endpoint]*healthCheck
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}

	relays sync.WaitGroup
	probes sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.DialRetries <= 0 {
		opts.DialRetries = DefaultDialRetries
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Prober == nil {
		opts.Prober = TCPProber{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:      opts,
		log:       opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		checks:    make(map[backend.Endpoint]*healthCheck),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	d.table.Store(&memberTable{})
	return d
}

// Activate is Reload under the name the refresh controller expects.
func (d *Dispatcher) Activate(members []backend.Member) error {
	return d.Reload(members)
}

// Reload publishes a new member table. Health state follows endpoints, so a
// member renamed by a refresh keeps its history. Relays already in progress
// are not touched.
func (d *Dispatcher) Reload(members []backend.Member) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	next := &memberTable{entries: make([]*entry, 0, len(members))}
	keep := make(map[backend.Endpoint]bool, len(members))
	started := 0

	for _, m := range members {
		if keep[m.Endpoint] {
			continue
		}
		keep[m.Endpoint] = true

		hc, ok := d.checks[m.Endpoint]
		if !ok {
			hc = newHealthCheck(d.ctx, m)
			d.checks[m.Endpoint] = hc
			d.probes.Add(1)
			go d.runProbes(hc)
			started++
		} else {
			hc.update(m)
		}
		next.entries = append(next.entries, &entry{member: m, check: hc})
	}

	stopped := 0
	for ep, hc := range d.checks {
		if !keep[ep] {
			hc.cancel()
			delete(d.checks, ep)
			stopped++
		}
	}

	prev := d.table.Swap(next)
	d.log.Info().
		Int("members", len(next.entries)).
		Int("previous", len(prev.entries)).
		Int("probes_started", started).
		Int("probes_stopped", stopped).
		Msg("member table reloaded")
	return nil
}

// Members returns the currently published members in table order.
func (d *Dispatcher) Members() []backend.Member {
	t := d.table.Load()
	out := make([]backend.Member, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.member
	}
	return out
}

// MemberStatus is one row of Snapshot.
type MemberStatus struct {
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	State     State     `json:"state"`
	Active    int64     `json:"active_connections"`
	LastProbe time.Time `json:"last_probe,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

func (d *Dispatcher) Snapshot() []MemberStatus {
	t := d.table.Load()
	out := make([]MemberStatus, 0, len(t.entries))
	for _, e := range t.entries {
		last, lastErr := e.check.lastResult()
		out = append(out, MemberStatus{
			Name:      e.member.Name,
			Endpoint:  e.member.Endpoint.String(),
			State:     e.check.tracker.State(),
			Active:    e.check.active.Load(),
			LastProbe: last,
			LastError: lastErr,
		})
	}
	return out
}

func (d *Dispatcher) ListenAndServe(addr string) error {
	if addr == "" {
		addr = DefaultListen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	d.log.Info().Str("listen", ln.Addr().String()).Msg("dispatcher listening")
	return d.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It always returns a
// non-nil error; ErrClosed after a clean shutdown.
func (d *Dispatcher) Serve(ln net.Listener) error {
	if !d.trackListener(ln, true) {
		_ = ln.Close()
		return ErrClosed
	}
	defer d.trackListener(ln, false)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.isClosed() {
				return ErrClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			d.log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !d.trackConn(conn, true) {
			_ = conn.Close()
			continue
		}
		go d.handle(conn)
	}
}

// Shutdown stops accepting and probing, then waits for relays to finish.
// Relays still open when ctx is done are closed forcibly.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for ln := range d.listeners {
		_ = ln.Close()
	}
	d.cancel()
	d.mu.Unlock()

	d.probes.Wait()

	drained := make(chan struct{})
	go func() {
		d.relays.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.log.Info().Msg("dispatcher drained")
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	d.forced = true
	forced := len(d.conns)
	for c := range d.conns {
		_ = c.Close()
	}
	d.mu.Unlock()
	<-drained

	d.log.Warn().Int("connections", forced).Msg("dispatcher force-closed remaining connections")
	return ctx.Err()
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) trackListener(ln net.Listener, add bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !add {
		delete(d.listeners, ln)
		return true
	}
	if d.closed {
		return false
	}
	d.listeners[ln] = struct{}{}
	return true
}

// trackConn registers an inbound connection and accounts for its relay.
func (d *Dispatcher) trackConn(c net.Conn, add bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !add {
		delete(d.conns, c)
		return true
	}
	if d.closed {
		return false
	}
	d.conns[c] = struct{}{}
	d.relays.Add(1)
	return true
}

// addUpstream registers a dialled upstream for forced shutdown. It reports
// false once relays are being force-closed.
func (d *Dispatcher) addUpstream(c net.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.forced {
		return false
	}
	d.conns[c] = struct{}{}
	return true
}

func (d *Dispatcher) removeUpstream(c net.Conn) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
}

func (d *Dispatcher) handle(client net.Conn) {
	defer d.relays.Done()
	defer d.trackConn(client, false)

	upstream, e, err := d.dialUpstream()
	if err != nil {
		d.log.Warn().Err(err).Str("client", client.RemoteAddr().String()).Msg("closing client connection")
		_ = client.Close()
		return
	}
	if !d.addUpstream(upstream) {
		_ = upstream.Close()
		_ = client.Close()
		return
	}
	defer d.removeUpstream(upstream)

	e.check.active.Add(1)
	defer e.check.active.Add(-1)

	start := time.Now()
	sent, received := relay(client, upstream)
	d.log.Debug().
		Str("client", client.RemoteAddr().String()).
		Str("member", e.member.Name).
		Str("endpoint", e.member.Endpoint.String()).
		Int64("bytes_sent", sent).
		Int64("bytes_received", received).
		Dur("duration", time.Since(start)).
		Msg("connection closed")
}

// dialUpstream tries UP members in round-robin order, moving on to the next
// one when a dial fails.
func (d *Dispatcher) dialUpstream() (net.Conn, *entry, error) {
	tried := make(map[*healthCheck]bool)
	var lastErr error

	for attempt := 0; attempt < d.opts.DialRetries; attempt++ {
		e, err := d.pick(tried)
		if err != nil {
			if lastErr != nil {
				return nil, nil, fmt.Errorf("%w: last dial error: %v", err, lastErr)
			}
			return nil, nil, err
		}

		dialer := net.Dialer{Timeout: d.opts.DialTimeout}
		conn, err := dialer.DialContext(d.ctx, "tcp", e.member.Endpoint.String())
		if err == nil {
			return conn, e, nil
		}

		d.log.Warn().Err(err).Str("member", e.member.Name).Str("endpoint", e.member.Endpoint.String()).Int("attempt", attempt+1).Msg("upstream dial failed")
		tried[e.check] = true
		lastErr = err
	}
	return nil, nil, fmt.Errorf("upstream dial failed after %d attempts: %w", d.opts.DialRetries, lastErr)
}

func (d *Dispatcher) pick(skip map[*healthCheck]bool) (*entry, error) {
	t := d.table.Load()
	up := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		if !skip[e.check] && e.check.tracker.State() == Up {
			up = append(up, e)
		}
	}
	if len(up) == 0 {
		return nil, ErrNoHealthyBackend
	}
	n := d.cursor.Add(1) - 1
	return up[n%uint64(len(up))], nil
}

func (d *Dispatcher) runProbes(hc *healthCheck) {
	defer d.probes.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-hc.ctx.Done():
			return
		case <-timer.C:
		}

		d.probeOnce(hc)
		timer.Reset(hc.interval())
	}
}

func (d *Dispatcher) probeOnce(hc *healthCheck) {
	member := hc.current()

	ctx, cancel := context.WithTimeout(hc.ctx, d.opts.ProbeTimeout)
	err := d.opts.Prober.Probe(ctx, member.Endpoint.String())
	cancel()

	// A stopped check must not report a result from a cancelled probe.
	if hc.ctx.Err() != nil {
		return
	}

	hc.record(err)
	from, to, changed := hc.tracker.Observe(err == nil)
	if !changed {
		return
	}

	ev := d.log.Info()
	if to == Down {
		ev = d.log.Warn().AnErr("probe_error", err)
	}
	ev.Str("member", member.Name).
		Str("endpoint", member.Endpoint.String()).
		Stringer("from", from).
		Stringer("to", to).
		Msg("health transition")

	if d.opts.OnTransition != nil {
		d.opts.OnTransition(member, from, to)
	}
}

type memberTable struct {
	entries []*entry
}

type entry struct {
	member backend.Member
	check  *healthCheck
}

// healthCheck is the per-endpoint probe loop and its accumulated state.
type healthCheck struct {
	ctx     context.Context
	cancel  context.CancelFunc
	tracker *Tracker
	active  atomic.Int64

	mu        sync.Mutex
	member    backend.Member
	lastProbe time.Time
	lastErr   string
}

func newHealthCheck(parent context.Context, m backend.Member) *healthCheck {
	ctx, cancel := context.WithCancel(parent)
	return &healthCheck{
		ctx:     ctx,
		cancel:  cancel,
		tracker: NewTracker(m.Rise, m.Fall),
		member:  m,
	}
}

func (hc *healthCheck) update(m backend.Member) {
	hc.mu.Lock()
	hc.member = m
	hc.mu.Unlock()
	hc.tracker.configure(m.Rise, m.Fall)
}

func (hc *healthCheck) current() backend.Member {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.member
}

func (hc *healthCheck) interval() time.Duration {
	m := hc.current()
	if m.CheckInterval <= 0 {
		return backend.DefaultCheckInterval
	}
	return m.CheckInterval
}

func (hc *healthCheck) record(err error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.lastProbe = time.Now()
	hc.lastErr = ""
	if err != nil {
		hc.lastErr = err.Error()
	}
}

func (hc *healthCheck) lastResult() (time.Time, string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.lastProbe, hc.lastErr
}

// relay copies both directions until each side has finished sending,
// propagating half-closes, and returns the byte counts client->upstream and
// upstream->client.
func relay(client, upstream net.Conn) (sent, received int64) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		sent, _ = io.Copy(upstream, client)
		closeWrite(upstream)
	}()

	received, _ = io.Copy(client, upstream)
	closeWrite(client)
	<-done

	_ = client.Close()
	_ = upstream.Close()
	return sent, received
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
