package frontend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-socks5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/proxy"

	"socks5-pool/internal/logging"
)

const (
	DefaultListen      = "127.0.0.1:1080"
	DefaultDialTimeout = 10 * time.Second
)

// Options configure the front SOCKS5 server.
type Options struct {
	// Users maps user names to bcrypt hashes. Empty disables authentication.
	Users map[string]string
	// Upstream is the dispatcher listener every CONNECT is chained through.
	Upstream     string
	UpstreamAuth *proxy.Auth
	DialTimeout  time.Duration
	Logger       zerolog.Logger
}

// Server accepts client SOCKS5 sessions, authenticates them and hands the
// CONNECT to a pool member reached through the dispatcher.
type Server struct {
	opts   Options
	log    zerolog.Logger
	socks  *socks5.Server
	dialer proxy.ContextDialer

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool
}

func New(opts Options) (*Server, error) {
	if opts.Upstream == "" {
		return nil, errors.New("frontend upstream address is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}

	forward := &net.Dialer{Timeout: opts.DialTimeout}
	upstream, err := proxy.SOCKS5("tcp", opts.Upstream, opts.UpstreamAuth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream dialer: %w", err)
	}
	cd, ok := upstream.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("upstream dialer does not support contexts")
	}

	s := &Server{
		opts:      opts,
		log:       opts.Logger,
		dialer:    cd,
		listeners: make(map[net.Listener]struct{}),
	}

	conf := &socks5.Config{
		Dial:     s.dial,
		Resolver: remoteResolver{},
		Logger:   logging.StdLogger(opts.Logger, zerolog.WarnLevel, "socks5"),
	}
	if len(opts.Users) > 0 {
		creds := hashedCredentials(opts.Users)
		conf.Credentials = creds
		conf.AuthMethods = []socks5.Authenticator{socks5.UserPassAuthenticator{Credentials: creds}}
		s.log.Info().Int("users", len(opts.Users)).Msg("SOCKS5 authentication enabled")
	}

	server, err := socks5.New(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 server: %w", err)
	}
	s.socks = server
	return s, nil
}

func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = DefaultListen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.log.Info().Str("listen", ln.Addr().String()).Str("upstream", s.opts.Upstream).Msg("SOCKS5 front server listening")
	return s.Serve(ln)
}

// Serve blocks until ln fails or Close is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	err := s.socks.Serve(ln)

	s.mu.Lock()
	delete(s.listeners, ln)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	return err
}

// Close stops accepting new sessions. Established sessions run to completion.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	return nil
}

func (s *Server) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	s.log.Debug().Str("network", network).Str("target", addr).Msg("incoming request")

	conn, err := s.dialer.DialContext(ctx, network, addr)
	if err != nil {
		s.log.Warn().Err(err).Str("target", addr).Msg("failed to connect through pool")
		return nil, fmt.Errorf("failed to dial through pool: %w", err)
	}

	s.log.Debug().Str("target", addr).Msg("connected through pool")
	return &countingConn{Conn: conn, target: addr, log: s.log}, nil
}

// HashPassword returns the bcrypt hash to put in the users map.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type hashedCredentials map[string]string

func (c hashedCredentials) Valid(user, password string) bool {
	hash, ok := c[user]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// remoteResolver leaves host names unresolved so the pool member resolves
// them.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// countingConn logs the session's byte counts once when it is closed.
type countingConn struct {
	net.Conn
	target     string
	log        zerolog.Logger
	closed     atomic.Bool
	bytesRead  atomic.Int64
	bytesWrite atomic.Int64
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWrite.Add(int64(n))
	return n, err
}

func (c *countingConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.log.Debug().
			Str("target", c.target).
			Int64("bytes_read", c.bytesRead.Load()).
			Int64("bytes_written", c.bytesWrite.Load()).
			Msg("connection closed")
	}
	return c.Conn.Close()
}
