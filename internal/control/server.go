package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"socks5-pool/internal/backend"
	"socks5-pool/internal/dispatch"
	"socks5-pool/internal/refresh"
)

const (
	DefaultListen             = "127.0.0.1:17233"
	DefaultRefreshMinInterval = 10 * time.Second
)

// Refresher is the part of the refresh controller the control plane drives.
type Refresher interface {
	RefreshNow(ctx context.Context) (refresh.Outcome, error)
	State() refresh.State
	InProgress() bool
	History() []refresh.Outcome
}

// Pool is the part of the dispatcher the control plane reports on.
type Pool interface {
	Members() []backend.Member
	Snapshot() []dispatch.MemberStatus
}

type Options struct {
	Username string
	Password string
	// RefreshMinInterval spaces out accepted POST /refresh calls.
	RefreshMinInterval time.Duration
	RefreshBurst       int
	Logger             zerolog.Logger
}

// Server is the operational HTTP surface: manual refresh and status.
type Server struct {
	refresher Refresher
	pool      Pool
	opts      Options
	log       zerolog.Logger
	limiter   *rate.Limiter
	srv       *http.Server
}

func New(refresher Refresher, pool Pool, opts Options) *Server {
	if opts.RefreshMinInterval <= 0 {
		opts.RefreshMinInterval = DefaultRefreshMinInterval
	}
	if opts.RefreshBurst <= 0 {
		opts.RefreshBurst = 1
	}
	s := &Server{
		refresher: refresher,
		pool:      pool,
		opts:      opts,
		log:       opts.Logger,
		limiter:   rate.NewLimiter(rate.Every(opts.RefreshMinInterval), opts.RefreshBurst),
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/refresh", s.requireAuth(http.HandlerFunc(s.handleRefresh)))
	mux.Handle("/status", s.requireAuth(http.HandlerFunc(s.handleStatus)))
	mux.Handle("/list", s.requireAuth(http.HandlerFunc(s.handleList)))
	return mux
}

func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = DefaultListen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.log.Info().Str("listen", ln.Addr().String()).Bool("auth", s.authEnabled()).Msg("control server listening")
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) authEnabled() bool {
	return s.opts.Username != "" && s.opts.Password != ""
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authEnabled() {
			user, pass, ok := r.BasicAuth()
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.Username)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.Password)) == 1
			if !ok || !userOK || !passOK {
				w.Header().Set("WWW-Authenticate", `Basic realm="Proxy Pool Control"`)
				s.log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("unauthorized request rejected")
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.refresher.InProgress() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": refresh.ErrAlreadyInProgress.Error()})
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(s.opts.RefreshMinInterval.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "refresh rate limited"})
		return
	}

	s.log.Info().Str("remote", r.RemoteAddr).Msg("manual refresh triggered")

	// The cycle is bounded by its own timeout and must not be rolled back
	// because the caller hung up.
	out, err := s.refresher.RefreshNow(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, refresh.ErrAlreadyInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		var rErr *refresh.RestoreError
		status := http.StatusBadGateway
		if errors.As(err, &rErr) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, out)
	}
}

type statusPayload struct {
	State      refresh.State           `json:"state"`
	InProgress bool                    `json:"in_progress"`
	Members    []dispatch.MemberStatus `json:"members"`
	Healthy    int                     `json:"healthy"`
	History    []refresh.Outcome       `json:"history"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	members := s.pool.Snapshot()
	healthy := 0
	for _, m := range members {
		if m.State == dispatch.Up {
			healthy++
		}
	}
	writeJSON(w, http.StatusOK, statusPayload{
		State:      s.refresher.State(),
		InProgress: s.refresher.InProgress(),
		Members:    members,
		Healthy:    healthy,
		History:    s.refresher.History(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	members := s.pool.Members()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, m := range members {
		fmt.Fprintf(w, "%s %s\n", m.Name, m.Endpoint)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
