package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"socks5-pool/internal/lbconfig"
	"socks5-pool/internal/refresh"
)

// testConfig returns a loaded configuration whose pool file and source list
// live in a temp dir. Listeners bind ephemeral loopback ports.
func testConfig(t *testing.T, listLines ...string) *Config {
	t.Helper()
	dir := t.TempDir()
	listPath := filepath.Join(dir, "list.txt")
	if err := os.WriteFile(listPath, []byte(strings.Join(listLines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}

	body := fmt.Sprintf(`source:
  url: file://%s
pool:
  config_path: %s
health:
  check_interval_seconds: 60
dispatch:
  listen: 127.0.0.1:0
control:
  listen: 127.0.0.1:0
refresh:
  interval_minutes: 0
  on_start: false
`, listPath, filepath.Join(dir, "pool.cfg"))

	cfg, err := loadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	return cfg
}

func newTestService(t *testing.T, cfg *Config) *service {
	t.Helper()
	s, err := newService(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newService failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.dispatcher.Shutdown(ctx)
	})
	return s
}

func TestService_RefreshActivatesDispatcher(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:9", "127.0.0.1:19")
	s := newTestService(t, cfg)

	out, err := s.controller.RefreshNow(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if out.Result != refresh.ResultActivated {
		t.Fatalf("expected activated, got %s", out.Result)
	}
	if n := len(s.dispatcher.Members()); n != 2 {
		t.Fatalf("expected 2 members in the dispatcher, got %d", n)
	}

	content, exists, err := s.store.Load()
	if err != nil || !exists {
		t.Fatalf("expected persisted config, exists=%v err=%v", exists, err)
	}
	if !strings.Contains(string(content), lbconfig.DefaultStartMarker) || !strings.Contains(string(content), "127.0.0.1:19") {
		t.Fatalf("unexpected persisted config:\n%s", content)
	}
}

func TestService_LoadLiveFeedsDispatcher(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:9")
	s := newTestService(t, cfg)

	seed := newTestService(t, testConfig(t, "127.0.0.1:29", "127.0.0.1:39", "127.0.0.1:49"))
	if _, err := seed.controller.RefreshNow(context.Background()); err != nil {
		t.Fatalf("seed refresh failed: %v", err)
	}
	content, _, err := seed.store.Load()
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if err := s.store.Write(content); err != nil {
		t.Fatalf("write live config: %v", err)
	}

	if err := s.loadLive(); err != nil {
		t.Fatalf("loadLive failed: %v", err)
	}
	if n := len(s.dispatcher.Members()); n != 3 {
		t.Fatalf("expected 3 members from the persisted config, got %d", n)
	}
}

func TestService_LoadLiveTolerantOfMissingOrBrokenFile(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:9")
	s := newTestService(t, cfg)

	if err := s.loadLive(); err != nil {
		t.Fatalf("missing file must not fail startup: %v", err)
	}

	if err := s.store.Write([]byte("backend socks_proxies\n    server proxy1 127.0.0.1:9\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.loadLive(); err != nil {
		t.Fatalf("file without markers must not fail startup: %v", err)
	}
	if n := len(s.dispatcher.Members()); n != 0 {
		t.Fatalf("expected empty pool, got %d members", n)
	}
}

func TestService_RunStopsOnRestoreFailure(t *testing.T) {
	s := newTestService(t, testConfig(t, "127.0.0.1:9"))

	done := make(chan error, 1)
	go func() { done <- s.run(context.Background()) }()

	cause := errors.New("rename: permission denied")
	time.Sleep(50 * time.Millisecond)
	s.onRestoreFailure(cause)

	select {
	case err := <-done:
		if !errors.Is(err, cause) {
			t.Fatalf("expected restore failure to end run, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after restore failure")
	}
}

func TestService_RunStopsOnContextCancel(t *testing.T) {
	s := newTestService(t, testConfig(t, "127.0.0.1:9"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

type countingRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRefresher) RefreshNow(context.Context) (refresh.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return refresh.Outcome{}, r.err
}

func (r *countingRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestStartRefreshScheduler_TicksUntilCancelled(t *testing.T) {
	r := &countingRefresher{}
	ctx, cancel := context.WithCancel(context.Background())
	startRefreshScheduler(ctx, r, 20*time.Millisecond, false, zerolog.Nop())

	deadline := time.Now().Add(2 * time.Second)
	for r.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.count() < 3 {
		t.Fatalf("expected at least 3 scheduled refreshes, got %d", r.count())
	}

	cancel()
	time.Sleep(60 * time.Millisecond)
	stopped := r.count()
	time.Sleep(100 * time.Millisecond)
	if r.count() != stopped {
		t.Fatalf("scheduler kept running after cancel: %d -> %d", stopped, r.count())
	}
}

func TestStartRefreshScheduler_OnStartWithoutInterval(t *testing.T) {
	r := &countingRefresher{err: refresh.ErrAlreadyInProgress}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startRefreshScheduler(ctx, r, 0, true, zerolog.Nop())

	deadline := time.Now().Add(time.Second)
	for r.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := r.count(); n != 1 {
		t.Fatalf("expected exactly one startup refresh, got %d", n)
	}
}
