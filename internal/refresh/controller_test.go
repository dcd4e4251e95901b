package refresh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"socks5-pool/internal/backend"
	"socks5-pool/internal/lbconfig"
	"socks5-pool/internal/proxylist"
)

const liveConfig = `global
    maxconn 2048

backend socks_proxies
    balance roundrobin
    # BEGIN PROXY POOL
    server proxy1 9.9.9.9:1080 check inter 10s rise 2 fall 3
    # END PROXY POOL
`

type staticFetcher struct {
	lines []string
	err   error
}

func (f staticFetcher) Fetch(context.Context) ([]string, error) {
	return f.lines, f.err
}

// blockingFetcher signals entry and waits for release before answering.
type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
	lines   []string
}

func (f *blockingFetcher) Fetch(ctx context.Context) ([]string, error) {
	close(f.entered)
	select {
	case <-f.release:
		return f.lines, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingActivator struct {
	mu    sync.Mutex
	calls [][]backend.Member
	// failFirst makes the first call fail.
	failFirst bool
	hook      func()
}

func (a *recordingActivator) Activate(members []backend.Member) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, members)
	if len(a.calls) == 1 {
		if a.hook != nil {
			a.hook()
		}
		if a.failFirst {
			return errors.New("reload refused")
		}
	}
	return nil
}

func (a *recordingActivator) Calls() [][]backend.Member {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]backend.Member(nil), a.calls...)
}

func newController(t *testing.T, fetcher Fetcher, activator Activator, initial string) (*Controller, *lbconfig.FileStore) {
	t.Helper()

	store := lbconfig.NewFileStore(filepath.Join(t.TempDir(), "pool.cfg"), 3)
	if initial != "" {
		if err := os.WriteFile(store.Path, []byte(initial), 0o644); err != nil {
			t.Fatalf("write initial config: %v", err)
		}
	}

	c := New(Options{
		Fetcher:        fetcher,
		Store:          store,
		Activator:      activator,
		SkeletonListen: "127.0.0.1:1080",
		Logger:         zerolog.Nop(),
	})
	return c, store
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestRefreshActivatesCandidate(t *testing.T) {
	activator := &recordingActivator{}
	c, store := newController(t, staticFetcher{lines: []string{"1.2.3.4:1080", "5.6.7.8:1080"}}, activator, liveConfig)

	out, err := c.RefreshNow(context.Background())
	if err != nil {
		t.Fatalf("RefreshNow failed: %v", err)
	}
	if out.Result != ResultActivated || out.ID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	want := strings.Replace(liveConfig,
		"    server proxy1 9.9.9.9:1080 check inter 10s rise 2 fall 3\n",
		"    server proxy1 5.6.7.8:1080 check inter 10s rise 2 fall 3\n"+
			"    server proxy2 1.2.3.4:1080 check inter 10s rise 2 fall 3\n", 1)
	if got := readFile(t, store.Path); got != want {
		t.Fatalf("unexpected live config:\n%s\nwant:\n%s", got, want)
	}

	calls := activator.Calls()
	if len(calls) != 1 || len(calls[0]) != 2 || calls[0][0].Endpoint.String() != "5.6.7.8:1080" {
		t.Fatalf("unexpected activation calls %+v", calls)
	}

	if out.BackupPath == "" || readFile(t, out.BackupPath) != liveConfig {
		t.Fatalf("expected backup of previous config, got %q", out.BackupPath)
	}
	if c.State() != Idle {
		t.Fatalf("expected IDLE after cycle, got %s", c.State())
	}
	prev, ok := c.Previous()
	if !ok || !prev.Existed || string(prev.Text) != liveConfig {
		t.Fatalf("superseded configuration not retained: %+v", prev)
	}
}

func TestRefreshDropsMalformedLinesAndActivates(t *testing.T) {
	activator := &recordingActivator{}
	c, store := newController(t, staticFetcher{lines: []string{"1.2.3.4:1080", "5.6.7.8 :1080", "foo bar:1080"}}, activator, liveConfig)

	out, err := c.RefreshNow(context.Background())
	if err != nil {
		t.Fatalf("RefreshNow failed: %v", err)
	}
	if out.Result != ResultActivated {
		t.Fatalf("expected activated, got %+v", out)
	}
	if len(out.Members) != 1 || out.Members[0] != "1.2.3.4:1080" {
		t.Fatalf("expected only the valid member, got %v", out.Members)
	}

	want := strings.Replace(liveConfig,
		"    server proxy1 9.9.9.9:1080 check inter 10s rise 2 fall 3\n",
		"    server proxy1 1.2.3.4:1080 check inter 10s rise 2 fall 3\n", 1)
	if got := readFile(t, store.Path); got != want {
		t.Fatalf("unexpected live config:\n%s\nwant:\n%s", got, want)
	}
	if calls := activator.Calls(); len(calls) != 1 || len(calls[0]) != 1 {
		t.Fatalf("unexpected activation calls %+v", calls)
	}
}

func TestRefreshFailuresLeaveLiveConfigUntouched(t *testing.T) {
	cases := []struct {
		name    string
		fetcher Fetcher
		initial string
		phase   State
		target  error
	}{
		{"empty list", staticFetcher{err: proxylist.ErrEmpty}, liveConfig, Fetching, proxylist.ErrEmpty},
		{"unreachable", staticFetcher{err: proxylist.ErrUnreachable}, liveConfig, Fetching, proxylist.ErrUnreachable},
		{"no valid endpoints", staticFetcher{lines: []string{"garbage", "1.2.3.4"}}, liveConfig, Building, backend.ErrNoValidEndpoints},
		{"markers missing", staticFetcher{lines: []string{"1.2.3.4:1080"}}, "global\n", Materializing, lbconfig.ErrMarkersNotFound},
		{"markers duplicated", staticFetcher{lines: []string{"1.2.3.4:1080"}}, liveConfig + "# BEGIN PROXY POOL\n", Materializing, lbconfig.ErrMarkersDuplicated},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			activator := &recordingActivator{}
			c, store := newController(t, tc.fetcher, activator, tc.initial)

			out, err := c.RefreshNow(context.Background())
			if !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
			if out.Result != ResultRolledBack || out.Phase != tc.phase {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if got := readFile(t, store.Path); got != tc.initial {
				t.Fatalf("live config changed:\n%s", got)
			}
			if len(activator.Calls()) != 0 {
				t.Fatalf("activator must not be called")
			}
			if backups, _ := store.Backups(); len(backups) != 0 {
				t.Fatalf("no backup expected, got %v", backups)
			}
		})
	}
}

func TestRefreshValidationFailure(t *testing.T) {
	activator := &recordingActivator{}
	c, store := newController(t, staticFetcher{lines: []string{"1.2.3.4:1080"}}, activator, liveConfig)
	c.opts.Validator = lbconfig.ChainValidator{
		c.opts.Validator,
		validatorFunc(func(context.Context, []byte) error {
			return &lbconfig.ValidationError{Details: "unknown keyword"}
		}),
	}

	out, err := c.RefreshNow(context.Background())
	var vErr *lbconfig.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if out.Phase != Validating {
		t.Fatalf("expected failure in VALIDATING, got %s", out.Phase)
	}
	if readFile(t, store.Path) != liveConfig {
		t.Fatalf("live config changed after failed validation")
	}
	if len(activator.Calls()) != 0 {
		t.Fatalf("activator must not be called")
	}
}

type validatorFunc func(ctx context.Context, candidate []byte) error

func (f validatorFunc) Validate(ctx context.Context, candidate []byte) error {
	return f(ctx, candidate)
}

func TestRefreshActivationFailureRestoresSnapshot(t *testing.T) {
	activator := &recordingActivator{failFirst: true}
	c, store := newController(t, staticFetcher{lines: []string{"1.2.3.4:1080"}}, activator, liveConfig)

	out, err := c.RefreshNow(context.Background())
	if err == nil || !strings.Contains(err.Error(), "reload refused") {
		t.Fatalf("expected activation error, got %v", err)
	}
	if out.Result != ResultRolledBack || out.Phase != Activating {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if readFile(t, store.Path) != liveConfig {
		t.Fatalf("snapshot not restored byte for byte")
	}

	calls := activator.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected candidate activation and re-activation, got %d calls", len(calls))
	}
	if len(calls[1]) != 1 || calls[1][0].Endpoint.String() != "9.9.9.9:1080" {
		t.Fatalf("expected previous members re-activated, got %+v", calls[1])
	}
}

func TestRefreshRestoreFailureIsFatal(t *testing.T) {
	var path string
	activator := &recordingActivator{
		failFirst: true,
		hook: func() {
			// Replace the config file with a non-empty directory so the
			// restore rename cannot succeed.
			_ = os.Remove(path)
			_ = os.MkdirAll(filepath.Join(path, "blocker"), 0o755)
		},
	}
	c, store := newController(t, staticFetcher{lines: []string{"1.2.3.4:1080"}}, activator, liveConfig)
	path = store.Path
	var fatal error
	c.opts.OnRestoreFailure = func(err error) { fatal = err }

	out, err := c.RefreshNow(context.Background())
	var rErr *RestoreError
	if !errors.As(err, &rErr) {
		t.Fatalf("expected RestoreError, got %v", err)
	}
	if fatal == nil {
		t.Fatalf("restore failure hook was not called")
	}
	if out.Result != ResultRestoreFailed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if c.State() != Idle {
		t.Fatalf("expected IDLE after cycle, got %s", c.State())
	}
}

func TestRefreshColdStart(t *testing.T) {
	activator := &recordingActivator{}
	c, store := newController(t, staticFetcher{lines: []string{"1.2.3.4:1080"}}, activator, "")

	out, err := c.RefreshNow(context.Background())
	if err != nil {
		t.Fatalf("RefreshNow failed: %v", err)
	}
	if out.BackupPath != "" {
		t.Fatalf("no backup expected on cold start, got %s", out.BackupPath)
	}

	got := readFile(t, store.Path)
	if !strings.Contains(got, "server proxy1 1.2.3.4:1080 check inter 10s rise 2 fall 3") {
		t.Fatalf("expected member in cold-start config:\n%s", got)
	}
	if !strings.Contains(got, "127.0.0.1:1080") {
		t.Fatalf("expected skeleton listen address in config:\n%s", got)
	}
}

func TestRefreshColdStartActivationFailureRemovesFile(t *testing.T) {
	activator := &recordingActivator{failFirst: true}
	c, store := newController(t, staticFetcher{lines: []string{"1.2.3.4:1080"}}, activator, "")

	if _, err := c.RefreshNow(context.Background()); err == nil {
		t.Fatalf("expected activation failure")
	}
	if _, exists, _ := store.Load(); exists {
		t.Fatalf("cold-start candidate should have been removed")
	}
	calls := activator.Calls()
	if len(calls) != 2 || len(calls[1]) != 0 {
		t.Fatalf("expected re-activation with no members, got %+v", calls)
	}
}

func TestRefreshUnchanged(t *testing.T) {
	activator := &recordingActivator{}
	c, store := newController(t, staticFetcher{lines: []string{"1.2.3.4:1080"}}, activator, liveConfig)

	if _, err := c.RefreshNow(context.Background()); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	first := readFile(t, store.Path)

	out, err := c.RefreshNow(context.Background())
	if err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	if out.Result != ResultUnchanged {
		t.Fatalf("expected unchanged, got %s", out.Result)
	}
	if readFile(t, store.Path) != first {
		t.Fatalf("config changed on identical refresh")
	}
	if backups, _ := store.Backups(); len(backups) != 1 {
		t.Fatalf("expected a single backup, got %v", backups)
	}
	if len(activator.Calls()) != 2 {
		t.Fatalf("dispatcher should be re-signalled on unchanged refresh")
	}
}

func TestRefreshRejectsConcurrentCycle(t *testing.T) {
	fetcher := &blockingFetcher{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		lines:   []string{"1.2.3.4:1080"},
	}
	c, _ := newController(t, fetcher, &recordingActivator{}, liveConfig)

	done := make(chan error, 1)
	go func() {
		_, err := c.RefreshNow(context.Background())
		done <- err
	}()

	select {
	case <-fetcher.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("first cycle did not start")
	}

	if _, err := c.RefreshNow(context.Background()); !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
	if c.State() != Fetching || !c.InProgress() {
		t.Fatalf("rejected call must not change state, got %s", c.State())
	}

	close(fetcher.release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if len(c.History()) != 1 {
		t.Fatalf("rejected call must not be recorded")
	}
}

func TestRefreshCycleTimeout(t *testing.T) {
	fetcher := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	c, store := newController(t, fetcher, &recordingActivator{}, liveConfig)
	c.opts.CycleTimeout = 50 * time.Millisecond

	_, err := c.RefreshNow(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if readFile(t, store.Path) != liveConfig {
		t.Fatalf("live config changed after timeout")
	}
}

func TestRefreshHistoryIsBounded(t *testing.T) {
	c, _ := newController(t, staticFetcher{err: proxylist.ErrEmpty}, &recordingActivator{}, liveConfig)
	c.opts.HistorySize = 2

	for i := 0; i < 3; i++ {
		_, _ = c.RefreshNow(context.Background())
	}

	history := c.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(history))
	}
	if history[0].ID == history[1].ID {
		t.Fatalf("cycle ids must be unique")
	}
	last, ok := c.LastOutcome()
	if !ok || last.ID != history[1].ID {
		t.Fatalf("LastOutcome mismatch")
	}
}
