package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"socks5-pool/internal/backend"
	"socks5-pool/internal/lbconfig"
)

const (
	DefaultCycleTimeout = 120 * time.Second
	DefaultHistorySize  = 20
)

// ErrAlreadyInProgress rejects a refresh while another cycle is running.
var ErrAlreadyInProgress = errors.New("refresh already in progress")

// RestoreError means the live configuration could not be put back after a
// failed activation. The persisted file is in an unknown state.
type RestoreError struct {
	Path  string
	Cause error
	Err   error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore %s after %v: %v", e.Path, e.Cause, e.Err)
}

func (e *RestoreError) Unwrap() []error {
	return []error{e.Cause, e.Err}
}

// Fetcher supplies raw candidate lines.
type Fetcher interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Activator makes a member set live in the forwarding layer.
type Activator interface {
	Activate(members []backend.Member) error
}

type ActivatorFunc func(members []backend.Member) error

func (f ActivatorFunc) Activate(members []backend.Member) error {
	return f(members)
}

// Options wire a Controller to its collaborators.
type Options struct {
	Fetcher      Fetcher
	Builder      *backend.Builder
	Materializer *lbconfig.Materializer
	Validator    lbconfig.Validator
	Store        *lbconfig.FileStore
	Activator    Activator
	// SkeletonListen is the bind address written into a cold-start skeleton.
	SkeletonListen string
	CycleTimeout   time.Duration
	HistorySize    int
	// OnRestoreFailure is called with the *RestoreError when a failed
	// activation could not be undone.
	OnRestoreFailure func(err error)
	Logger           zerolog.Logger
}

// Controller runs refresh cycles one at a time and keeps the last known good
// configuration live when a cycle fails.
type Controller struct {
	opts Options
	log  zerolog.Logger

	running atomic.Bool
	state   atomic.Int32

	mu       sync.Mutex
	history  []Outcome
	previous *Snapshot
}

func New(opts Options) *Controller {
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultCycleTimeout
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Builder == nil {
		opts.Builder = backend.NewBuilder(backend.DefaultCheckSettings(), opts.Logger)
	}
	if opts.Materializer == nil {
		opts.Materializer = lbconfig.NewMaterializer(lbconfig.DefaultMarkers())
	}
	if opts.Validator == nil {
		opts.Validator = &lbconfig.BuiltinValidator{Markers: opts.Materializer.Markers}
	}
	return &Controller{opts: opts, log: opts.Logger}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// InProgress reports whether a cycle is running.
func (c *Controller) InProgress() bool {
	return c.running.Load()
}

// History returns recorded outcomes, oldest first.
func (c *Controller) History() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Outcome, len(c.history))
	copy(out, c.history)
	return out
}

// LastOutcome returns the most recent outcome, if any.
func (c *Controller) LastOutcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return Outcome{}, false
	}
	return c.history[len(c.history)-1], true
}

func (c *Controller) record(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, o)
	if extra := len(c.history) - c.opts.HistorySize; extra > 0 {
		c.history = append(c.history[:0:0], c.history[extra:]...)
	}
}

// Snapshot is the live configuration as it was before a cycle started.
type Snapshot struct {
	Text    []byte
	Existed bool
	TakenAt time.Time
}

// Previous returns the configuration superseded by the last activation.
func (c *Controller) Previous() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.previous == nil {
		return Snapshot{}, false
	}
	return *c.previous, true
}

// cycle carries the per-refresh bookkeeping.
type cycle struct {
	out  Outcome
	log  zerolog.Logger
	snap Snapshot
}

// RefreshNow runs one complete cycle. A second call while a cycle is in
// flight returns ErrAlreadyInProgress without waiting.
func (c *Controller) RefreshNow(ctx context.Context) (Outcome, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Outcome{}, ErrAlreadyInProgress
	}
	defer c.running.Store(false)
	defer c.setState(Idle)

	ctx, cancel := context.WithTimeout(ctx, c.opts.CycleTimeout)
	defer cancel()

	id := uuid.New()
	cy := &cycle{
		out: Outcome{ID: id.String(), Started: time.Now()},
		log: c.log.With().Str("cycle", id.String()).Logger(),
	}
	cy.log.Info().Msg("refresh cycle started")

	err := c.run(ctx, cy)
	cy.out.Duration = time.Since(cy.out.Started)
	if err != nil {
		cy.out.Reason = err.Error()
	}
	c.record(cy.out)
	c.logOutcome(cy, err)

	var rErr *RestoreError
	if errors.As(err, &rErr) && c.opts.OnRestoreFailure != nil {
		c.opts.OnRestoreFailure(rErr)
	}
	return cy.out, err
}

func (c *Controller) run(ctx context.Context, cy *cycle) error {
	c.setState(Fetching)
	lines, err := c.opts.Fetcher.Fetch(ctx)
	if err != nil {
		return c.discard(cy, Fetching, fmt.Errorf("fetch proxy list: %w", err))
	}

	c.setState(Building)
	members, err := c.opts.Builder.Build(lines)
	if err != nil {
		return c.discard(cy, Building, err)
	}
	cy.out.Members = backend.Endpoints(members)

	c.setState(Materializing)
	current, existed, err := c.opts.Store.Load()
	if err != nil {
		return c.discard(cy, Materializing, fmt.Errorf("read live configuration: %w", err))
	}
	cy.snap = Snapshot{Text: current, Existed: existed, TakenAt: time.Now()}
	if !existed {
		current = lbconfig.Skeleton(c.opts.Materializer.Markers, c.opts.SkeletonListen)
		cy.log.Warn().Str("path", c.opts.Store.Path).Msg("no live configuration, starting from skeleton")
	}

	candidate, err := c.opts.Materializer.Materialize(current, members)
	if err != nil {
		if errors.Is(err, lbconfig.ErrMarkersNotFound) || errors.Is(err, lbconfig.ErrMarkersDuplicated) {
			cy.log.Error().
				Str("alert", "tamper").
				Str("path", c.opts.Store.Path).
				Err(err).
				Msg("managed region markers are damaged; the live configuration was edited outside the pool manager")
		}
		return c.discard(cy, Materializing, err)
	}

	c.setState(Validating)
	if err := c.opts.Validator.Validate(ctx, candidate); err != nil {
		return c.discard(cy, Validating, err)
	}

	c.setState(Activating)
	if existed && bytes.Equal(candidate, current) {
		if err := c.opts.Activator.Activate(members); err != nil {
			cy.out.Result = ResultRolledBack
			cy.out.Phase = Activating
			return fmt.Errorf("activate unchanged members: %w", err)
		}
		cy.out.Result = ResultUnchanged
		return nil
	}

	return c.activate(cy, candidate, members)
}

// discard drops a candidate before anything was written.
func (c *Controller) discard(cy *cycle, phase State, err error) error {
	c.setState(RollingBack)
	cy.out.Result = ResultRolledBack
	cy.out.Phase = phase
	return err
}

func (c *Controller) activate(cy *cycle, candidate []byte, members []backend.Member) error {
	store := c.opts.Store

	if cy.snap.Existed {
		path, err := store.Backup(cy.snap.Text)
		if err != nil {
			return c.discard(cy, Activating, fmt.Errorf("back up live configuration: %w", err))
		}
		cy.out.BackupPath = path
	}

	if err := store.Write(candidate); err != nil {
		return c.restore(cy, fmt.Errorf("write candidate: %w", err))
	}

	written, exists, err := store.Load()
	if err != nil {
		return c.restore(cy, fmt.Errorf("read back candidate: %w", err))
	}
	if !exists || !bytes.Equal(written, candidate) {
		return c.restore(cy, errors.New("read back candidate: content differs from what was written"))
	}

	if err := c.opts.Activator.Activate(members); err != nil {
		return c.restore(cy, fmt.Errorf("activate members: %w", err))
	}

	cy.out.Result = ResultActivated
	c.mu.Lock()
	snap := cy.snap
	c.previous = &snap
	c.mu.Unlock()
	return nil
}

// restore puts the snapshot back bit for bit and re-activates its members.
func (c *Controller) restore(cy *cycle, cause error) error {
	c.setState(RollingBack)
	cy.out.Phase = Activating
	store := c.opts.Store

	var err error
	if cy.snap.Existed {
		err = store.Write(cy.snap.Text)
		if err == nil {
			restored, _, readErr := store.Load()
			switch {
			case readErr != nil:
				err = readErr
			case !bytes.Equal(restored, cy.snap.Text):
				err = errors.New("restored content differs from snapshot")
			}
		}
	} else {
		err = store.Remove()
	}
	if err != nil {
		cy.out.Result = ResultRestoreFailed
		return &RestoreError{Path: store.Path, Cause: cause, Err: err}
	}
	cy.out.Result = ResultRolledBack

	var previous []backend.Member
	if cy.snap.Existed {
		previous, err = c.opts.Materializer.Members(cy.snap.Text)
		if err != nil {
			cy.log.Warn().Err(err).Msg("restored configuration has no readable members, not re-activating")
			return cause
		}
	}
	if err := c.opts.Activator.Activate(previous); err != nil {
		cy.log.Error().Err(err).Int("members", len(previous)).Msg("re-activating restored members failed")
	}
	return cause
}

func (c *Controller) logOutcome(cy *cycle, err error) {
	o := cy.out

	var ev *zerolog.Event
	switch o.Result {
	case ResultActivated, ResultUnchanged:
		ev = cy.log.Info()
	case ResultRestoreFailed:
		ev = cy.log.Error().Err(err)
	default:
		ev = cy.log.Warn().Err(err).Stringer("phase", o.Phase)
	}

	ev.Str("result", string(o.Result)).
		Int("members", len(o.Members)).
		Dur("duration", o.Duration)
	if o.BackupPath != "" {
		ev = ev.Str("backup", o.BackupPath)
	}
	ev.Msg("refresh cycle finished")
}
