package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourorg/candle-cache/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrConflict is returned when a process of the same kind is already active
	ErrConflict = errors.New("conflict")
	// ErrNotRunning is returned when cancelling a process that is not active
	ErrNotRunning = errors.New("not running")
	// ErrUnknownProcess is returned for a process kind other than builder or rebuilder
	ErrUnknownProcess = errors.New("unknown process kind")
	// ErrShutdown is returned when starting work on a coordinator that is shutting down
	ErrShutdown = errors.New("coordinator is shut down")
)

type activeRun struct {
	scope  model.Scope
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns the status of the builder and rebuilder and arbitrates access to scopes.
// Status reads are atomic loads and never wait on writers.
type Coordinator struct {
	logger   *zap.Logger
	statuses map[model.ProcessKind]*atomic.Pointer[model.ProcessStatus]

	mu       sync.Mutex
	active   map[model.ProcessKind]*activeRun
	claims   map[string]model.ProcessKind
	reserved map[string]bool
	subs     map[chan struct{}]struct{}
	closed   bool
}

// NewCoordinator creates a coordinator with every process idle
func NewCoordinator(logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		logger:   logger,
		statuses: make(map[model.ProcessKind]*atomic.Pointer[model.ProcessStatus]),
	}
	for _, kind := range model.ProcessKinds {
		c.statuses[kind] = &atomic.Pointer[model.ProcessStatus]{}
		c.statuses[kind].Store(&model.ProcessStatus{})
	}
	c.Init()
	return c
}

// Init resets every status to idle and drops all claims
func (c *Coordinator) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = make(map[model.ProcessKind]*activeRun)
	c.claims = make(map[string]model.ProcessKind)
	c.reserved = make(map[string]bool)
	if c.subs == nil {
		c.subs = make(map[chan struct{}]struct{})
	}
	c.closed = false
	for _, kind := range model.ProcessKinds {
		c.statuses[kind].Store(&model.ProcessStatus{})
	}
	c.notifyLocked()
}

// Shutdown cancels active runs and waits for them to finish or for ctx to expire
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	var pending []chan struct{}
	for kind, run := range c.active {
		if run.cancel != nil {
			c.logger.Info("Cancelling active process", zap.String("process", string(kind)))
			run.cancel()
			pending = append(pending, run.done)
		}
	}
	for ch := range c.subs {
		close(ch)
		delete(c.subs, ch)
	}
	c.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Start marks kind active for scope. cancel, when not nil, is invoked by Cancel and Shutdown.
// It returns the run id, or ErrConflict when kind is already active.
func (c *Coordinator) Start(kind model.ProcessKind, scope model.Scope, cancel context.CancelFunc) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownProcess, kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrShutdown
	}
	if _, busy := c.active[kind]; busy {
		return "", ErrConflict
	}

	c.active[kind] = &activeRun{scope: scope, cancel: cancel, done: make(chan struct{})}

	now := time.Now().UTC()
	status := &model.ProcessStatus{
		IsActive:    true,
		StartTime:   &now,
		Description: "starting",
		RunID:       uuid.NewString(),
	}
	if scope != nil {
		key := scope.Key()
		status.Scope = &key
	}
	c.statuses[kind].Store(status)
	c.notifyLocked()

	return status.RunID, nil
}

// MarkProgress replaces the description of an active process
func (c *Coordinator) MarkProgress(kind model.ProcessKind, description string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[kind]; !ok {
		return
	}
	next := *c.statuses[kind].Load()
	next.Description = description
	c.statuses[kind].Store(&next)
	c.notifyLocked()
}

// Finish marks kind inactive. A nil err records completion, a context cancellation records a cancelled run.
func (c *Coordinator) Finish(kind model.ProcessKind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.active[kind]
	if !ok {
		return
	}
	delete(c.active, kind)
	close(run.done)

	now := time.Now().UTC()
	next := *c.statuses[kind].Load()
	next.IsActive = false
	next.FinishedAt = &now
	switch {
	case err == nil:
		next.Result = model.RunResultCompleted
		next.LastError = ""
	case errors.Is(err, context.Canceled):
		next.Result = model.RunResultCancelled
		next.LastError = ""
	default:
		next.Result = model.RunResultFailed
		next.LastError = err.Error()
	}
	c.statuses[kind].Store(&next)
	c.notifyLocked()
}

// Cancel asks an active run of kind to stop
func (c *Coordinator) Cancel(kind model.ProcessKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.active[kind]
	if !ok || run.cancel == nil {
		return ErrNotRunning
	}
	run.cancel()
	return nil
}

// Status returns a snapshot of kind's status
func (c *Coordinator) Status(kind model.ProcessKind) (model.ProcessStatus, error) {
	p, ok := c.statuses[kind]
	if !ok {
		return model.ProcessStatus{}, fmt.Errorf("%w: %q", ErrUnknownProcess, kind)
	}
	return *p.Load(), nil
}

// StatusAll returns a snapshot of every process
func (c *Coordinator) StatusAll() map[model.ProcessKind]model.ProcessStatus {
	out := make(map[model.ProcessKind]model.ProcessStatus, len(c.statuses))
	for kind, p := range c.statuses {
		out[kind] = *p.Load()
	}
	return out
}

// IsRebuilding reports whether an active rebuild covers scope
func (c *Coordinator) IsRebuilding(scope model.Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.active[model.ProcessRebuilder]
	return ok && model.Overlaps(run.scope, scope)
}

// ClaimScope gives kind exclusive use of scope. It fails when another holder has the scope,
// or when a different process is waiting for it.
func (c *Coordinator) ClaimScope(kind model.ProcessKind, scope model.Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimLocked(kind, scope)
}

func (c *Coordinator) claimLocked(kind model.ProcessKind, scope model.Scope) bool {
	key := scope.Key()
	if _, held := c.claims[key]; held {
		return false
	}
	if c.reserved[key] && kind != model.ProcessRebuilder {
		return false
	}
	c.claims[key] = kind
	return true
}

// WaitForScope blocks until kind holds scope. While waiting it reserves the scope so the
// builder cannot claim it again.
func (c *Coordinator) WaitForScope(ctx context.Context, kind model.ProcessKind, scope model.Scope, poll time.Duration) error {
	key := scope.Key()

	c.mu.Lock()
	if c.claimLocked(kind, scope) {
		c.mu.Unlock()
		return nil
	}
	c.reserved[key] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.reserved, key)
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		c.mu.Lock()
		ok := c.claimLocked(kind, scope)
		c.mu.Unlock()
		if ok {
			return nil
		}
	}
}

// ReleaseScope drops kind's claim on scope
func (c *Coordinator) ReleaseScope(kind model.ProcessKind, scope model.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := scope.Key()
	if c.claims[key] == kind {
		delete(c.claims, key)
	}
}

// Subscribe returns a channel signalled after every status change, and a function to unsubscribe.
// The channel is closed on Shutdown.
func (c *Coordinator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.mu.Lock()
	if c.closed {
		close(ch)
	} else {
		c.subs[ch] = struct{}{}
	}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

func (c *Coordinator) notifyLocked() {
	for ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
