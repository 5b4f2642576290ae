package tools

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"support-agent/internal/domain"
)

// DefaultTimeout bounds a call when the caller passes none.
const DefaultTimeout = 3 * time.Second

const maxAttempts = 2

// Dispatcher validates and executes tool calls.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time

	locks keyedLocks
}

type DispatcherOption func(*Dispatcher)

func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("tools: registry must not be nil")
	}
	d := &Dispatcher{registry: registry, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	d.locks.m = make(map[string]*lockEntry)
	return d, nil
}

type outcome struct {
	result   map[string]any
	err      error
	attempts int
}

// Invoke runs one call and always returns a resolved ToolCall.
//
// The call runs on a context detached from ctx and bounded by timeout, so a
// call that has been dispatched completes (and is recorded) even when the
// caller gives up on the turn. Calls for the same session and tool are
// serialized; waiting for the slot counts against timeout.
func (d *Dispatcher) Invoke(ctx context.Context, scope Scope, name string, args map[string]any, timeout time.Duration) domain.ToolCall {
	start := d.now()
	call := domain.ToolCall{Name: name, Args: args, Status: domain.ToolPending}
	resolve := func(status domain.ToolStatus, reason string) domain.ToolCall {
		call.Status = status
		call.Reason = reason
		call.Latency = d.now().Sub(start)
		log := d.logger.Info
		if status != domain.ToolSucceeded {
			log = d.logger.Warn
		}
		log("tool call resolved",
			"tool", name, "session_id", scope.SessionID, "brand_id", scope.BrandID,
			"status", string(status), "reason", reason, "attempts", call.Attempts, "latency", call.Latency)
		return call
	}

	tool, ok := d.registry.Get(name)
	if !ok {
		return resolve(domain.ToolFailed, domain.ReasonUnknownTool)
	}
	clean, err := tool.Schema.Validate(args)
	if err != nil {
		call.Result = map[string]any{"error": err.Error()}
		return resolve(domain.ToolFailed, domain.ReasonInvalidArguments)
	}
	call.Args = clean

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	release, ok := d.locks.acquire(runCtx, scope.SessionID+"\x00"+name)
	if !ok {
		return resolve(domain.ToolTimedOut, domain.ReasonBusy)
	}

	done := make(chan outcome, 1)
	go func() {
		defer release()
		done <- d.run(runCtx, tool, scope, clean)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		call.Attempts = 1
		return resolve(domain.ToolTimedOut, domain.ReasonTimeout)
	}

	call.Attempts = out.attempts
	var te *Error
	switch {
	case out.err == nil:
		call.Result = out.result
		return resolve(domain.ToolSucceeded, "")
	case errors.Is(out.err, context.DeadlineExceeded):
		return resolve(domain.ToolTimedOut, domain.ReasonTimeout)
	case errors.As(out.err, &te):
		return resolve(domain.ToolFailed, te.Reason)
	default:
		return resolve(domain.ToolFailed, domain.ReasonUpstream)
	}
}

func (d *Dispatcher) run(ctx context.Context, tool Tool, scope Scope, args map[string]any) outcome {
	for attempt := 1; ; attempt++ {
		res, err := tool.Exec(ctx, scope, args)
		if err == nil {
			return outcome{result: res, attempts: attempt}
		}
		if ctx.Err() != nil {
			return outcome{err: ctx.Err(), attempts: attempt}
		}
		var te *Error
		if errors.As(err, &te) && !te.Transient {
			return outcome{err: err, attempts: attempt}
		}
		if attempt >= maxAttempts {
			return outcome{err: err, attempts: attempt}
		}
		d.logger.Debug("retrying tool call", "tool", tool.Name, "session_id", scope.SessionID, "err", err)
	}
}

// keyedLocks is a set of binary semaphores created on demand and dropped
// once nobody holds or waits for them.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func (k *keyedLocks) acquire(ctx context.Context, key string) (func(), bool) {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			k.unref(key, e)
		}, true
	case <-ctx.Done():
		k.unref(key, e)
		return nil, false
	}
}

func (k *keyedLocks) unref(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 && k.m[key] == e {
		delete(k.m, key)
	}
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
