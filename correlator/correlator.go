package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corvusrun/pykernel"
)

// Counters tracks the observability fields spec §4.G's close() exposes.
type Counters struct {
	PendingCurrent       int64
	PendingHighWaterMark int64
	TimeoutsTotal        int64
	CancelledTotal       int64
}

// InputProvider answers a worker's input() request. It is invoked from the
// Correlator's own per-execution goroutine, not from Session's read loop,
// so it may block.
type InputProvider func(ctx context.Context, executionID, prompt string) (string, error)

// Correlator bridges Session's frame-based Execute/InputResponse API to a
// promise-returning one: Execute blocks until the matching Result or Error
// frame resolves or rejects its exec:{execution_id} promise. It subscribes
// to Session exclusively via AddMessageInterceptor — spec §4.G forbids the
// correlator from reading the transport directly — for its own
// observability counters; the actual promise settlement is driven by
// draining the ExecutionStream Session.Execute returns, which is the
// ordinary, single-reader-safe way to consume a Session's frames.
type Correlator struct {
	session  *pykernel.Session
	registry Registry
	logger   *zap.Logger

	mu            sync.Mutex
	open          bool
	interceptorID int
	counters      Counters
}

// New builds a Correlator around session using registry as its promise
// store. A nil registry defaults to NewMemoryRegistry(); a nil logger
// defaults to a no-op.
func New(session *pykernel.Session, registry Registry, logger *zap.Logger) *Correlator {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{session: session, registry: registry, logger: logger}
}

// Open subscribes the correlator to session's inbound frames. Idempotent.
func (c *Correlator) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return
	}
	c.interceptorID = c.session.AddMessageInterceptor(c.observe)
	c.open = true
}

// Close unsubscribes and rejects every still-pending promise with a
// cancelled payload (spec §4.G). Idempotent.
func (c *Correlator) Close() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	id := c.interceptorID
	c.mu.Unlock()

	c.session.RemoveMessageInterceptor(id)

	if mem, ok := c.registry.(*MemoryRegistry); ok {
		mem.mu.Lock()
		ids := make([]string, 0, len(mem.handles))
		for k := range mem.handles {
			ids = append(ids, k)
		}
		mem.mu.Unlock()
		for _, pid := range ids {
			if c.registry.Reject(pid, &pykernel.ExecutionError{Kind: pykernel.ErrorKindCancelled, Message: "correlator closed"}) {
				c.mu.Lock()
				c.counters.CancelledTotal++
				c.mu.Unlock()
			}
		}
	}
}

// Counters returns a snapshot of the correlator's observability counters.
func (c *Correlator) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// observe is the message interceptor: it only updates counters on
// terminal/timeout events the registry itself cannot see (the registry's
// own timers fire independently of frame arrival), keeping PendingCurrent
// and its high-water mark in sync with reality.
func (c *Correlator) observe(msg pykernel.Message) {
	if !msg.IsTerminal() {
		return
	}
	c.refreshPendingCounters()
}

func (c *Correlator) refreshPendingCounters() {
	mem, ok := c.registry.(*MemoryRegistry)
	if !ok {
		return
	}
	n := int64(mem.pendingCount())
	c.mu.Lock()
	c.counters.PendingCurrent = n
	if n > c.counters.PendingHighWaterMark {
		c.counters.PendingHighWaterMark = n
	}
	c.mu.Unlock()
}

// Execute sends source through the session and blocks until the
// execution's terminal frame settles the exec:{execution_id} promise,
// returning its Result or rejecting with the worker's ExecutionError.
// onOutput, if non-nil, is called for every Output frame in arrival order
// before the terminal frame settles the promise. provideInput, if non-nil,
// answers any Input frames the execution raises; if nil, an Input frame
// immediately rejects the promise (there is no one to ask).
func (c *Correlator) Execute(ctx context.Context, source string, captureSource bool, timeout time.Duration, onOutput func(pykernel.Message), provideInput InputProvider) (*pykernel.ExecutionResult, error) {
	stream, err := c.session.Execute(ctx, source, captureSource)
	if err != nil {
		return nil, err
	}
	promiseID := "exec:" + stream.ExecutionID()
	handle := c.registry.Create(promiseID, timeout, nil)
	c.refreshPendingCounters()

	go c.drain(ctx, stream, promiseID, onOutput, provideInput)

	select {
	case <-handle.Done():
		c.refreshPendingCounters()
		value, err := handle.Result()
		if err != nil {
			if te, ok := err.(*TimeoutError); ok {
				te.Capability = "execute"
				te.ExecutionID = stream.ExecutionID()
				c.mu.Lock()
				c.counters.TimeoutsTotal++
				c.mu.Unlock()
			}
			return nil, err
		}
		result, _ := value.(*pykernel.ExecutionResult)
		return result, nil
	case <-ctx.Done():
		stream.Close()
		c.registry.Reject(promiseID, ctx.Err())
		c.refreshPendingCounters()
		return nil, ctx.Err()
	}
}

// drain consumes stream's frames, answering Input requests via
// provideInput and forwarding Output frames to onOutput, until the
// terminal frame arrives, then resolves or rejects the exec promise.
func (c *Correlator) drain(ctx context.Context, stream *pykernel.ExecutionStream, promiseID string, onOutput func(pykernel.Message), provideInput InputProvider) {
	for msg := range stream.Frames() {
		switch msg.Type {
		case pykernel.MessageOutput:
			if onOutput != nil {
				onOutput(msg)
			}
		case pykernel.MessageInput:
			c.handleInput(ctx, stream.ExecutionID(), msg, provideInput)
			if provideInput == nil {
				c.registry.Reject(promiseID, fmt.Errorf("correlator: no input provider wired for execution %s", stream.ExecutionID()))
			}
		case pykernel.MessageResult:
			c.registry.Resolve(promiseID, &pykernel.ExecutionResult{
				ExecutionID: msg.ExecutionID,
				Value:       msg.Value,
				Repr:        msg.Repr,
				DurationMs:  msg.DurationMs,
			})
		case pykernel.MessageError:
			c.registry.Reject(promiseID, &pykernel.ExecutionError{
				ExecutionID: msg.ExecutionID,
				Kind:        msg.Kind,
				Message:     msg.ErrMessage,
				Notes:       msg.Notes,
			})
		}
	}
}

// handleInput settles the {execution_id}:input:{input_message_id} promise
// spec §4.G names once provideInput answers, and relays the answer back to
// the worker via Session.InputResponse.
func (c *Correlator) handleInput(ctx context.Context, executionID string, msg pykernel.Message, provideInput InputProvider) {
	promiseID := fmt.Sprintf("%s:input:%s", executionID, msg.ID)
	c.registry.Create(promiseID, 0, msg.Prompt)
	c.refreshPendingCounters()

	if provideInput == nil {
		c.registry.Reject(promiseID, fmt.Errorf("correlator: no input provider wired for execution %s", executionID))
		c.refreshPendingCounters()
		return
	}

	answer, err := provideInput(ctx, executionID, msg.Prompt)
	if err != nil {
		c.registry.Reject(promiseID, err)
		c.refreshPendingCounters()
		return
	}
	c.registry.Resolve(promiseID, answer)
	c.refreshPendingCounters()
	_ = c.session.InputResponse(msg.ID, answer)
}
