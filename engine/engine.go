// Package engine implements the Execution Engine (spec §4.D): mode
// analysis, the compile-first/AST-fallback pair, cooperative cancellation,
// and namespace merge timing. It delegates the actually-language-specific
// work (parsing and running source) to a pluggable Interpreter.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corvusrun/pykernel"
)

// Counters tracks the cancellation bookkeeping spec §4.D and §8's testable
// properties require (cancels_requested ≥ cancels_effective, and a noop
// cancel when nothing is running).
type Counters struct {
	CancelsRequested int64
	CancelsEffective int64
	CancelsNoop      int64
	CancelledErrors  int64
}

// Engine runs one source string at a time against a Namespace. It holds no
// Namespace of its own — the caller (workerproc.Worker) owns that, one per
// session, and passes it into every Execute call.
type Engine struct {
	interp         Interpreter
	cache          *programCache
	warnOnBlocking bool
	logger         *zap.Logger

	// execMu serializes Execute: spec's concurrency model allows at most
	// one execution in flight per engine.
	execMu sync.Mutex

	mu       sync.Mutex
	current  *runningExec
	counters Counters
}

type runningExec struct {
	executionID string
	cancel      context.CancelFunc
}

// NewEngine builds an Engine around interp, caching up to cacheMax analyzed
// programs (0 disables the cache). warnOnBlocking mirrors
// pykernel.Config.WarnOnBlocking: when true, a successful blocking-sync
// execution carries a warning note. A nil logger is replaced with a no-op.
func NewEngine(interp Interpreter, cacheMax int, warnOnBlocking bool, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		interp:         interp,
		cache:          newProgramCache(cacheMax),
		warnOnBlocking: warnOnBlocking,
		logger:         logger,
	}
}

// Counters returns a snapshot of the engine's cancellation bookkeeping.
func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// CancelCurrent requests cancellation of whatever execution is presently
// running, if any. It returns true when an execution was actually in
// flight (effective), false when there was nothing to cancel (noop).
func (e *Engine) CancelCurrent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.CancelsRequested++
	if e.current == nil {
		e.counters.CancelsNoop++
		return false
	}
	e.current.cancel()
	e.counters.CancelsEffective++
	return true
}

// Classify reports the Mode source would run under without executing it.
// Exposed for observability/testing; Execute performs this same analysis
// internally as part of compile.
func (e *Engine) Classify(source string) (Mode, error) {
	_, mode, err := e.interp.Analyze(source)
	if err != nil {
		if e.interp.IsAsyncWrapNeeded(err) {
			return ModeTopLevelAwait, nil
		}
		return ModeUnknown, err
	}
	return mode, nil
}

// CancelExecution requests cancellation of executionID specifically. If the
// currently running execution has a different id (already finished, or the
// request is stale), this is a noop — mirroring CancelCurrent's
// noop/effective distinction, but scoped to the id the caller actually
// meant to cancel.
func (e *Engine) CancelExecution(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.CancelsRequested++
	if e.current == nil || e.current.executionID != executionID {
		e.counters.CancelsNoop++
		return false
	}
	e.current.cancel()
	e.counters.CancelsEffective++
	return true
}

// Execute runs req.Source against ns, following the full §4.D state
// machine: mode analysis, compile-first, AST-fallback retry on a narrow
// class of SyntaxError, cancellable run, then namespace merge and
// result-history bump. Exactly one of the two return values is non-nil.
func (e *Engine) Execute(ctx context.Context, ns *pykernel.Namespace, req pykernel.ExecutionRequest, caps Capabilities) (*pykernel.ExecutionResult, *pykernel.ExecutionError) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	start := time.Now()

	prog, mode, wrapped, cerr := e.compile(req.ID, req.Source)
	if cerr != nil {
		return nil, cerr
	}
	e.logger.Debug("execution classified", zap.String("execution_id", req.ID), zap.String("mode", string(mode)))

	execCtx, cancel := context.WithCancel(ctx)
	re := &runningExec{executionID: req.ID, cancel: cancel}
	e.mu.Lock()
	e.current = re
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		if e.current == re {
			e.current = nil
		}
		e.mu.Unlock()
	}()

	// Blocking-sync code runs against an isolated thread view of the
	// namespace (spec §4.D: "the thread receives a copy of the namespace");
	// every other path runs against a Snapshot copy. Neither is the live
	// mapping.
	blocking := mode == ModeBlockingSync
	vars := ns.Snapshot()
	pre := vars
	if blocking {
		vars = ns.ViewFor(pykernel.ViewThread)
		pre = cloneVars(vars)
	}

	value, touched, err := e.interp.Run(execCtx, prog, vars, caps)
	duration := time.Since(start)

	if err != nil {
		return nil, e.classifyRunError(req, mode, err, execCtx)
	}

	var notes []string
	if blocking {
		// Run mutated vars (the thread copy) in place; it is already the
		// post-execution state MergeThreadResults needs to diff against pre.
		ns.MergeThreadResults(vars, pre)
		if e.warnOnBlocking {
			e.logger.Warn("blocking-sync execution path selected", zap.String("execution_id", req.ID))
			notes = append(notes, "blocking-sync path selected: executed via single-slot worker thread offload")
		}
	} else {
		diff := make(map[string]any, len(touched))
		for _, name := range touched {
			diff[name] = vars[name]
		}
		// User bindings merge with source="async", so assignments to
		// protected keys are dropped and counted as conflicts. Compile-first
		// writes overwrite unconditionally; AST-fallback writes use
		// strategy="smart": they came from a synthetic wrapper function's
		// locals() dict, merged back conservatively.
		source, strategy := "async", pykernel.StrategyOverwrite
		if wrapped {
			strategy = pykernel.StrategySmart
		}
		ns.Update(diff, source, strategy)
	}
	ns.BumpResultHistory(value)

	repr := reprOf(value)
	return &pykernel.ExecutionResult{
		ExecutionID: req.ID,
		Value:       value,
		Repr:        &repr,
		DurationMs:  duration.Milliseconds(),
		Notes:       notes,
	}, nil
}

// cloneVars returns a shallow copy of a namespace view, used to compute the
// pre/post diff MergeThreadResults needs for the blocking-sync path.
func cloneVars(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// compile resolves source to a Program via the cache, or the interpreter's
// compile-first Analyze, or — only when Analyze's error is the
// interpreter's specific "needs async wrapping" signal — the AST-fallback
// WrapAsync retry.
func (e *Engine) compile(executionID, source string) (Program, Mode, bool, *pykernel.ExecutionError) {
	if prog, mode, wrapped, ok := e.cache.get(source); ok {
		return prog, mode, wrapped, nil
	}

	prog, mode, err := e.interp.Analyze(source)
	if err == nil {
		e.cache.put(source, prog, mode, false)
		return prog, mode, false, nil
	}

	if !e.interp.IsAsyncWrapNeeded(err) {
		return nil, ModeUnknown, false, compilationError(executionID, source, err)
	}

	wrappedProg, werr := e.interp.WrapAsync(source)
	if werr != nil {
		return nil, ModeUnknown, false, compilationError(executionID, source, werr)
	}
	e.cache.put(source, wrappedProg, ModeTopLevelAwait, true)
	return wrappedProg, ModeTopLevelAwait, true, nil
}

func compilationError(executionID, source string, err error) *pykernel.ExecutionError {
	return &pykernel.ExecutionError{
		ExecutionID: executionID,
		Kind:        pykernel.ErrorKindCompilation,
		Message:     err.Error(),
		Notes: []string{
			fmt.Sprintf("execution_id=%s", executionID),
			fmt.Sprintf("source=%q", sourceExcerpt(source)),
		},
	}
}

// classifyRunError annotates a failed Run with the execution id, detected
// mode, and a short source excerpt (spec §4.D); cancellations additionally
// carry the cancellation reason and the request's original timestamp.
func (e *Engine) classifyRunError(req pykernel.ExecutionRequest, mode Mode, err error, execCtx context.Context) *pykernel.ExecutionError {
	notes := []string{
		fmt.Sprintf("execution_id=%s", req.ID),
		fmt.Sprintf("mode=%s", mode),
		fmt.Sprintf("source=%q", sourceExcerpt(req.Source)),
	}

	var cancelled *CancelledError
	if errors.As(err, &cancelled) || execCtx.Err() == context.Canceled {
		e.mu.Lock()
		e.counters.CancelledErrors++
		e.mu.Unlock()
		notes = append(notes,
			"cancellation_reason=cancel_requested",
			fmt.Sprintf("request_timestamp=%s", req.Timestamp.Format(time.RFC3339Nano)),
		)
		return &pykernel.ExecutionError{
			ExecutionID: req.ID,
			Kind:        pykernel.ErrorKindCancelled,
			Message:     "execution cancelled",
			Notes:       notes,
		}
	}
	return &pykernel.ExecutionError{
		ExecutionID: req.ID,
		Kind:        pykernel.ErrorKindExecution,
		Message:     err.Error(),
		Notes:       notes,
	}
}

// sourceExcerpt trims source to a short, single-line annotation safe to
// embed in a Notes entry.
func sourceExcerpt(source string) string {
	const max = 80
	trimmed := strings.TrimSpace(source)
	trimmed = strings.ReplaceAll(trimmed, "\n", "\\n")
	if len(trimmed) <= max {
		return trimmed
	}
	return trimmed[:max] + "..."
}

func reprOf(value any) string {
	if value == nil {
		return "None"
	}
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
