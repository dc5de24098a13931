package engine

import "context"

// Program is an opaque compiled representation: only the Interpreter that
// produced it understands what concrete type hides behind this interface.
// The engine never inspects a Program directly; it only ever passes one
// straight back into the same Interpreter's Run.
type Program any

// Capabilities wires host behavior into an Interpreter's builtin call
// surface. RequestInput backs a blocking "read one line of input" call; it
// must respect ctx cancellation. Print backs the print() builtin — the
// worker wires this to its captureWriter so stdout writes become tagged
// Output frames instead of corrupting the frame transport.
type Capabilities struct {
	RequestInput func(ctx context.Context, prompt string) (string, error)
	Print        func(s string)
}

// Interpreter is the pluggable "compile and run source" capability spec
// §4.D assumes a CPython runtime provides natively. CPython's
// compile()/co_flags/ast machinery has no Go equivalent, so this interface
// is the seam: the engine's state machine (mode analysis, compile-first,
// AST-fallback, cancellation, namespace merge) is entirely Go-native and
// language-agnostic; only Interpreter is runtime-specific.
type Interpreter interface {
	// Analyze performs the interpreter's primary (compile-first) parse of
	// source and reports the Mode that parse implies. An error here is a
	// genuine compilation failure (ErrorKindCompilation) UNLESS it is the
	// interpreter's distinguished "needs async wrapping" error, which the
	// engine recognizes via IsAsyncWrapNeeded and retries through WrapAsync.
	Analyze(source string) (Program, Mode, error)

	// WrapAsync re-parses source under a more permissive grammar that
	// allows the construct Analyze rejected, used only on the AST-fallback
	// retry path (spec §4.D, §9 Open Question 2).
	WrapAsync(source string) (Program, error)

	// Run executes prog. vars is the binding scope Run reads names from
	// and writes assignments into; the engine chooses what vars is backed
	// by (a Snapshot copy of the namespace, or the thread view for
	// blocking-sync code; never the live mapping) and reads touched back
	// out to know what to merge. The returned value is the
	// program's result value (nil for statement-only programs).
	Run(ctx context.Context, prog Program, vars map[string]any, caps Capabilities) (value any, touched []string, err error)

	// IsAsyncWrapNeeded reports whether err (as returned by Analyze) is the
	// interpreter's signal that WrapAsync should be retried, as opposed to
	// a terminal compilation failure.
	IsAsyncWrapNeeded(err error) bool
}
