package pysub

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/corvusrun/pykernel/engine"
)

// Capabilities wires host-provided behavior into pysub's builtin call
// registry. RequestInput backs the bare input(prompt) builtin and blocks
// until the worker relays an InputResponse frame back from the session.
type Capabilities struct {
	RequestInput func(ctx context.Context, prompt string) (string, error)
	Print        func(s string)
}

// RuntimeError and CancelledError are aliases of the engine's own error
// types: pysub constructs those directly (rather than its own runtime error
// type) so Engine can classify Run failures without importing pysub.
type RuntimeError = engine.RuntimeError
type CancelledError = engine.CancelledError

type evalState struct {
	vars      map[string]any
	modules   map[string]bool
	touched   map[string]struct{}
	caps      Capabilities
}

// Eval runs mod against vars (read and written in place) and returns the
// value of the module's final bare expression statement, or nil if the
// module ends in an assignment or import. touched lists every variable
// name an AssignStmt wrote, for the caller to build a minimal namespace
// update rather than rewriting every binding on every run.
func Eval(ctx context.Context, mod *Module, vars map[string]any, caps Capabilities) (value any, touched []string, err error) {
	st := &evalState{
		vars:    vars,
		modules: importedModules(mod),
		touched: map[string]struct{}{},
		caps:    caps,
	}

	var last any
	for i, stmt := range mod.Stmts {
		isFinal := i == len(mod.Stmts)-1
		switch s := stmt.(type) {
		case ImportStmt:
			last = nil
		case AssignStmt:
			v, err := st.evalExpr(ctx, s.RHS)
			if err != nil {
				return nil, nil, err
			}
			st.vars[s.Name] = v
			st.touched[s.Name] = struct{}{}
			last = nil
		case ExprStmt:
			v, err := st.evalExpr(ctx, s.X)
			if err != nil {
				return nil, nil, err
			}
			if isFinal {
				last = v
			}
		default:
			return nil, nil, &RuntimeError{Message: fmt.Sprintf("unhandled statement type %T", stmt)}
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, &CancelledError{}
		}
	}

	for name := range st.touched {
		touched = append(touched, name)
	}
	return last, touched, nil
}

func importedModules(mod *Module) map[string]bool {
	mods := map[string]bool{}
	for _, stmt := range mod.Stmts {
		if imp, ok := stmt.(ImportStmt); ok {
			mods[imp.Name] = true
		}
	}
	return mods
}

func (st *evalState) evalExpr(ctx context.Context, e Expr) (any, error) {
	switch x := e.(type) {
	case NumberLit:
		return parseNumber(x)
	case StringLit:
		return x.Value, nil
	case NameExpr:
		v, ok := st.vars[x.Name]
		if !ok {
			return nil, &RuntimeError{Message: fmt.Sprintf("name %q is not defined", x.Name)}
		}
		return v, nil
	case AttrExpr:
		return nil, &RuntimeError{Message: fmt.Sprintf("attribute %q is not a value in this context", x.Attr)}
	case BinaryExpr:
		return st.evalBinary(ctx, x)
	case AwaitExpr:
		return st.evalAwaitable(ctx, x.X)
	case CallExpr:
		return st.evalCall(ctx, x, false)
	default:
		return nil, &RuntimeError{Message: fmt.Sprintf("unhandled expression type %T", e)}
	}
}

// evalAwaitable evaluates X in "awaited" position: calls to known
// coroutine-returning builtins (asyncio.sleep) actually block on ctx here;
// anything else evaluates normally, mirroring CPython where awaiting a
// plain value is a TypeError pysub simply does not model.
func (st *evalState) evalAwaitable(ctx context.Context, x Expr) (any, error) {
	if call, ok := x.(CallExpr); ok {
		return st.evalCall(ctx, call, true)
	}
	return st.evalExpr(ctx, x)
}

func (st *evalState) evalBinary(ctx context.Context, b BinaryExpr) (any, error) {
	xv, err := st.evalExpr(ctx, b.X)
	if err != nil {
		return nil, err
	}
	yv, err := st.evalExpr(ctx, b.Y)
	if err != nil {
		return nil, err
	}

	if b.Op == TokPlus {
		if xs, ok := xv.(string); ok {
			if ys, ok := yv.(string); ok {
				return xs + ys, nil
			}
		}
	}

	xf, xok := toFloat(xv)
	yf, yok := toFloat(yv)
	if !xok || !yok {
		return nil, &RuntimeError{Message: "unsupported operand types for arithmetic"}
	}

	var result float64
	switch b.Op {
	case TokPlus:
		result = xf + yf
	case TokMinus:
		result = xf - yf
	case TokStar:
		result = xf * yf
	case TokSlash:
		if yf == 0 {
			return nil, &RuntimeError{Message: "division by zero"}
		}
		result = xf / yf
	default:
		return nil, &RuntimeError{Message: "unsupported binary operator"}
	}

	if xi, xok := xv.(int64); xok {
		if yi, yok := yv.(int64); yok && b.Op != TokSlash {
			switch b.Op {
			case TokPlus:
				return xi + yi, nil
			case TokMinus:
				return xi - yi, nil
			case TokStar:
				return xi * yi, nil
			}
		}
	}
	return result, nil
}

func (st *evalState) evalCall(ctx context.Context, call CallExpr, awaited bool) (any, error) {
	switch fn := call.Fn.(type) {
	case NameExpr:
		if fn.Name == "input" {
			return st.callInput(ctx, call.Args)
		}
		if fn.Name == "print" {
			return st.callPrint(ctx, call.Args)
		}
		return nil, &RuntimeError{Message: fmt.Sprintf("%q is not callable", fn.Name)}

	case AttrExpr:
		if base, ok := fn.X.(NameExpr); ok && st.modules[base.Name] {
			return st.callModuleFunc(ctx, base.Name, fn.Attr, call.Args, awaited)
		}
		recv, err := st.evalExpr(ctx, fn.X)
		if err != nil {
			return nil, err
		}
		return st.callMethod(recv, fn.Attr, call.Args)

	default:
		return nil, &RuntimeError{Message: "call target is not callable"}
	}
}

func (st *evalState) callInput(ctx context.Context, args []Expr) (any, error) {
	prompt := ""
	if len(args) > 0 {
		v, err := st.evalExpr(ctx, args[0])
		if err != nil {
			return nil, err
		}
		s, ok := v.(string)
		if !ok {
			return nil, &RuntimeError{Message: "input() prompt must be a string"}
		}
		prompt = s
	}
	if st.caps.RequestInput == nil {
		return nil, &RuntimeError{Message: "input() is unavailable: no input capability wired"}
	}
	return st.caps.RequestInput(ctx, prompt)
}

func (st *evalState) callPrint(ctx context.Context, argExprs []Expr) (any, error) {
	args, err := st.evalArgs(ctx, argExprs)
	if err != nil {
		return nil, err
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = valueToString(a)
	}
	if st.caps.Print != nil {
		st.caps.Print(strings.Join(parts, " ") + "\n")
	}
	return nil, nil
}

func valueToString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (st *evalState) callModuleFunc(ctx context.Context, module, fn string, argExprs []Expr, awaited bool) (any, error) {
	args, err := st.evalArgs(ctx, argExprs)
	if err != nil {
		return nil, err
	}

	switch {
	case module == "asyncio" && fn == "sleep":
		return st.asyncioSleep(ctx, args)
	case module == "time" && fn == "sleep":
		return st.timeSleep(args)
	default:
		return nil, &RuntimeError{Message: fmt.Sprintf("%s.%s is not a supported builtin", module, fn)}
	}
}

// asyncioSleep is the one genuinely cancellable, genuinely concurrent
// primitive pysub exposes: it blocks on a real timer and ctx.Done()
// together, so the engine's cancel_current and the worker's heartbeat
// ticker both observe real concurrency during the sleep, not a simulation.
func (st *evalState) asyncioSleep(ctx context.Context, args []any) (any, error) {
	delay, result, err := sleepArgs(args)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return result, nil
	case <-ctx.Done():
		return nil, &CancelledError{}
	}
}

// timeSleep models a genuine blocking call: unlike asyncio.sleep it does
// not select on ctx, matching CPython's time.sleep, which cannot be
// interrupted from another goroutine/thread either.
func (st *evalState) timeSleep(args []any) (any, error) {
	delay, _, err := sleepArgs(args)
	if err != nil {
		return nil, err
	}
	time.Sleep(delay)
	return nil, nil
}

func sleepArgs(args []any) (time.Duration, any, error) {
	if len(args) == 0 {
		return 0, nil, &RuntimeError{Message: "sleep() requires a delay argument"}
	}
	secs, ok := toFloat(args[0])
	if !ok {
		return 0, nil, &RuntimeError{Message: "sleep() delay must be numeric"}
	}
	var result any
	if len(args) > 1 {
		result = args[1]
	}
	return time.Duration(secs * float64(time.Second)), result, nil
}

func (st *evalState) callMethod(recv any, method string, argExprs []Expr) (any, error) {
	s, ok := recv.(string)
	if !ok {
		return nil, &RuntimeError{Message: fmt.Sprintf("method %q is not supported on %T", method, recv)}
	}
	switch method {
	case "upper":
		return strings.ToUpper(s), nil
	case "lower":
		return strings.ToLower(s), nil
	default:
		return nil, &RuntimeError{Message: fmt.Sprintf("string has no method %q", method)}
	}
}

func (st *evalState) evalArgs(ctx context.Context, exprs []Expr) ([]any, error) {
	args := make([]any, 0, len(exprs))
	for _, e := range exprs {
		v, err := st.evalExpr(ctx, e)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

func parseNumber(n NumberLit) (any, error) {
	if n.HasFraction {
		f, err := strconv.ParseFloat(n.Text, 64)
		if err != nil {
			return nil, &RuntimeError{Message: fmt.Sprintf("invalid numeric literal %q", n.Text)}
		}
		return f, nil
	}
	i, err := strconv.ParseInt(n.Text, 10, 64)
	if err != nil {
		return nil, &RuntimeError{Message: fmt.Sprintf("invalid numeric literal %q", n.Text)}
	}
	return i, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
