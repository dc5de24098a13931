package pysub

import (
	"context"
	"errors"

	"github.com/corvusrun/pykernel/engine"
)

// program is pysub's concrete engine.Program: just the parsed module. It
// does not record which grammar (strict or WrapAsync's permissive one)
// produced it; Run needs nothing special for either, since the AST itself
// already reflects which grammar produced it.
type program struct {
	mod *Module
}

// Interpreter is pysub's engine.Interpreter implementation. blockingModules
// and blockingMethods classify ModeBlockingSync the same way
// pykernel.Config.BlockingModules / BlockingMethodsByModule describe known
// blocking roots in spec §6.
type Interpreter struct {
	blockingModules map[string]bool
	blockingMethods map[string]map[string]bool
}

// NewInterpreter builds a pysub interpreter. methods maps a blocking module
// name to the specific method names that block; an absent or empty entry
// for a listed module means every call into it counts as blocking.
func NewInterpreter(modules []string, methods map[string][]string) *Interpreter {
	mset := make(map[string]bool, len(modules))
	for _, m := range modules {
		mset[m] = true
	}
	methodSet := make(map[string]map[string]bool, len(methods))
	for mod, names := range methods {
		s := make(map[string]bool, len(names))
		for _, n := range names {
			s[n] = true
		}
		methodSet[mod] = s
	}
	return &Interpreter{blockingModules: mset, blockingMethods: methodSet}
}

var _ engine.Interpreter = (*Interpreter)(nil)

func (in *Interpreter) Analyze(source string) (engine.Program, engine.Mode, error) {
	mod, err := Parse(source)
	if err != nil {
		return nil, engine.ModeUnknown, err
	}
	return program{mod: mod}, in.classify(mod), nil
}

func (in *Interpreter) WrapAsync(source string) (engine.Program, error) {
	mod, err := ParsePermissive(source)
	if err != nil {
		return nil, err
	}
	return program{mod: mod}, nil
}

func (in *Interpreter) IsAsyncWrapNeeded(err error) bool {
	var awaitErr *AwaitSubexpressionError
	return errors.As(err, &awaitErr)
}

func (in *Interpreter) Run(ctx context.Context, prog engine.Program, vars map[string]any, caps engine.Capabilities) (any, []string, error) {
	p, ok := prog.(program)
	if !ok {
		return nil, nil, &RuntimeError{Message: "program was not produced by this interpreter"}
	}
	return Eval(ctx, p.mod, vars, Capabilities{RequestInput: caps.RequestInput, Print: caps.Print})
}

func (in *Interpreter) classify(mod *Module) engine.Mode {
	if hasAwait(mod) {
		return engine.ModeTopLevelAwait
	}
	if in.hasBlockingRoot(mod) {
		return engine.ModeBlockingSync
	}
	return engine.ModeSimpleSync
}

func (in *Interpreter) hasBlockingRoot(mod *Module) bool {
	for _, stmt := range mod.Stmts {
		if imp, ok := stmt.(ImportStmt); ok && in.blockingModules[imp.Name] {
			return true
		}
	}
	found := false
	walkExprs(mod, func(e Expr) {
		call, ok := e.(CallExpr)
		if !ok {
			return
		}
		attr, ok := call.Fn.(AttrExpr)
		if !ok {
			return
		}
		name, ok := attr.X.(NameExpr)
		if !ok || !in.blockingModules[name.Name] {
			return
		}
		methods := in.blockingMethods[name.Name]
		if len(methods) == 0 || methods[attr.Attr] {
			found = true
		}
	})
	return found
}

func hasAwait(mod *Module) bool {
	found := false
	walkExprs(mod, func(e Expr) {
		if _, ok := e.(AwaitExpr); ok {
			found = true
		}
	})
	return found
}

// walkExprs visits every expression node reachable from mod's statements.
func walkExprs(mod *Module, visit func(Expr)) {
	var walk func(Expr)
	walk = func(e Expr) {
		if e == nil {
			return
		}
		visit(e)
		switch x := e.(type) {
		case BinaryExpr:
			walk(x.X)
			walk(x.Y)
		case AwaitExpr:
			walk(x.X)
		case AttrExpr:
			walk(x.X)
		case CallExpr:
			walk(x.Fn)
			for _, a := range x.Args {
				walk(a)
			}
		}
	}
	for _, stmt := range mod.Stmts {
		switch s := stmt.(type) {
		case AssignStmt:
			walk(s.RHS)
		case ExprStmt:
			walk(s.X)
		}
	}
}
