// Package pykernel provides the execution core of an interactive, durable
// Python code-execution service: a subprocess-isolated runtime that accepts
// snippets of Python source, executes them with native support for
// top-level await, and maintains a persistent per-session name-binding
// environment across many executions.
//
// The primary types defined in this package are:
//
//   - [Session] — owns one worker subprocess and its single reader loop
//   - [Namespace] — the thread-safe, merge-only per-session binding store
//   - [Message] — structured frames exchanged with the worker
//   - [Config] — the recognized configuration surface (§6)
//
// Quick start:
//
//	sess := pykernel.NewSession(pykernel.DefaultConfig(), nil)
//	if err := sess.Start(ctx); err != nil { ... }
//	defer sess.Shutdown(ctx)
//	stream, err := sess.Execute(ctx, "1 + 1", false)
//	if err != nil { ... }
//	for msg := range stream.Frames() { ... }
package pykernel
