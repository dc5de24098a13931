// Package filter provides composable channel middleware for narrowing a
// Session execution's frame stream (pykernel.ExecutionStream.Frames()) down
// to the message granularity a caller actually wants — e.g. only the
// terminal Result/Error, or only stderr Output chunks.
package filter

import (
	"context"

	"github.com/corvusrun/pykernel"
)

// Filter returns a channel that only passes messages of the given types.
// Spawns a goroutine that exits when ctx is cancelled or ch is closed.
// The returned channel is closed when the goroutine exits.
func Filter(ctx context.Context, ch <-chan pykernel.Message, types ...pykernel.MessageType) <-chan pykernel.Message {
	allowed := make(map[pykernel.MessageType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return pipe(ctx, ch, func(msg pykernel.Message) bool {
		_, ok := allowed[msg.Type]
		return ok
	})
}

// TerminalOnly returns a channel that drops every Output/Input frame,
// passing only the single terminal Result or Error a stream ends with.
func TerminalOnly(ctx context.Context, ch <-chan pykernel.Message) <-chan pykernel.Message {
	return pipe(ctx, ch, pykernel.Message.IsTerminal)
}

// OutputOnly returns a channel that passes only MessageOutput frames,
// dropping the terminal Result/Error and any Input prompts.
func OutputOnly(ctx context.Context, ch <-chan pykernel.Message) <-chan pykernel.Message {
	return pipe(ctx, ch, func(msg pykernel.Message) bool {
		return msg.Type == pykernel.MessageOutput
	})
}

// ByStream returns a channel that passes only Output frames captured from
// the given stream (stdout or stderr).
func ByStream(ctx context.Context, ch <-chan pykernel.Message, stream pykernel.StreamName) <-chan pykernel.Message {
	return pipe(ctx, ch, func(msg pykernel.Message) bool {
		return msg.Type == pykernel.MessageOutput && msg.Stream == stream
	})
}

// pipe spawns a goroutine that reads from ch, passes messages matching
// accept to the returned channel, and closes it when ch closes or ctx is
// cancelled. Callers must either drain the returned channel or cancel ctx
// to avoid goroutine leaks. Messages accepted by the predicate may be
// silently dropped if ctx is cancelled mid-send.
func pipe(ctx context.Context, ch <-chan pykernel.Message, accept func(pykernel.Message) bool) <-chan pykernel.Message {
	out := make(chan pykernel.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if accept(msg) && !trySend(ctx, out, msg) {
					return
				}
			}
		}
	}()
	return out
}

// trySend sends msg on out, returning true on success. Returns false if ctx
// is cancelled before the send completes.
func trySend(ctx context.Context, out chan<- pykernel.Message, msg pykernel.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
