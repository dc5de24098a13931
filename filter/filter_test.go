package filter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvusrun/pykernel"
	"github.com/corvusrun/pykernel/filter"
)

func sourceChan(msgs ...pykernel.Message) chan pykernel.Message {
	ch := make(chan pykernel.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return ch
}

func collect(t *testing.T, ch <-chan pykernel.Message) []pykernel.Message {
	t.Helper()
	var out []pykernel.Message
	deadline := time.After(time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-deadline:
			t.Fatal("collect: timed out")
		}
	}
}

func TestTerminalOnlyDropsOutputAndInput(t *testing.T) {
	src := sourceChan(
		pykernel.Message{Type: pykernel.MessageOutput, Data: "a"},
		pykernel.Message{Type: pykernel.MessageInput, Prompt: "who?"},
		pykernel.Message{Type: pykernel.MessageResult, Value: int64(1)},
	)
	out := filter.TerminalOnly(context.Background(), src)
	got := collect(t, out)
	require.Len(t, got, 1)
	require.Equal(t, pykernel.MessageResult, got[0].Type)
}

func TestOutputOnlyDropsTerminal(t *testing.T) {
	src := sourceChan(
		pykernel.Message{Type: pykernel.MessageOutput, Data: "a"},
		pykernel.Message{Type: pykernel.MessageOutput, Data: "b"},
		pykernel.Message{Type: pykernel.MessageError, Kind: pykernel.ErrorKindExecution},
	)
	out := filter.OutputOnly(context.Background(), src)
	got := collect(t, out)
	require.Len(t, got, 2)
}

func TestByStreamSelectsOnlyThatStream(t *testing.T) {
	src := sourceChan(
		pykernel.Message{Type: pykernel.MessageOutput, Stream: pykernel.StreamStdout, Data: "out"},
		pykernel.Message{Type: pykernel.MessageOutput, Stream: pykernel.StreamStderr, Data: "err"},
		pykernel.Message{Type: pykernel.MessageResult, Value: int64(1)},
	)
	out := filter.ByStream(context.Background(), src, pykernel.StreamStderr)
	got := collect(t, out)
	require.Len(t, got, 1)
	require.Equal(t, "err", got[0].Data)
}

func TestFilterSelectsGivenTypes(t *testing.T) {
	src := sourceChan(
		pykernel.Message{Type: pykernel.MessageOutput},
		pykernel.Message{Type: pykernel.MessageInput},
		pykernel.Message{Type: pykernel.MessageResult},
		pykernel.Message{Type: pykernel.MessageError},
	)
	out := filter.Filter(context.Background(), src, pykernel.MessageResult, pykernel.MessageError)
	got := collect(t, out)
	require.Len(t, got, 2)
}

func TestFilterNoTypesDropsAll(t *testing.T) {
	src := sourceChan(pykernel.Message{Type: pykernel.MessageResult})
	out := filter.Filter(context.Background(), src)
	got := collect(t, out)
	require.Len(t, got, 0)
}

func TestFilterStopsOnContextCancellation(t *testing.T) {
	ch := make(chan pykernel.Message)
	ctx, cancel := context.WithCancel(context.Background())
	out := filter.TerminalOnly(ctx, ch)
	cancel()
	_, ok := <-out
	require.False(t, ok)
}
