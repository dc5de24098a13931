package pykernel_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvusrun/pykernel"
	"github.com/corvusrun/pykernel/engine/pysub"
	"github.com/corvusrun/pykernel/workerproc"
)

// workerMarkerEnv re-execs this same test binary as a pykernel-worker
// process — the self-exec trick the Go standard library's own os/exec
// tests use to drive a real subprocess without depending on a separately
// built binary being on PATH.
const workerMarkerEnv = "PYKERNEL_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerMarkerEnv) == "1" {
		runEmbeddedWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runEmbeddedWorker() {
	cfg := pykernel.DefaultConfig()
	interp := pysub.NewInterpreter(cfg.BlockingModules, cfg.BlockingMethodsByModule)
	w := workerproc.New(cfg, interp, nil, os.Stdin, os.Stdout)
	_ = w.Run(context.Background())
}

func newTestSession(t *testing.T) *pykernel.Session {
	t.Helper()
	require.NoError(t, os.Setenv(workerMarkerEnv, "1"))
	t.Cleanup(func() { _ = os.Unsetenv(workerMarkerEnv) })

	cfg := pykernel.DefaultConfig()
	cfg.WorkerCommand = []string{os.Args[0]}
	cfg.HeartbeatInterval = time.Hour

	sess := pykernel.NewSession(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Start(ctx))
	t.Cleanup(func() { _ = sess.Shutdown(context.Background()) })
	return sess
}

func drainTerminal(t *testing.T, stream *pykernel.ExecutionStream) pykernel.Message {
	t.Helper()
	var last pykernel.Message
	for msg := range stream.Frames() {
		last = msg
		if msg.IsTerminal() {
			break
		}
	}
	return last
}

func TestSessionExecuteSimple(t *testing.T) {
	sess := newTestSession(t)
	stream, err := sess.Execute(context.Background(), "1 + 1", false)
	require.NoError(t, err)

	msg := drainTerminal(t, stream)
	require.Equal(t, pykernel.MessageResult, msg.Type)
	require.EqualValues(t, 2, msg.Value)
}

func TestSessionInputRoundTrip(t *testing.T) {
	sess := newTestSession(t)
	stream, err := sess.Execute(context.Background(), "name = input(\"who?\")\nname.upper()", false)
	require.NoError(t, err)

	var result pykernel.Message
	for msg := range stream.Frames() {
		if msg.Type == pykernel.MessageInput {
			require.NoError(t, sess.InputResponse(msg.ID, "ada"))
			continue
		}
		if msg.IsTerminal() {
			result = msg
			break
		}
	}
	require.Equal(t, pykernel.MessageResult, result.Type)
	require.Equal(t, "ADA", result.Value)
}

func TestSessionCancelViaStreamClose(t *testing.T) {
	sess := newTestSession(t)
	stream, err := sess.Execute(context.Background(), "import asyncio\nawait asyncio.sleep(10)", false)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	stream.Close()

	stream2, err := sess.Execute(context.Background(), "1 + 1", false)
	require.NoError(t, err)
	result := drainTerminal(t, stream2)
	require.Equal(t, pykernel.MessageResult, result.Type)
	require.EqualValues(t, 2, result.Value)
}

func TestSessionRestartResetsNamespace(t *testing.T) {
	sess := newTestSession(t)

	stream, err := sess.Execute(context.Background(), "x = 41", false)
	require.NoError(t, err)
	drainTerminal(t, stream)

	require.NoError(t, sess.Restart(context.Background()))

	stream2, err := sess.Execute(context.Background(), "x + 1", false)
	require.NoError(t, err)
	result := drainTerminal(t, stream2)
	require.Equal(t, pykernel.MessageError, result.Type)
	require.Equal(t, pykernel.ErrorKindExecution, result.Kind)
}

func TestSessionOutputFramesPrecedeResult(t *testing.T) {
	sess := newTestSession(t)
	stream, err := sess.Execute(context.Background(), "print(\"hi\")\n1", true)
	require.NoError(t, err)

	var sawOutput bool
	for msg := range stream.Frames() {
		if msg.Type == pykernel.MessageOutput {
			sawOutput = true
			require.Equal(t, "hi\n", msg.Data)
			continue
		}
		if msg.IsTerminal() {
			require.True(t, sawOutput)
			require.Equal(t, pykernel.MessageResult, msg.Type)
			break
		}
	}
}
