package workerproc_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/corvusrun/pykernel"
	"github.com/corvusrun/pykernel/engine/pysub"
	"github.com/corvusrun/pykernel/transport"
	"github.com/corvusrun/pykernel/wire"
	"github.com/corvusrun/pykernel/workerproc"
)

// harness wires a Worker to an in-process pipe pair and exposes the raw
// transport a Session would normally own, so tests can drive the worker
// exactly as the wire protocol requires without spawning a subprocess.
type harness struct {
	toWorker   *io.PipeWriter
	fromWorker *io.PipeReader

	writer *transport.Writer // test -> worker
	reader *transport.Reader // worker -> test
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	cfg := pykernel.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour // quiet during tests

	interp := pysub.NewInterpreter([]string{"time"}, map[string][]string{"time": {"sleep"}})
	w := workerproc.New(cfg, interp, nil, inR, outW)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	return &harness{
		toWorker:   inW,
		fromWorker: outR,
		writer:     transport.NewWriter(inW),
		reader:     transport.NewReader(outR, cfg.MaxFrameBytes),
	}
}

func (h *harness) send(t *testing.T, msg pykernel.Message) {
	t.Helper()
	encoded, err := wire.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, h.writer.Send(encoded))
}

func (h *harness) recv(t *testing.T) pykernel.Message {
	t.Helper()
	payload, err := h.reader.Receive()
	require.NoError(t, err)
	msg, err := wire.Decode(payload)
	require.NoError(t, err)
	return msg
}

// recvUntil reads frames until one matches pred, skipping heartbeats and
// anything else in between (bounded by a generous deadline).
func (h *harness) recvUntil(t *testing.T, pred func(pykernel.Message) bool) pykernel.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := h.recv(t)
		if pred(msg) {
			return msg
		}
	}
	t.Fatal("recvUntil: deadline exceeded without a matching frame")
	return pykernel.Message{}
}

func TestWorkerSendsReadyOnStartup(t *testing.T) {
	h := newHarness(t)
	msg := h.recvUntil(t, func(m pykernel.Message) bool { return m.Type == pykernel.MessageReady })
	require.NotEmpty(t, msg.WorkerVersion)
}

func TestWorkerExecutesSimpleSource(t *testing.T) {
	h := newHarness(t)
	h.recvUntil(t, func(m pykernel.Message) bool { return m.Type == pykernel.MessageReady })

	execID := uuid.NewString()
	h.send(t, pykernel.Message{Type: pykernel.MessageExecute, ID: execID, ExecutionID: execID, Code: "1 + 1"})

	result := h.recvUntil(t, func(m pykernel.Message) bool {
		return m.ExecutionID == execID && m.IsTerminal()
	})
	require.Equal(t, pykernel.MessageResult, result.Type)
	require.EqualValues(t, 2, result.Value)
}

func TestWorkerCapturesPrintOutputBeforeResult(t *testing.T) {
	h := newHarness(t)
	h.recvUntil(t, func(m pykernel.Message) bool { return m.Type == pykernel.MessageReady })

	execID := uuid.NewString()
	h.send(t, pykernel.Message{
		Type: pykernel.MessageExecute, ID: execID, ExecutionID: execID,
		Code: "print(\"hello\")\n1", CaptureSource: true,
	})

	var sawOutput bool
	for {
		msg := h.recv(t)
		if msg.ExecutionID != execID {
			continue
		}
		if msg.Type == pykernel.MessageOutput {
			sawOutput = true
			require.Equal(t, pykernel.StreamStdout, msg.Stream)
			require.Equal(t, "hello\n", msg.Data)
			require.Equal(t, 1, msg.Seq)
			continue
		}
		if msg.IsTerminal() {
			require.True(t, sawOutput, "output frame must precede the terminal frame")
			require.Equal(t, pykernel.MessageResult, msg.Type)
			require.EqualValues(t, 1, msg.Value)
			break
		}
	}
}

func TestWorkerDiscardsOutputWhenCaptureSourceFalse(t *testing.T) {
	h := newHarness(t)
	h.recvUntil(t, func(m pykernel.Message) bool { return m.Type == pykernel.MessageReady })

	execID := uuid.NewString()
	h.send(t, pykernel.Message{
		Type: pykernel.MessageExecute, ID: execID, ExecutionID: execID,
		Code: "print(\"quiet\")\n1", CaptureSource: false,
	})

	result := h.recvUntil(t, func(m pykernel.Message) bool {
		return m.ExecutionID == execID && m.IsTerminal()
	})
	require.Equal(t, pykernel.MessageResult, result.Type)
}

func TestWorkerRoundTripsInputRequest(t *testing.T) {
	h := newHarness(t)
	h.recvUntil(t, func(m pykernel.Message) bool { return m.Type == pykernel.MessageReady })

	execID := uuid.NewString()
	h.send(t, pykernel.Message{
		Type: pykernel.MessageExecute, ID: execID, ExecutionID: execID,
		Code: "name = input(\"who?\")\nname.upper()",
	})

	inputReq := h.recvUntil(t, func(m pykernel.Message) bool { return m.Type == pykernel.MessageInput })
	require.Equal(t, "who?", inputReq.Prompt)

	h.send(t, pykernel.Message{Type: pykernel.MessageInputResponse, ID: uuid.NewString(), InputID: inputReq.ID, Data: "ada"})

	result := h.recvUntil(t, func(m pykernel.Message) bool {
		return m.ExecutionID == execID && m.IsTerminal()
	})
	require.Equal(t, pykernel.MessageResult, result.Type)
	require.Equal(t, "ADA", result.Value)
}

func TestWorkerCancelStopsBlockingAwait(t *testing.T) {
	h := newHarness(t)
	h.recvUntil(t, func(m pykernel.Message) bool { return m.Type == pykernel.MessageReady })

	execID := uuid.NewString()
	h.send(t, pykernel.Message{
		Type: pykernel.MessageExecute, ID: execID, ExecutionID: execID,
		Code: "import asyncio\nawait asyncio.sleep(10)",
	})

	time.Sleep(50 * time.Millisecond)
	h.send(t, pykernel.Message{Type: pykernel.MessageCancel, ID: uuid.NewString(), ExecutionID: execID})

	result := h.recvUntil(t, func(m pykernel.Message) bool {
		return m.ExecutionID == execID && m.IsTerminal()
	})
	require.Equal(t, pykernel.MessageError, result.Type)
	require.Equal(t, pykernel.ErrorKindCancelled, result.Kind)
}

func TestWorkerPersistsNamespaceAcrossExecutions(t *testing.T) {
	h := newHarness(t)
	h.recvUntil(t, func(m pykernel.Message) bool { return m.Type == pykernel.MessageReady })

	id1 := uuid.NewString()
	h.send(t, pykernel.Message{Type: pykernel.MessageExecute, ID: id1, ExecutionID: id1, Code: "x = 41"})
	h.recvUntil(t, func(m pykernel.Message) bool { return m.ExecutionID == id1 && m.IsTerminal() })

	id2 := uuid.NewString()
	h.send(t, pykernel.Message{Type: pykernel.MessageExecute, ID: id2, ExecutionID: id2, Code: "x + 1"})
	result := h.recvUntil(t, func(m pykernel.Message) bool { return m.ExecutionID == id2 && m.IsTerminal() })
	require.EqualValues(t, 42, result.Value)
}
