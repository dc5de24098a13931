// Package workerproc implements the Worker Process (spec §4.E): it owns a
// single stdin/stdout pair, one Engine, and one Namespace, and translates
// between wire frames and Engine/Namespace calls. It is the thing
// cmd/pykernel-worker's main() wires to the real OS pipes.
package workerproc

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corvusrun/pykernel"
	"github.com/corvusrun/pykernel/engine"
	"github.com/corvusrun/pykernel/transport"
	"github.com/corvusrun/pykernel/wire"
)

// Worker reads Execute/Cancel/InputResponse frames from its transport and
// writes Output/Result/Error/Input/Ready/Heartbeat frames back.
type Worker struct {
	cfg    pykernel.Config
	logger *zap.Logger
	eng    *engine.Engine
	ns     *pykernel.Namespace

	writer *transport.Writer
	reader *transport.Reader

	mu           sync.Mutex
	inputWaiters map[string]chan string
}

// New builds a Worker around the given Interpreter, reading frames from r
// and writing them to w (ordinarily the process's real stdin/stdout).
func New(cfg pykernel.Config, interp engine.Interpreter, logger *zap.Logger, r io.Reader, w io.Writer) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:          cfg,
		logger:       logger,
		eng:          engine.NewEngine(interp, cfg.ASTCacheMax, cfg.WarnOnBlocking, logger),
		ns:           pykernel.NewNamespace(),
		writer:       transport.NewWriter(w),
		reader:       transport.NewReader(r, cfg.MaxFrameBytes),
		inputWaiters: make(map[string]chan string),
	}
}

// Run sends the Ready handshake, starts the heartbeat ticker, then services
// frames until the transport reports the peer closed (Session shut down).
// Cancelling ctx stops the heartbeat loop and cancels in-flight executions,
// but does not end Run while the transport stays open. The returned error
// is always non-nil on return; a clean shutdown returns
// transport.ErrPeerClosed.
func (w *Worker) Run(ctx context.Context) error {
	w.send(pykernel.Message{
		Type:          pykernel.MessageReady,
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		WorkerVersion: "pykernel-worker/1",
	})

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go w.heartbeatLoop(hbCtx)

	for {
		payload, err := w.reader.Receive()
		if err != nil {
			return err
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			w.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		w.dispatch(ctx, msg)
	}
}

func (w *Worker) dispatch(ctx context.Context, msg pykernel.Message) {
	switch msg.Type {
	case pykernel.MessageExecute:
		go w.handleExecute(ctx, msg)
	case pykernel.MessageCancel:
		w.eng.CancelExecution(msg.ExecutionID)
	case pykernel.MessageInputResponse:
		w.resolveInput(msg.InputID, msg.Data)
	default:
		w.logger.Warn("worker received unexpected message type", zap.String("type", string(msg.Type)))
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = pykernel.DefaultConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.send(pykernel.Message{Type: pykernel.MessageHeartbeat, ID: uuid.NewString(), Timestamp: time.Now().UTC()})
		}
	}
}

// handleExecute runs one execution to completion and emits its Output
// frames (via captureWriter, synchronously during Run so they necessarily
// precede the terminal frame) followed by exactly one Result or Error.
func (w *Worker) handleExecute(ctx context.Context, msg pykernel.Message) {
	execID := msg.ExecutionID
	cw := &captureWriter{worker: w, executionID: execID, capture: msg.CaptureSource}

	caps := engine.Capabilities{
		RequestInput: func(ctx context.Context, prompt string) (string, error) {
			return w.requestInput(ctx, execID, prompt)
		},
		Print: func(s string) { cw.Write(pykernel.StreamStdout, s) },
	}

	req := pykernel.ExecutionRequest{
		ID:            execID,
		Timestamp:     msg.Timestamp,
		Source:        msg.Code,
		CaptureSource: msg.CaptureSource,
	}

	result, execErr := w.eng.Execute(ctx, w.ns, req, caps)
	if execErr != nil {
		w.send(pykernel.Message{
			Type:        pykernel.MessageError,
			ID:          uuid.NewString(),
			Timestamp:   time.Now().UTC(),
			ExecutionID: execID,
			Kind:        execErr.Kind,
			ErrMessage:  execErr.Message,
			Notes:       execErr.Notes,
		})
		return
	}
	w.send(pykernel.Message{
		Type:        pykernel.MessageResult,
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ExecutionID: execID,
		Value:       result.Value,
		Repr:        result.Repr,
		DurationMs:  result.DurationMs,
		Notes:       result.Notes,
	})
}

func (w *Worker) requestInput(ctx context.Context, executionID, prompt string) (string, error) {
	inputID := uuid.NewString()
	ch := make(chan string, 1)

	w.mu.Lock()
	w.inputWaiters[inputID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inputWaiters, inputID)
		w.mu.Unlock()
	}()

	w.send(pykernel.Message{
		Type:        pykernel.MessageInput,
		ID:          inputID,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		Prompt:      prompt,
	})

	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *Worker) resolveInput(inputID, data string) {
	w.mu.Lock()
	ch, ok := w.inputWaiters[inputID]
	w.mu.Unlock()
	if !ok {
		w.logger.Warn("input_response for unknown or expired input id", zap.String("input_id", inputID))
		return
	}
	select {
	case ch <- data:
	default:
	}
}

func (w *Worker) send(msg pykernel.Message) {
	encoded, err := wire.Encode(msg)
	if err != nil {
		w.logger.Error("encode outbound frame", zap.Error(err), zap.String("type", string(msg.Type)))
		return
	}
	if err := w.writer.Send(encoded); err != nil {
		w.logger.Error("send outbound frame", zap.Error(err), zap.String("type", string(msg.Type)))
	}
}

// captureWriter tags print() output with execution_id and a monotonically
// increasing sequence number, sending one Output frame per call. Since
// pysub never touches a real OS file descriptor for stdout/stderr — unlike
// a real CPython worker, there is no process-wide stream to redirect —
// tagging happens at the single call site (print()) rather than via an
// installed sys.stdout replacement. Writes happen synchronously inside
// Engine.Execute's Run call, which necessarily completes before
// handleExecute sends the terminal frame, satisfying the
// output-before-result ordering invariant (spec §4.E) without extra
// buffering or an explicit flush step.
type captureWriter struct {
	worker      *Worker
	executionID string
	capture     bool
	seq         int
}

func (cw *captureWriter) Write(stream pykernel.StreamName, data string) {
	if !cw.capture || data == "" {
		return
	}
	cw.seq++
	cw.worker.send(pykernel.Message{
		Type:        pykernel.MessageOutput,
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ExecutionID: cw.executionID,
		Stream:      stream,
		Data:        data,
		Seq:         cw.seq,
	})
}
