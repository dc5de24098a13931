//go:build !windows

package pykernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corvusrun/pykernel/transport"
	"github.com/corvusrun/pykernel/wire"
)

// shutdownGracePeriod bounds how long Shutdown waits for the worker to exit
// after SIGTERM before escalating to SIGKILL, mirroring the teacher
// library's GracePeriod/SIGTERM-then-SIGKILL pattern in engine/cli/process.go.
const shutdownGracePeriod = 3 * time.Second

// MessageInterceptor observes every frame the worker sends, in arrival
// order, before Session routes it to the execution stream it belongs to.
// Correlator subscribes this way instead of reading the transport directly,
// preserving the single-reader invariant spec §4.F requires.
type MessageInterceptor func(Message)

// Session owns one worker subprocess and is the sole reader of its
// transport (spec §4.F). It has no notion of Namespace or Engine — those
// live inside the worker process; Session only frames, correlates, and
// routes.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu                sync.Mutex
	cmd               *exec.Cmd
	stdin             io.WriteCloser
	writer            *transport.Writer
	reader            *transport.Reader
	interceptors      map[int]MessageInterceptor
	nextInterceptorID int
	pending           map[string]chan Message

	ready     chan struct{}
	readyOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
	termErr  error
}

// NewSession constructs a Session that has not yet spawned a worker; call
// Start to do so.
func NewSession(cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:          cfg,
		logger:       logger,
		interceptors: make(map[int]MessageInterceptor),
		pending:      make(map[string]chan Message),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start spawns the worker subprocess, wires its stdio through the frame
// transport, and waits for its Ready handshake or StartupTimeout, whichever
// comes first.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("pykernel: session already started")
	}
	argv := s.cfg.WorkerCommand
	if len(argv) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("pykernel: no worker command configured")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("pykernel: worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("pykernel: worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("pykernel: start worker: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.writer = transport.NewWriter(stdin)
	s.reader = transport.NewReader(stdout, s.cfg.MaxFrameBytes)
	s.mu.Unlock()

	go s.readLoop()

	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return fmt.Errorf("pykernel: worker exited during startup: %w", s.termErr)
	case <-time.After(s.cfg.StartupTimeout):
		_ = s.Shutdown(context.Background())
		return ErrStartupTimeout
	case <-ctx.Done():
		_ = s.Shutdown(context.Background())
		return ctx.Err()
	}
}

// Shutdown closes the worker's stdin (a clean EOF request) and sends
// SIGTERM, waits shutdownGracePeriod for it to exit, then escalates to
// SIGKILL. Idempotent: safe to call more than once or after a crash.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd.Process != nil {
		_ = signalIgnoringExited(cmd.Process, syscall.SIGTERM)
	}

	select {
	case <-s.done:
	case <-time.After(shutdownGracePeriod):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-s.done
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-s.done
	}
	return s.termErr
}

// Restart shuts down the current worker (if any) and starts a fresh one.
// Because Namespace lives inside the worker process, a restart always
// begins with an empty namespace — spec §4.F's worker-crash recovery path.
func (s *Session) Restart(ctx context.Context) error {
	_ = s.Shutdown(ctx)

	s.mu.Lock()
	s.cmd = nil
	s.stdin = nil
	s.writer = nil
	s.reader = nil
	s.pending = make(map[string]chan Message)
	s.termErr = nil
	s.done = make(chan struct{})
	s.doneOnce = sync.Once{}
	s.ready = make(chan struct{})
	s.readyOnce = sync.Once{}
	s.mu.Unlock()

	return s.Start(ctx)
}

// AddMessageInterceptor registers fn to observe every inbound frame and
// returns an id for RemoveMessageInterceptor.
func (s *Session) AddMessageInterceptor(fn MessageInterceptor) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextInterceptorID
	s.nextInterceptorID++
	s.interceptors[id] = fn
	return id
}

// RemoveMessageInterceptor unregisters a previously added interceptor.
func (s *Session) RemoveMessageInterceptor(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.interceptors, id)
}

// Execute writes an Execute frame and returns a stream of that execution's
// Output frames followed by its single terminal Result or Error.
func (s *Session) Execute(ctx context.Context, source string, captureSource bool) (*ExecutionStream, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	ch := make(chan Message, 64)
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return nil, ErrTerminated
	}
	s.pending[id] = ch
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		return nil, ErrTerminated
	}

	msg := Message{
		Type:          MessageExecute,
		ID:            id,
		Timestamp:     now,
		ExecutionID:   id,
		Code:          source,
		CaptureSource: captureSource,
	}
	encoded, err := wire.Encode(msg)
	if err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("pykernel: encode execute frame: %w", err)
	}
	if err := writer.Send(encoded); err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("pykernel: send execute frame: %w", err)
	}

	return &ExecutionStream{executionID: id, frames: ch, session: s}, nil
}

// InputResponse answers a pending input() request identified by inputID.
func (s *Session) InputResponse(inputID, data string) error {
	msg := Message{
		Type:      MessageInputResponse,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		InputID:   inputID,
		Data:      data,
	}
	encoded, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("pykernel: encode input_response frame: %w", err)
	}
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		return ErrTerminated
	}
	return writer.Send(encoded)
}

func (s *Session) sendCancel(executionID string) {
	msg := Message{
		Type:        MessageCancel,
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
	}
	encoded, err := wire.Encode(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		return
	}
	_ = writer.Send(encoded)
}

func (s *Session) removePending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		delete(s.pending, id)
	}
}

// readLoop is the single goroutine permitted to call reader.Receive — the
// single-reader invariant spec §4.F requires. It decodes, fans frames out
// to interceptors, then routes them to the pending execution stream.
func (s *Session) readLoop() {
	for {
		s.mu.Lock()
		reader := s.reader
		s.mu.Unlock()

		payload, err := reader.Receive()
		if err != nil {
			s.handleTransportError(err)
			return
		}

		msg, err := wire.Decode(payload)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg Message) {
	s.mu.Lock()
	fns := make([]MessageInterceptor, 0, len(s.interceptors))
	for _, fn := range s.interceptors {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}

	switch msg.Type {
	case MessageReady:
		s.readyOnce.Do(func() { close(s.ready) })
		return
	case MessageHeartbeat:
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[msg.ExecutionID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("frame for unknown or already-closed execution",
			zap.String("execution_id", msg.ExecutionID), zap.String("type", string(msg.Type)))
		return
	}

	ch <- msg

	if msg.IsTerminal() {
		s.removePending(msg.ExecutionID)
		close(ch)
	}
}

func (s *Session) handleTransportError(err error) {
	if errors.Is(err, transport.ErrPeerClosed) {
		s.finish(fmt.Errorf("%w: %v", ErrWorkerCrashed, err))
		return
	}
	s.finish(err)
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.termErr = err
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()

		for id, ch := range pending {
			ch <- Message{
				Type:        MessageError,
				ID:          uuid.NewString(),
				Timestamp:   time.Now().UTC(),
				ExecutionID: id,
				Kind:        ErrorKindWorkerCrash,
				ErrMessage:  "worker process terminated before a terminal message was received",
			}
			close(ch)
		}
		close(s.done)
	})
}

// ExecutionStream is the Go analog of the async iterator spec §4.F's
// execute() returns: Frames() yields every Output frame for this
// execution followed by its single terminal Result or Error.
type ExecutionStream struct {
	executionID string
	frames      chan Message
	session     *Session
	closed      atomic.Bool
}

// ExecutionID returns the correlation id every frame on this stream shares.
func (es *ExecutionStream) ExecutionID() string { return es.executionID }

// Frames returns the channel of frames for this execution. The channel
// closes after the terminal Result or Error is delivered.
func (es *ExecutionStream) Frames() <-chan Message { return es.frames }

// Close cancels the execution if it has not already reached a terminal
// frame, then drains any remaining frames. Callers that stop consuming
// Frames() before the terminal frame arrives MUST call Close so the
// Session's single reader goroutine never blocks on an abandoned stream.
func (es *ExecutionStream) Close() {
	if !es.closed.CompareAndSwap(false, true) {
		return
	}
	es.session.sendCancel(es.executionID)
	for range es.frames {
	}
}

// signalIgnoringExited sends sig to proc, treating "already exited" as
// success rather than an error worth reporting — mirrors signalProcess in
// the teacher library's engine/cli/process.go.
func signalIgnoringExited(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
