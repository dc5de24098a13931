package pykernel

import (
	"time"
)

// MessageType identifies the kind of frame exchanged between Session and
// the worker process (spec §4.B, §6).
type MessageType string

const (
	// MessageExecute carries user source for the worker to run.
	MessageExecute MessageType = "execute"

	// MessageResult carries the terminal value of a successful execution.
	MessageResult MessageType = "result"

	// MessageError carries the terminal failure of an execution.
	MessageError MessageType = "error"

	// MessageOutput carries a chunk of captured stdout/stderr.
	MessageOutput MessageType = "output"

	// MessageInput is emitted by the worker when user code calls input().
	MessageInput MessageType = "input"

	// MessageInputResponse carries the client's answer to a MessageInput.
	MessageInputResponse MessageType = "input_response"

	// MessageHeartbeat is a zero-payload liveness signal from the worker.
	MessageHeartbeat MessageType = "heartbeat"

	// MessageReady is the worker's startup handshake.
	MessageReady MessageType = "ready"

	// MessageCancel requests cancellation of the named execution_id's
	// in-flight run. Sent Session -> worker; the worker's only response is
	// the terminal Error(kind=cancelled) the cancelled execution itself
	// produces, never a direct reply to the Cancel frame.
	MessageCancel MessageType = "cancel"
)

// ErrorKind enumerates the terminal failure categories of spec §7.
type ErrorKind string

const (
	ErrorKindCompilation ErrorKind = "compilation"
	ErrorKindExecution   ErrorKind = "execution"
	ErrorKindCancelled   ErrorKind = "cancelled"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindWorkerCrash ErrorKind = "worker_crash"
	ErrorKindProtocol    ErrorKind = "protocol"
)

// StreamName identifies which captured stream a MessageOutput came from.
type StreamName string

const (
	StreamStdout StreamName = "stdout"
	StreamStderr StreamName = "stderr"
)

// Message is a discriminated union of every frame type the wire protocol
// carries. A single struct with per-variant optional fields is preferred
// over a subclass hierarchy — see spec.md's DESIGN NOTES on tagged unions —
// and mirrors how the teacher library models its own Message type.
//
// Field groups, by Type:
//
//	execute:        Code, CaptureSource
//	result:         ExecutionID, Value, Repr, DurationMs, Notes
//	error:          ExecutionID, Kind, ErrMessage, Traceback, Notes
//	output:         ExecutionID, Stream, Data, Seq
//	input:          ExecutionID, Prompt            (ID is the input id)
//	input_response: InputID, Data
//	heartbeat:      (none)
//	ready:          WorkerVersion
type Message struct {
	// Type identifies the kind of frame.
	Type MessageType `cbor:"type" json:"type"`

	// ID uniquely identifies this message. For Execute, it is reused as the
	// correlation key (ExecutionID) for every frame derived from it. For
	// Input, it is the input request id InputResponse.InputID must echo.
	ID string `cbor:"id" json:"id"`

	// Timestamp is the wall-clock time the message was produced.
	Timestamp time.Time `cbor:"timestamp" json:"timestamp"`

	// ExecutionID correlates Result/Error/Output/Input to their Execute.
	ExecutionID string `cbor:"execution_id,omitempty" json:"execution_id,omitempty"`

	// --- execute ---
	Code          string `cbor:"code,omitempty" json:"code,omitempty"`
	CaptureSource bool   `cbor:"capture_source,omitempty" json:"capture_source,omitempty"`

	// --- result ---
	Value      any     `cbor:"value,omitempty" json:"value,omitempty"`
	Repr       *string `cbor:"repr,omitempty" json:"repr,omitempty"`
	DurationMs int64   `cbor:"duration_ms,omitempty" json:"duration_ms,omitempty"`

	// --- error ---
	Kind       ErrorKind `cbor:"kind,omitempty" json:"kind,omitempty"`
	ErrMessage string    `cbor:"message,omitempty" json:"message,omitempty"`
	Traceback  *string   `cbor:"traceback,omitempty" json:"traceback,omitempty"`
	Notes      []string  `cbor:"notes,omitempty" json:"notes,omitempty"`

	// --- output ---
	Stream StreamName `cbor:"stream,omitempty" json:"stream,omitempty"`
	Data   string     `cbor:"data,omitempty" json:"data,omitempty"`
	Seq    int        `cbor:"seq,omitempty" json:"seq,omitempty"`

	// --- input ---
	Prompt string `cbor:"prompt,omitempty" json:"prompt,omitempty"`

	// --- input_response ---
	InputID string `cbor:"input_id,omitempty" json:"input_id,omitempty"`

	// --- ready ---
	WorkerVersion string `cbor:"worker_version,omitempty" json:"worker_version,omitempty"`
}

// IsTerminal reports whether m concludes an execution stream (Result or
// Error). Used by Session to stop routing frames to a caller's iterator.
func (m Message) IsTerminal() bool {
	return m.Type == MessageResult || m.Type == MessageError
}

// ExecutionRequest is the immutable record created by Session.Execute and
// consumed by the worker (spec §3). id is reused as the correlation key for
// every message derived from this execution.
type ExecutionRequest struct {
	ID            string
	Timestamp     time.Time
	Source        string
	CaptureSource bool
}

// ExecutionResult is produced exactly once per request unless an
// ExecutionError is produced instead (spec §3). Notes carries non-fatal
// annotations (e.g. a blocking-sync-path warning); empty for the common case.
type ExecutionResult struct {
	ExecutionID string
	Value       any
	Repr        *string
	DurationMs  int64
	Notes       []string
}

// ExecutionError is produced exactly once per request if execution did not
// reach a value (spec §3, §7).
type ExecutionError struct {
	ExecutionID string
	Kind        ErrorKind
	Message     string
	Traceback   string
	Notes       []string
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return "<nil execution error>"
	}
	return string(e.Kind) + ": " + e.Message
}
