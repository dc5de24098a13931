package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvusrun/pykernel"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	repr := "10"
	msg := pykernel.Message{
		Type:        pykernel.MessageResult,
		ID:          "r1",
		ExecutionID: "exec-1",
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		Value:       int64(10),
		Repr:        &repr,
		DurationMs:  42,
	}

	data, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, msg.Type, got.Type)
	require.Equal(t, msg.ExecutionID, got.ExecutionID)
	require.Equal(t, msg.DurationMs, got.DurationMs)
	require.Equal(t, *msg.Repr, *got.Repr)
	require.True(t, msg.Timestamp.Equal(got.Timestamp))
}

func TestEncodeDecodeJSONRoundTrip(t *testing.T) {
	msg := pykernel.Message{
		Type:        pykernel.MessageOutput,
		ID:          "o1",
		ExecutionID: "exec-1",
		Stream:      pykernel.StreamStdout,
		Data:        "hello\n",
		Seq:         3,
		Timestamp:   time.Now().UTC().Truncate(time.Second),
	}

	data, err := EncodeJSON(msg)
	require.NoError(t, err)

	got, err := DecodeJSON(data)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestDecodeGarbageReturnsError(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func FuzzEncodeDecodeRoundTrip(f *testing.F) {
	f.Add("exec-1", "result", "hello", int64(5))
	f.Add("", "", "", int64(0))
	f.Add("日本語", "output", "データ", int64(-1))

	f.Fuzz(func(t *testing.T, execID, typ, data string, seq int64) {
		msg := pykernel.Message{
			Type:        pykernel.MessageType(typ),
			ID:          execID,
			ExecutionID: execID,
			Data:        data,
			Seq:         int(seq),
			Timestamp:   time.Unix(0, 0).UTC(),
		}

		encoded, err := Encode(msg)
		if err != nil {
			t.Fatalf("encode failed for well-formed message: %v", err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode failed after successful encode: %v", err)
		}
		if decoded.ExecutionID != msg.ExecutionID || decoded.Data != msg.Data {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, msg)
		}
	})
}
