package portal

import (
	"bytes"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Type: TypeStdoutChunk, StreamID: 42, Payload: []byte("hello box")}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != want.Type || got.StreamID != want.StreamID || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: TypePing, StreamID: 0}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != TypePing || len(got.Payload) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Type: TypeStdin, Payload: make([]byte, MaxPayload+1)})
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestReadFrameRejectsMalformedLength(t *testing.T) {
	var buf bytes.Buffer
	// Hand-craft a header claiming an oversized length; the session must
	// treat this as fatal rather than attempt to resync.
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff, byte(TypeStdin), 0, 0, 0, 0, 0, 0, 0, 0})
	_, err := ReadFrame(&buf)
	if err == nil || !strings.Contains(err.Error(), "exceeds max") {
		t.Fatalf("expected exceeds-max error, got %v", err)
	}
}
