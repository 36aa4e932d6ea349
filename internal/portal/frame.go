// Package portal implements C6: the bidirectional framed RPC protocol
// carried over a single vsock connection per box. The wire format is
// fixed by spec.md §4.5/§6 (not negotiated), so frame.go has no teacher
// precedent to adapt — it is grounded on the general
// reader-goroutine/writer-goroutine pairing used throughout
// containers.go's PTY plumbing and mux_client.go's request/response
// dispatch-by-id, generalized from ad hoc io.Copy pairs to a proper
// length-prefixed multiplexed framing.
package portal

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type is a Portal frame type code. Values 0x00-0x1F are reserved by
// spec.md §4.5.
type Type uint8

const (
	TypeOpenExec    Type = 0x01
	TypeStdin       Type = 0x02
	TypeStdoutChunk Type = 0x03
	TypeStderrChunk Type = 0x04
	TypeSignal      Type = 0x05
	TypeExit        Type = 0x06
	TypeFileOpen    Type = 0x07
	TypeFileChunk   Type = 0x08
	TypeFileClose   Type = 0x09
	TypeStat        Type = 0x0A
	TypeMetrics     Type = 0x0B
	TypePing        Type = 0x0C
	TypePong        Type = 0x0D
	TypeError       Type = 0x0E
	TypeAck         Type = 0x0F // window credit for backpressure, internal to this implementation
)

// MaxPayload is the largest payload a single frame may carry.
const MaxPayload = 1 << 20 // 1 MiB

// headerSize is len(u32) + len(u8) + len(u64).
const headerSize = 4 + 1 + 8

// Frame is one Portal protocol message.
type Frame struct {
	Type     Type
	StreamID uint64
	Payload  []byte
}

// WriteFrame writes f to w in the wire format: little-endian u32 length (of
// payload), u8 type, u64 stream_id, payload.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("portal: payload of %d bytes exceeds max %d", len(f.Payload), MaxPayload)
	}
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(f.Payload)))
	header[4] = byte(f.Type)
	binary.LittleEndian.PutUint64(header[5:13], f.StreamID)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("portal: write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("portal: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r. A malformed frame (oversized length)
// is reported as an error; per spec.md §4.5 the caller must abort the
// session on error, not silently resync.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("portal: frame length %d exceeds max %d, session must abort", length, MaxPayload)
	}
	typ := Type(header[4])
	streamID := binary.LittleEndian.Uint64(header[5:13])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("portal: read frame payload: %w", err)
		}
	}
	return Frame{Type: typ, StreamID: streamID, Payload: payload}, nil
}
