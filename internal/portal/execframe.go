package portal

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// OpenExecRequest is the decoded payload of a TypeOpenExec frame: the
// three stream ids the guest must attach to for this exec's directions,
// plus the command to run. Encoded once by the host (internal/controller)
// and decoded once by the guest agent (cmd/boxlite-agent), so both sides
// share this codec rather than hand-rolling the layout twice.
type OpenExecRequest struct {
	StdoutID uint64
	StderrID uint64
	StdinID  uint64
	TTY      bool
	User     string
	Env      []EnvPair
	Cmd      []string
}

// EnvPair is one (key, value) environment entry carried in an OpenExec
// frame, ordered as supplied.
type EnvPair struct {
	Key   string
	Value string
}

// EncodeOpenExec packs req into an OpenExec frame payload: three u64
// stream ids, a flags byte (bit 0 = TTY requested), a length-prefixed
// user string, a length-prefixed env list, then NUL-separated argv.
func EncodeOpenExec(req OpenExecRequest) []byte {
	var buf bytes.Buffer
	var u64buf [8]byte
	for _, id := range []uint64{req.StdoutID, req.StderrID, req.StdinID} {
		binary.LittleEndian.PutUint64(u64buf[:], id)
		buf.Write(u64buf[:])
	}
	var flags byte
	if req.TTY {
		flags |= 0x01
	}
	buf.WriteByte(flags)

	writeString16(&buf, req.User)

	var u16buf [2]byte
	binary.LittleEndian.PutUint16(u16buf[:], uint16(len(req.Env)))
	buf.Write(u16buf[:])
	for _, e := range req.Env {
		writeString16(&buf, e.Key)
		writeString16(&buf, e.Value)
	}

	for i, a := range req.Cmd {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(a)
	}
	return buf.Bytes()
}

func writeString16(buf *bytes.Buffer, s string) {
	var u16buf [2]byte
	binary.LittleEndian.PutUint16(u16buf[:], uint16(len(s)))
	buf.Write(u16buf[:])
	buf.WriteString(s)
}

// DecodeOpenExec reverses EncodeOpenExec. It is tolerant of a payload with
// no argv (a command with no arguments is still valid, not an error).
func DecodeOpenExec(p []byte) (OpenExecRequest, error) {
	const fixedLen = 8 + 8 + 8 + 1
	if len(p) < fixedLen {
		return OpenExecRequest{}, fmt.Errorf("portal: OpenExec payload too short: %d bytes", len(p))
	}
	var req OpenExecRequest
	req.StdoutID = binary.LittleEndian.Uint64(p[0:8])
	req.StderrID = binary.LittleEndian.Uint64(p[8:16])
	req.StdinID = binary.LittleEndian.Uint64(p[16:24])
	req.TTY = p[24]&0x01 != 0
	off := 25

	user, off2, err := readString16(p, off)
	if err != nil {
		return OpenExecRequest{}, err
	}
	req.User, off = user, off2

	if off+2 > len(p) {
		return OpenExecRequest{}, fmt.Errorf("portal: OpenExec payload truncated at env count")
	}
	envCount := binary.LittleEndian.Uint16(p[off : off+2])
	off += 2
	req.Env = make([]EnvPair, 0, envCount)
	for i := 0; i < int(envCount); i++ {
		k, o, err := readString16(p, off)
		if err != nil {
			return OpenExecRequest{}, err
		}
		v, o2, err := readString16(p, o)
		if err != nil {
			return OpenExecRequest{}, err
		}
		req.Env = append(req.Env, EnvPair{Key: k, Value: v})
		off = o2
	}

	if off < len(p) {
		req.Cmd = splitNulTerminated(p[off:])
	}
	return req, nil
}

func readString16(p []byte, off int) (string, int, error) {
	if off+2 > len(p) {
		return "", 0, fmt.Errorf("portal: OpenExec payload truncated at string length")
	}
	n := int(binary.LittleEndian.Uint16(p[off : off+2]))
	off += 2
	if off+n > len(p) {
		return "", 0, fmt.Errorf("portal: OpenExec payload truncated at string body")
	}
	return string(p[off : off+n]), off + n, nil
}

func splitNulTerminated(p []byte) []string {
	var out []string
	start := 0
	for i, b := range p {
		if b == 0 {
			out = append(out, string(p[start:i]))
			start = i + 1
		}
	}
	out = append(out, string(p[start:]))
	return out
}

// EncodeExit packs an exec's exit status into a TypeExit frame payload:
// u32 little-endian exit code, u8 signaled flag.
func EncodeExit(exitCode int32, signaled bool) []byte {
	p := make([]byte, 5)
	binary.LittleEndian.PutUint32(p[0:4], uint32(exitCode))
	if signaled {
		p[4] = 1
	}
	return p
}

// DecodeExit reverses EncodeExit.
func DecodeExit(p []byte) (exitCode int32, signaled bool) {
	if len(p) < 5 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(p[0:4])), p[4] != 0
}
