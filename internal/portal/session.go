package portal

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	heartbeatInterval = 5 * time.Second
	heartbeatMisses   = 3
	// KillGrace is how long Session waits between sending a termination
	// signal over an exec stream and forcing a hard kill, per spec.md §4.6.
	KillGrace = 10 * time.Second
)

// ErrorFrame is the decoded payload of a TypeError frame. Code is a
// stable integer the caller translates into a boxlite.Kind at the API
// boundary; Session itself stays agnostic of that taxonomy.
type ErrorFrame struct {
	Code    uint32
	Message string
}

// Session multiplexes exec/file-op streams over one vsock connection
// between boxlited and the in-guest agent. It mirrors mux_client.go's
// request/response dispatch-by-id, generalized from discrete RPC calls
// to long-lived streaming frames, and containers.go's paired
// reader/writer goroutines for PTY I/O, generalized to N streams instead
// of one.
type Session struct {
	conn io.ReadWriteCloser
	log  *slog.Logger

	mu      sync.Mutex
	streams map[uint64]*Stream
	nextID  uint64
	writeMu sync.Mutex

	missed   int32
	lastPong atomic.Int64 // unix nanos

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	onError   func(ErrorFrame)
	onControl map[Type]func(Frame)
}

// NewSession wraps an already-established vsock connection (see
// DialGuest/Accept) in a Session. Call Run in its own goroutine to
// start the read/heartbeat loops.
func NewSession(conn io.ReadWriteCloser, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		conn:    conn,
		log:     log,
		streams: make(map[uint64]*Stream),
		closed:  make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

// OnError registers a callback invoked whenever the peer reports a
// TypeError frame not associated with a live stream (a session-level
// fault, e.g. a rejected OpenExec).
func (s *Session) OnError(fn func(ErrorFrame)) { s.onError = fn }

// OnControl registers fn to receive every inbound frame of type t instead
// of having it treated as raw data for an existing/new Stream. This is
// how a listener (the guest agent) handles request-shaped frame types
// (OpenExec, Signal, FileOpen, FileClose, Stat, Metrics) that carry a
// one-shot request rather than a byte-stream continuation: those types
// are never registered as ordinary Stream data in readLoop once a
// handler is attached.
func (s *Session) OnControl(t Type, fn func(Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onControl == nil {
		s.onControl = make(map[Type]func(Frame))
	}
	s.onControl[t] = fn
}

// OpenStream allocates a new locally-owned stream id and registers it
// for inbound delivery. kind is the frame type this stream's Write calls
// will use (e.g. TypeStdin for a caller writing into an exec's stdin).
func (s *Session) OpenStream(kind Type) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	st := newStream(s, id, kind)
	s.streams[id] = st
	return st
}

// OpenStreamID registers a Stream for a peer-assigned id instead of
// allocating a new local one, for the side of a connection that did not
// originate the stream id (the guest agent, handling stdout/stderr/stdin
// ids chosen by the host's OpenExec request).
func (s *Session) OpenStreamID(id uint64, kind Type) *Stream {
	return s.streamFor(id, kind)
}

func (s *Session) forgetStream(id uint64) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *Session) streamFor(id uint64, kind Type) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		st = newStream(s, id, kind)
		s.streams[id] = st
	}
	return st
}

// SendFrame writes a raw frame to the peer. Exposed for control frames
// (e.g. OpenExec) that do not belong to an already-opened Stream.
func (s *Session) SendFrame(f Frame) error {
	return s.writeFrame(f)
}

func (s *Session) writeFrame(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	return WriteFrame(s.conn, f)
}

// Signal sends a termination signal frame addressed to streamID's exec,
// then arranges a hard Kill after KillGrace if the stream has not closed
// by then. Callers doing a graceful stop should pass SIGTERM-equivalent
// in payload and rely on this escalation.
func (s *Session) Signal(ctx context.Context, streamID uint64, signal int32, kill func()) error {
	payload := []byte{byte(signal), byte(signal >> 8), byte(signal >> 16), byte(signal >> 24)}
	if err := s.writeFrame(Frame{Type: TypeSignal, StreamID: streamID, Payload: payload}); err != nil {
		return err
	}
	s.mu.Lock()
	st := s.streams[streamID]
	s.mu.Unlock()
	if st == nil || kill == nil {
		return nil
	}
	go func() {
		timer := time.NewTimer(KillGrace)
		defer timer.Stop()
		done := make(chan struct{})
		go func() { st.Wait(ctx); close(done) }()
		select {
		case <-done:
		case <-timer.C:
			kill()
		case <-ctx.Done():
		}
	}()
	return nil
}

// Run drives the read loop and heartbeat until the connection closes or
// ctx is cancelled. A malformed frame aborts the whole session rather
// than attempting to resynchronize, per spec.md §4.5.
func (s *Session) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.readLoop() }()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case err := <-errCh:
			s.closeWith(err)
			return err
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastPong.Load())) > heartbeatInterval*heartbeatMisses {
				err := fmt.Errorf("portal: missed %d heartbeats, aborting session", heartbeatMisses)
				s.closeWith(err)
				return err
			}
			if err := s.writeFrame(Frame{Type: TypePing}); err != nil {
				s.closeWith(err)
				return err
			}
		}
	}
}

func (s *Session) readLoop() error {
	for {
		f, err := ReadFrame(s.conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch f.Type {
		case TypePing:
			if err := s.writeFrame(Frame{Type: TypePong}); err != nil {
				return err
			}
		case TypePong:
			s.lastPong.Store(time.Now().UnixNano())
		case TypeError:
			ef := decodeErrorFrame(f.Payload)
			if f.StreamID != 0 {
				if st := s.streamFor(f.StreamID, f.Type); st != nil {
					st.closeLocal(fmt.Errorf("portal: stream error %d: %s", ef.Code, ef.Message))
				}
			} else if s.onError != nil {
				s.onError(ef)
			}
		case TypeExit:
			if st := s.streamFor(f.StreamID, f.Type); st != nil {
				st.finish(f.Payload)
			}
		case TypeAck:
			if len(f.Payload) >= 4 {
				if st := s.streamFor(f.StreamID, f.Type); st != nil {
					st.credit(int(binary.LittleEndian.Uint32(f.Payload)))
				}
			}
		default:
			s.mu.Lock()
			handler := s.onControl[f.Type]
			s.mu.Unlock()
			if handler != nil {
				handler(f)
				continue
			}
			st := s.streamFor(f.StreamID, f.Type)
			st.deliver(f.Payload)
		}
	}
}

func decodeErrorFrame(p []byte) ErrorFrame {
	if len(p) < 4 {
		return ErrorFrame{Message: string(p)}
	}
	code := uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
	return ErrorFrame{Code: code, Message: string(p[4:])}
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
		s.conn.Close()
		s.mu.Lock()
		for _, st := range s.streams {
			st.closeLocal(err)
		}
		s.mu.Unlock()
	})
}

// Close shuts the session down cleanly from the local side.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}
