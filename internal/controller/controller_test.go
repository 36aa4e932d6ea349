package controller

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/banksean/boxlite/internal/engine"
	"github.com/banksean/boxlite/internal/portal"
	"github.com/banksean/boxlite/internal/store"
)

type fakeHandle struct{ id string }

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) Pid() int              { return 1 }
func (h *fakeHandle) Status() engine.Status { return engine.StatusRunning }

type fakeEngine struct{}

func (fakeEngine) Name() string { return "fake" }
func (fakeEngine) Prepare(ctx context.Context, spec engine.VMSpec) (engine.Handle, error) {
	return &fakeHandle{id: spec.BoxID}, nil
}
func (fakeEngine) Start(ctx context.Context, h engine.Handle) error    { return nil }
func (fakeEngine) Wait(ctx context.Context, h engine.Handle) (engine.ExitReason, error) {
	return engine.ExitReason{}, nil
}
func (fakeEngine) Shutdown(ctx context.Context, h engine.Handle, d time.Duration) error { return nil }
func (fakeEngine) Kill(ctx context.Context, h engine.Handle) error                      { return nil }
func (fakeEngine) OpenVsock(ctx context.Context, h engine.Handle, port uint32) (io.ReadWriteCloser, error) {
	panic("not used: test overrides OpenSession")
}

// newTestController wires a Controller to one end of an in-memory pipe
// standing in for the vsock connection to a box's guest agent; the
// caller drives the other end (guestConn) with raw portal frames to
// simulate the guest, since the guest is a separate process in
// production and has no reason to share this package's Session type.
func newTestController(t *testing.T) (*Controller, net.Conn) {
	t.Helper()
	hostConn, guestConn := net.Pipe()

	cfg := Config{
		BoxID:  "box-test",
		Engine: fakeEngine{},
		OpenSession: func(ctx context.Context, h engine.Handle) (session, error) {
			s := portal.NewSession(hostConn, nil)
			go s.Run(ctx)
			return s, nil
		},
	}
	c := New(cfg, store.StateCreated)
	return c, guestConn
}

func TestStartTransitionsToRunningAndIsIdempotent(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	if err := c.Start(ctx, engine.VMSpec{BoxID: "box-test"}, nil, t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != store.StateRunning {
		t.Fatalf("state = %v, want running", c.State())
	}
	if err := c.Start(ctx, engine.VMSpec{BoxID: "box-test"}, nil, t.TempDir()); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
}

func TestExecRequiresRunningState(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.Exec(context.Background(), ExecSpec{Cmd: []string{"echo", "hi"}})
	se, ok := err.(*StateError)
	if !ok {
		t.Fatalf("expected *StateError, got %v", err)
	}
	if se.State != string(store.StateCreated) {
		t.Fatalf("got state %q", se.State)
	}
}

func TestExecRoundTripsThroughPortalSession(t *testing.T) {
	c, guestConn := newTestController(t)
	ctx := context.Background()
	if err := c.Start(ctx, engine.VMSpec{BoxID: "box-test"}, nil, t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		// Stand in for the guest agent: read frames off the wire directly
		// until an OpenExec arrives, then echo "ok" on its stdout stream
		// id and report a clean exit via an Exit frame on the same id.
		for {
			f, err := portal.ReadFrame(guestConn)
			if err != nil {
				return
			}
			if f.Type != portal.TypeOpenExec {
				continue
			}
			stdoutID := f.StreamID
			portal.WriteFrame(guestConn, portal.Frame{Type: portal.TypeStdoutChunk, StreamID: stdoutID, Payload: []byte("ok")})
			exitPayload := make([]byte, 5)
			binary.LittleEndian.PutUint32(exitPayload[0:4], 0)
			portal.WriteFrame(guestConn, portal.Frame{Type: portal.TypeExit, StreamID: stdoutID, Payload: exitPayload})
			return
		}
	}()

	ex, err := c.Exec(ctx, ExecSpec{Cmd: []string{"echo", "ok"}})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	buf := make([]byte, 16)
	n, err := ex.Stdout().Read(buf)
	if err != nil {
		t.Fatalf("Stdout Read: %v", err)
	}
	if string(buf[:n]) != "ok" {
		t.Fatalf("got %q", buf[:n])
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := ex.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
}

func TestStopThenExecFails(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	if err := c.Start(ctx, engine.VMSpec{BoxID: "box-test"}, nil, t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(ctx, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != store.StateStopped {
		t.Fatalf("state = %v", c.State())
	}
	_, err := c.Exec(ctx, ExecSpec{Cmd: []string{"echo"}})
	if _, ok := err.(*StateError); !ok {
		t.Fatalf("expected StateError after stop, got %v", err)
	}
}

func TestRemoveRunningWithoutForceIsRejected(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	if err := c.Start(ctx, engine.VMSpec{BoxID: "box-test"}, nil, t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := c.Remove(ctx, false, time.Second)
	se, ok := err.(*StateError)
	if !ok {
		t.Fatalf("expected *StateError, got %v", err)
	}
	if se.Op != "remove" {
		t.Fatalf("got op %q", se.Op)
	}
}
