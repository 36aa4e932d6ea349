//go:build darwin && arm64

// Package hvf implements the macOS engine backend over
// Hypervisor.framework / Virtualization.framework. Driving that framework
// from Go requires a CGo bridge (the shape used by Code-Hex/vz and by the
// Virtualization.framework wrapper in the orbstack vmgr reference); this
// exercise does not invoke a C toolchain, so this backend delegates VM
// lifecycle calls to an external helper process compiled against that
// framework (BOXLITE_HVF_HELPER), keeping the same Engine contract as the
// CGo-bridged shape it is grounded on rather than reimplementing the
// framework bindings in pure Go.
package hvf

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/banksean/boxlite/internal/engine"
	"github.com/banksean/boxlite/internal/portal"
)

func init() {
	engine.Register("hvf", New)
}

// Engine shells out to the configured helper binary for each lifecycle
// call, grounded on mux_server.go's spawn-and-supervise pattern for the
// sand daemon, generalized from an HTTP-over-unix-socket daemon to a
// one-shot-per-call helper invocation.
type Engine struct {
	helperPath string
}

func New() (engine.Engine, error) {
	p := os.Getenv("BOXLITE_HVF_HELPER")
	if p == "" {
		return nil, engine.ErrUnsupported
	}
	if _, err := exec.LookPath(p); err != nil {
		return nil, fmt.Errorf("hvf: helper %q not executable: %w", p, err)
	}
	return &Engine{helperPath: p}, nil
}

func (e *Engine) Name() string { return "hvf" }

type handle struct {
	id       string
	mu       sync.Mutex
	st       engine.Status
	pid      int
	vsockCID uint32
}

func (h *handle) ID() string            { return h.id }
func (h *handle) Pid() int              { h.mu.Lock(); defer h.mu.Unlock(); return h.pid }
func (h *handle) Status() engine.Status { h.mu.Lock(); defer h.mu.Unlock(); return h.st }
func (h *handle) VsockCID() uint32      { return h.vsockCID }

func (e *Engine) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.helperPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hvf helper %v: %w: %s", args, err, out)
	}
	return nil
}

func (e *Engine) Prepare(ctx context.Context, spec engine.VMSpec) (engine.Handle, error) {
	if err := e.run(ctx, "prepare", spec.BoxID, spec.KernelPath, spec.RootfsLower, spec.RootfsUpper); err != nil {
		return nil, err
	}
	return &handle{id: spec.BoxID, st: engine.StatusPrepared, vsockCID: spec.VsockCID}, nil
}

func (e *Engine) Start(ctx context.Context, h engine.Handle) error {
	hh := h.(*handle)
	if err := e.run(ctx, "start", hh.id); err != nil {
		return err
	}
	hh.mu.Lock()
	hh.st = engine.StatusRunning
	hh.mu.Unlock()
	return nil
}

func (e *Engine) Wait(ctx context.Context, h engine.Handle) (engine.ExitReason, error) {
	hh := h.(*handle)
	if err := e.run(ctx, "wait", hh.id); err != nil {
		return engine.ExitReason{Err: err}, err
	}
	hh.mu.Lock()
	hh.st = engine.StatusExited
	hh.mu.Unlock()
	return engine.ExitReason{Code: 0}, nil
}

func (e *Engine) Shutdown(ctx context.Context, h engine.Handle, timeout time.Duration) error {
	hh := h.(*handle)
	return e.run(ctx, "shutdown", hh.id, timeout.String())
}

func (e *Engine) Kill(ctx context.Context, h engine.Handle) error {
	hh := h.(*handle)
	return e.run(ctx, "kill", hh.id)
}

// OpenVsock dials the guest agent listening on the VM's reserved CID,
// handing back the raw connection for internal/controller to wrap in a
// Portal session.
func (e *Engine) OpenVsock(ctx context.Context, h engine.Handle, port uint32) (io.ReadWriteCloser, error) {
	hh := h.(*handle)
	return portal.DialGuestConn(hh.vsockCID, port)
}
