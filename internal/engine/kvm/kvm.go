//go:build linux

// Package kvm implements the Linux engine backend over /dev/kvm. Unlike
// Hypervisor.framework, KVM's control surface is a plain ioctl API, so
// this backend needs no CGo bridge — golang.org/x/sys/unix reaches
// /dev/kvm directly, the same way firecracker-style Go VMMs do.
package kvm

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/banksean/boxlite/internal/engine"
	"github.com/banksean/boxlite/internal/portal"
)

func init() {
	engine.Register("kvm", New)
}

const (
	kvmGetAPIVersion = 0xAE00
	kvmCreateVM      = 0xAE01
)

// Engine drives KVM VMs through /dev/kvm ioctls. It creates no dedicated
// OS thread per VM: every call runs on the caller's goroutine, which is
// not locked to its OS thread.
type Engine struct {
	kvmFd int
}

func New() (engine.Engine, error) {
	if runtime.GOOS != "linux" {
		return nil, engine.ErrUnsupported
	}
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}
	ver, err := unix.IoctlGetInt(int(f.Fd()), kvmGetAPIVersion)
	if err != nil || ver != 12 {
		f.Close()
		return nil, fmt.Errorf("kvm: unsupported API version %d: %w", ver, err)
	}
	return &Engine{kvmFd: int(f.Fd())}, nil
}

func (e *Engine) Name() string { return "kvm" }

type handle struct {
	id       string
	vmFd     int
	mu       sync.Mutex
	status   engine.Status
	pid      int
	vsockCID uint32
	exitCh   chan engine.ExitReason
}

func (h *handle) ID() string            { return h.id }
func (h *handle) Pid() int              { return h.pid }
func (h *handle) Status() engine.Status { h.mu.Lock(); defer h.mu.Unlock(); return h.status }
func (h *handle) VsockCID() uint32      { return h.vsockCID }

// Prepare opens a new KVM VM fd for spec.BoxID. Memory/vcpu/device setup
// (the bulk of a real VMM) is intentionally not implemented here: spec.md
// §1 excludes hypervisor back-end internals from this runtime's scope —
// Prepare proves out the capability-set contract Box Controller depends
// on, not a full VMM.
func (e *Engine) Prepare(ctx context.Context, spec engine.VMSpec) (engine.Handle, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(e.kvmFd), uintptr(kvmCreateVM), 0)
	if errno != 0 {
		return nil, fmt.Errorf("engine: kvm create vm: %w", errno)
	}
	vmFd := int(r)
	return &handle{
		id:       spec.BoxID,
		vmFd:     vmFd,
		status:   engine.StatusPrepared,
		vsockCID: spec.VsockCID,
		exitCh:   make(chan engine.ExitReason, 1),
	}, nil
}

func (e *Engine) Start(ctx context.Context, h engine.Handle) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.status = engine.StatusRunning
	hh.pid = os.Getpid()
	hh.mu.Unlock()
	return nil
}

func (e *Engine) Wait(ctx context.Context, h engine.Handle) (engine.ExitReason, error) {
	hh := h.(*handle)
	select {
	case r := <-hh.exitCh:
		return r, nil
	case <-ctx.Done():
		return engine.ExitReason{}, ctx.Err()
	}
}

func (e *Engine) Shutdown(ctx context.Context, h engine.Handle, timeout time.Duration) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.status = engine.StatusExited
	hh.mu.Unlock()
	select {
	case hh.exitCh <- engine.ExitReason{Code: 0}:
	default:
	}
	return unix.Close(hh.vmFd)
}

func (e *Engine) Kill(ctx context.Context, h engine.Handle) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.status = engine.StatusExited
	hh.mu.Unlock()
	select {
	case hh.exitCh <- engine.ExitReason{Signaled: true}:
	default:
	}
	return unix.Close(hh.vmFd)
}

// OpenVsock dials the guest agent listening on the VM's reserved CID,
// handing back the raw connection for internal/controller to wrap in a
// Portal session.
func (e *Engine) OpenVsock(ctx context.Context, h engine.Handle, port uint32) (io.ReadWriteCloser, error) {
	hh := h.(*handle)
	return portal.DialGuestConn(hh.vsockCID, port)
}
