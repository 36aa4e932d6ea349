package boxlite

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/banksean/boxlite/internal/controller"
	"github.com/banksean/boxlite/internal/engine"
	"github.com/banksean/boxlite/internal/store"
	"github.com/banksean/boxlite/internal/telemetry"
)

// Box is a weak reference by id: every method re-resolves the
// controller through the owning Runtime's registry, so a removed box
// yields NotFound rather than a dangling handle, per spec.md §3.
type Box struct {
	id string
	rt *Runtime
}

// ID returns the box's ULID. Non-suspending, per spec.md §5.
func (b *Box) ID() string { return b.id }

func (b *Box) resolve() (*controller.Controller, store.BoxRecord, error) {
	b.rt.mu.RLock()
	down := b.rt.shutdown
	ctrl, ok := b.rt.controllers[b.id]
	b.rt.mu.RUnlock()
	if down {
		return nil, store.BoxRecord{}, ErrShutdown
	}
	if !ok {
		return nil, store.BoxRecord{}, notFoundf("box %s", b.id)
	}
	rec, err := b.rt.meta.GetBox(context.Background(), b.id)
	if err != nil {
		return nil, store.BoxRecord{}, translateErr(err)
	}
	return ctrl, rec, nil
}

// buildVMSpec assembles the engine.VMSpec for this box's current config,
// using kernel/initrd paths shipped alongside the runtime's home dir and
// the image's layer digests for rootfs assembly.
func (b *Box) buildVMSpec(ctx context.Context, rec store.BoxRecord) (engine.VMSpec, []string, string, error) {
	img, err := b.rt.meta.GetImage(ctx, rec.Config.ImageDigest)
	if err != nil {
		return engine.VMSpec{}, nil, "", translateErr(err)
	}
	cid := b.rt.vsockCID.Add(1) + 2 // 0,1,2 are reserved vsock CIDs
	env := make([]string, 0, len(rec.Config.Env))
	for _, e := range rec.Config.Env {
		env = append(env, e.Key+"="+e.Value)
	}
	mounts := make([]engine.Mount, 0, len(rec.Config.Volumes))
	for _, v := range rec.Config.Volumes {
		mounts = append(mounts, engine.Mount{HostPath: v.HostPath, GuestPath: v.GuestPath, ReadOnly: v.ReadOnly})
	}
	ports := make([]engine.PortSpec, 0, len(rec.Config.Ports))
	for _, p := range rec.Config.Ports {
		ports = append(ports, engine.PortSpec{HostPort: p.HostPort, GuestPort: p.GuestPort, Proto: p.Proto})
	}

	spec := engine.VMSpec{
		BoxID:      rec.Config.ID,
		KernelPath: filepath.Join(b.rt.homeDir, "init", "kernel"),
		InitrdPath: filepath.Join(b.rt.homeDir, "init", "initrd"),
		MemoryMiB:  rec.Config.MemoryMiB,
		VCPUs:      rec.Config.CPUs,
		Env:        env,
		Cmdline:    strings.Join(rec.Config.Cmd, " "),
		VsockCID:   cid,
		Mounts:     mounts,
		Ports:      ports,
	}
	if rec.Config.DiskSizeGB > 0 {
		spec.DataDiskPath = filepath.Join(b.rt.boxDir(rec.Config.ID), "disk.qcow2")
	}
	return spec, img.LayerDigests, b.rt.boxDir(rec.Config.ID), nil
}

// Start boots the box's VM if it is Created or Stopped; a no-op if
// already Running, per spec.md §4.6.
func (b *Box) Start(ctx context.Context) error {
	ctx, span := telemetry.Tracer("boxlite").Start(ctx, "Box.Start", trace.WithAttributes(telemetry.BoxAttr(b.id)))
	defer span.End()
	ctrl, rec, err := b.resolve()
	if err != nil {
		return err
	}
	spec, layerDigests, boxDir, err := b.buildVMSpec(ctx, rec)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx, spec, layerDigests, boxDir); err != nil {
		return translateErr(err)
	}
	b.syncSSHConfig(rec)
	return nil
}

// syncSSHConfig upserts an ssh_config Host alias for the first forwarded
// port targeting the guest's sshd, so `ssh <name>.box` works without
// the operator tracking the host port themselves. Best-effort: a
// failure here is logged, not surfaced, since it never affects the
// box's own lifecycle.
func (b *Box) syncSSHConfig(rec store.BoxRecord) {
	if rec.Config.Name == "" || b.rt.ssh == nil {
		return
	}
	for _, p := range rec.Config.Ports {
		if p.GuestPort == 22 && strings.EqualFold(p.Proto, "tcp") {
			if err := b.rt.ssh.Upsert(rec.Config.Name, p.HostPort, rec.Config.User); err != nil {
				b.rt.log.Warn("sshconfig: upsert failed", "box", rec.Config.Name, "err", err)
			}
			return
		}
	}
}

// Exec opens a new execution stream inside the running box.
func (b *Box) Exec(ctx context.Context, cmd []string, opts ...ExecOption) (*Execution, error) {
	ctx, span := telemetry.Tracer("boxlite").Start(ctx, "Box.Exec", trace.WithAttributes(telemetry.BoxAttr(b.id)))
	defer span.End()
	ctrl, _, err := b.resolve()
	if err != nil {
		return nil, err
	}
	spec := controller.ExecSpec{Cmd: cmd}
	for _, o := range opts {
		o(&spec)
	}
	cex, err := ctrl.Exec(ctx, spec)
	if err != nil {
		return nil, translateErr(err)
	}
	return &Execution{inner: cex}, nil
}

// ExecOption customizes an Exec call.
type ExecOption func(*controller.ExecSpec)

// WithUser runs the command as user inside the guest.
func WithUser(user string) ExecOption {
	return func(s *controller.ExecSpec) { s.User = user }
}

// WithEnv adds extra environment variables for this exec only.
func WithEnv(env []EnvVar) ExecOption {
	return func(s *controller.ExecSpec) { s.Env = toStoreEnv(env) }
}

// WithTTY requests a pseudo-terminal for this exec.
func WithTTY() ExecOption {
	return func(s *controller.ExecSpec) { s.TTY = true }
}

// Stop drains executions, signals the guest init, waits timeout, then
// force-shuts the engine down.
func (b *Box) Stop(ctx context.Context, timeout time.Duration) error {
	ctx, span := telemetry.Tracer("boxlite").Start(ctx, "Box.Stop", trace.WithAttributes(telemetry.BoxAttr(b.id)))
	defer span.End()
	ctrl, _, err := b.resolve()
	if err != nil {
		return err
	}
	if err := ctrl.Stop(ctx, timeout); err != nil {
		return translateErr(err)
	}
	rec, gerr := b.rt.meta.GetBox(ctx, b.id)
	if gerr == nil && b.rt.ssh != nil {
		if err := b.rt.ssh.Remove(rec.Config.Name); err != nil {
			b.rt.log.Warn("sshconfig: remove failed", "box", rec.Config.Name, "err", err)
		}
	}
	if gerr == nil && rec.Config.AutoRemove {
		// auto_remove fires on any terminal transition except Unhealthy,
		// which requires an explicit remove (spec.md §9).
		return b.Remove(ctx, false, timeout)
	}
	return nil
}

// Restart is Start following a completed Stop; disk and upper dir are
// preserved.
func (b *Box) Restart(ctx context.Context) error {
	ctrl, rec, err := b.resolve()
	if err != nil {
		return err
	}
	spec, layerDigests, boxDir, err := b.buildVMSpec(ctx, rec)
	if err != nil {
		return err
	}
	if err := ctrl.Restart(ctx, spec, layerDigests, boxDir); err != nil {
		return translateErr(err)
	}
	b.syncSSHConfig(rec)
	return nil
}

// Remove stops a running box when force is set, then deletes its
// metadata and box directory.
func (b *Box) Remove(ctx context.Context, force bool, timeout time.Duration) error {
	ctrl, rec, err := b.resolve()
	if err != nil {
		return err
	}
	if err := ctrl.Remove(ctx, force, timeout); err != nil {
		return translateErr(err)
	}
	if err := b.rt.meta.DeleteBox(ctx, b.id, rec.Config.Name); err != nil {
		return translateErr(err)
	}
	if b.rt.ssh != nil {
		if err := b.rt.ssh.Remove(rec.Config.Name); err != nil {
			b.rt.log.Warn("sshconfig: remove failed", "box", rec.Config.Name, "err", err)
		}
	}
	b.rt.mu.Lock()
	delete(b.rt.controllers, b.id)
	delete(b.rt.records, b.id)
	b.rt.mu.Unlock()
	return nil
}

// Info returns the box's current persisted record as a BoxInfo summary.
func (b *Box) Info(ctx context.Context) (BoxInfo, error) {
	b.rt.mu.RLock()
	down := b.rt.shutdown
	b.rt.mu.RUnlock()
	if down {
		return BoxInfo{}, ErrShutdown
	}
	rec, err := b.rt.meta.GetBox(ctx, b.id)
	if err != nil {
		return BoxInfo{}, translateErr(err)
	}
	return BoxInfo{
		ID:         rec.Config.ID,
		Name:       rec.Config.Name,
		ImageRef:   rec.Config.ImageRef,
		State:      string(rec.State.State),
		StopReason: string(rec.State.StopReason),
		CreatedAt:  rec.Config.CreatedAt,
	}, nil
}

// BoxMetrics is a best-effort per-box resource snapshot.
type BoxMetrics struct {
	State string
}

// Metrics returns a best-effort snapshot; precision depends on the
// hypervisor backend (spec.md §9).
func (b *Box) Metrics(ctx context.Context) (BoxMetrics, error) {
	ctrl, _, err := b.resolve()
	if err != nil {
		return BoxMetrics{}, err
	}
	return BoxMetrics{State: string(ctrl.State())}, nil
}
