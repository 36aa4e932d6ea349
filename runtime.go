// Package boxlite is the public API surface (C9): Runtime, Box, and
// Execution handle types over the internal components. Grounded on
// boxer.go's Boxer (sandBoxes map[string]*Box, NewSandbox, Cleanup) for
// the registry/create/cleanup shape, and mux_server.go's Shutdown
// (freeze, broadcast, join, release lock) for the shutdown pipeline.
package boxlite

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banksean/boxlite/internal/config"
	"github.com/banksean/boxlite/internal/controller"
	"github.com/banksean/boxlite/internal/engine"
	_ "github.com/banksean/boxlite/internal/engine/hvf"
	_ "github.com/banksean/boxlite/internal/engine/kvm"
	"github.com/banksean/boxlite/internal/idgen"
	"github.com/banksean/boxlite/internal/imagestore"
	"github.com/banksean/boxlite/internal/netadapt"
	"github.com/banksean/boxlite/internal/sshconfig"
	"github.com/banksean/boxlite/internal/store"
	"github.com/banksean/boxlite/internal/telemetry"
)

// Blank imports above register the kvm and hvf engine backends with
// internal/engine's database/sql-style registry; exactly one constructs
// successfully on a given GOOS/GOARCH, mirroring how sql.Open selects
// among self-registered drivers.

// Runtime is the process-wide registry of boxes: one per process is
// recommended, per spec.md §4.8. Zero value is not usable; construct
// with Open.
type Runtime struct {
	homeDir    string
	registries []string
	log        *slog.Logger

	meta   *store.Store
	images *imagestore.Store
	net    *netadapt.Adaptor
	eng    engine.Engine
	ssh    *sshconfig.Manager

	tracerShutdown telemetry.Shutdown

	mu          sync.RWMutex
	controllers map[string]*controller.Controller
	records     map[string]store.BoxRecord
	shutdown    bool

	vsockCID atomic.Uint32
}

// Open resolves home/registries (falling back to config.ResolveHome and
// a single "docker.io" default registry), opens the metadata and image
// stores, selects an engine backend, starts the network helper, and
// reconciles crash recovery, per spec.md §4.1's startup rule.
func Open(ctx context.Context, opts RuntimeOptions) (*Runtime, error) {
	home := opts.HomeDir
	if home == "" {
		h, err := config.ResolveHome()
		if err != nil {
			return nil, translateErr(fmt.Errorf("storage: %w", err))
		}
		home = h
	}
	registries := opts.Registries
	if len(registries) == 0 {
		registries = []string{"docker.io"}
	}

	log, err := config.NewLogger(home, config.LevelFromEnv())
	if err != nil {
		return nil, translateErr(fmt.Errorf("storage: %w", err))
	}

	tracerShutdown, err := telemetry.Init(ctx, "boxlite-runtime")
	if err != nil {
		return nil, translateErr(fmt.Errorf("storage: %w", err))
	}

	meta, err := store.Open(home)
	if err != nil {
		return nil, translateErr(err)
	}
	images, err := imagestore.New(meta, home)
	if err != nil {
		meta.Close()
		return nil, translateErr(err)
	}

	eng, err := engine.Select()
	if err != nil {
		meta.Close()
		return nil, &Error{Kind: KindUnsupportedEngine, Message: err.Error(), Err: err}
	}

	net, err := netadapt.New(home, "", 0)
	if err != nil {
		meta.Close()
		return nil, translateErr(fmt.Errorf("network: %w", err))
	}
	if err := net.Start(ctx); err != nil {
		meta.Close()
		return nil, translateErr(fmt.Errorf("network: %w", err))
	}

	rt := &Runtime{
		homeDir:        home,
		registries:     registries,
		log:            log,
		meta:           meta,
		images:         images,
		net:            net,
		eng:            eng,
		ssh:            sshconfig.NewManager(home),
		tracerShutdown: tracerShutdown,
		controllers:    make(map[string]*controller.Controller),
		records:        make(map[string]store.BoxRecord),
	}
	net.OnCrash(func(boxIDs []string) {
		rt.markUnhealthy(boxIDs)
	})

	if err := rt.recover(ctx); err != nil {
		log.Error("crash recovery failed", "err", err)
	}

	return rt, nil
}

func (rt *Runtime) markUnhealthy(boxIDs []string) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, id := range boxIDs {
		if rec, ok := rt.records[id]; ok {
			rec.State.State = store.StateUnhealthy
			rt.meta.UpdateBoxState(context.Background(), id, rec.State)
		}
	}
}

// recover loads persisted boxes, runs C2's crash-recovery sweep, and
// builds an idle Controller for every box so Get/List work immediately.
func (rt *Runtime) recover(ctx context.Context) error {
	if _, err := rt.meta.ReconcileCrashRecovery(ctx, store.PidAlive); err != nil {
		return err
	}
	recs, err := rt.meta.ListBoxes(ctx)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, rec := range recs {
		rt.records[rec.Config.ID] = rec
		rt.controllers[rec.Config.ID] = controller.New(controller.Config{
			BoxID:     rec.Config.ID,
			HomeDir:   rt.homeDir,
			VsockPort: defaultVsockPort,
			Meta:      rt.meta,
			Images:    rt.images,
			Net:       rt.net,
			Engine:    rt.eng,
			Log:       rt.log,
		}, rec.State.State)
	}
	return nil
}

const defaultVsockPort = 9000

// boxDir returns $HOME/boxes/<id>.
func (rt *Runtime) boxDir(id string) string {
	return filepath.Join(rt.homeDir, "boxes", id)
}

// Create runs the create pipeline from spec.md §4.7: validate options,
// resolve the image, reserve name and ports, persist a Created record,
// and optionally start. Any failure rolls back prior steps in reverse
// order.
func (rt *Runtime) Create(ctx context.Context, opts BoxOptions) (*Box, error) {
	ctx, span := telemetry.Tracer("boxlite").Start(ctx, "Runtime.Create")
	defer span.End()

	rt.mu.RLock()
	down := rt.shutdown
	rt.mu.RUnlock()
	if down {
		return nil, ErrShutdown
	}

	if opts.Name == "" {
		opts.Name = defaultName()
	}
	if err := opts.Validate(HostCPUs()); err != nil {
		return nil, translateErr(err)
	}

	normalized, err := normalizeImageRef(opts.Image, rt.registries)
	if err != nil {
		return nil, translateErr(err)
	}
	opts.Image = normalized

	for _, p := range opts.Ports {
		proto := string(p.Proto)
		if err := netadapt.TryReserveHostPort(p.HostPort, proto); err != nil {
			return nil, translateErr(fmt.Errorf("network: %w", err))
		}
	}

	img, err := rt.images.EnsureImage(ctx, opts.Image, "")
	if err != nil {
		return nil, translateErr(err)
	}

	id := idgen.NewBoxID()
	span.SetAttributes(telemetry.BoxAttr(id))
	rec := store.BoxRecord{
		Config: store.BoxConfig{
			ID:          id,
			Name:        opts.Name,
			ImageRef:    opts.Image,
			ImageDigest: img.Digest,
			CPUs:        opts.CPUs,
			MemoryMiB:   opts.MemoryMiB,
			DiskSizeGB:  opts.DiskSizeGB,
			WorkingDir:  opts.WorkingDir,
			Env:         toStoreEnv(opts.Env),
			Volumes:     toStoreVolumes(opts.Volumes),
			Ports:       toStorePorts(opts.Ports),
			User:        opts.User,
			Cmd:         opts.Cmd,
			AutoRemove:  opts.AutoRemove,
			CreatedAt:   time.Now(),
		},
		State:     store.BoxDynamicState{State: store.StateCreated, UpdatedAt: time.Now()},
		CreatedAt: time.Now(),
	}

	if err := rt.meta.CreateBox(ctx, rec); err != nil {
		return nil, translateErr(err)
	}

	ctrl := controller.New(controller.Config{
		BoxID:     id,
		HomeDir:   rt.homeDir,
		VsockPort: defaultVsockPort,
		Meta:      rt.meta,
		Images:    rt.images,
		Net:       rt.net,
		Engine:    rt.eng,
		Log:       rt.log,
	}, store.StateCreated)

	rt.mu.Lock()
	rt.controllers[id] = ctrl
	rt.records[id] = rec
	rt.mu.Unlock()

	box := &Box{id: id, rt: rt}

	if opts.StartOnCreate {
		if err := box.Start(ctx); err != nil {
			rt.mu.Lock()
			delete(rt.controllers, id)
			delete(rt.records, id)
			rt.mu.Unlock()
			rt.meta.DeleteBox(ctx, id, opts.Name)
			return nil, err
		}
	}

	return box, nil
}

func toStoreEnv(in []EnvVar) []store.EnvVar {
	out := make([]store.EnvVar, len(in))
	for i, e := range in {
		out[i] = store.EnvVar{Key: e.Key, Value: e.Value}
	}
	return out
}

func toStoreVolumes(in []VolumeMount) []store.Volume {
	out := make([]store.Volume, len(in))
	for i, v := range in {
		out[i] = store.Volume{HostPath: v.HostPath, GuestPath: v.GuestPath, ReadOnly: v.Mode == MountReadOnly}
	}
	return out
}

func toStorePorts(in []PortForward) []store.Port {
	out := make([]store.Port, len(in))
	for i, p := range in {
		out[i] = store.Port{HostPort: p.HostPort, GuestPort: p.GuestPort, Proto: string(p.Proto)}
	}
	return out
}

// Get resolves a box by id, name, or unique id prefix. Per spec.md §3,
// external Box handles are weak references by id.
func (rt *Runtime) Get(ctx context.Context, idOrName string) (*Box, error) {
	rt.mu.RLock()
	down := rt.shutdown
	rt.mu.RUnlock()
	if down {
		return nil, ErrShutdown
	}
	rec, err := rt.meta.GetBox(ctx, idOrName)
	if err != nil {
		return nil, translateErr(err)
	}
	return &Box{id: rec.Config.ID, rt: rt}, nil
}

// BoxInfo is the read-only summary List/Info return.
type BoxInfo struct {
	ID         string
	Name       string
	ImageRef   string
	State      string
	StopReason string
	CreatedAt  time.Time
}

// List returns a summary of every box this runtime's metadata store
// knows about, regardless of in-memory controller state.
func (rt *Runtime) List(ctx context.Context) ([]BoxInfo, error) {
	rt.mu.RLock()
	down := rt.shutdown
	rt.mu.RUnlock()
	if down {
		return nil, ErrShutdown
	}
	recs, err := rt.meta.ListBoxes(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]BoxInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, BoxInfo{
			ID:         r.Config.ID,
			Name:       r.Config.Name,
			ImageRef:   r.Config.ImageRef,
			State:      string(r.State.State),
			StopReason: string(r.State.StopReason),
			CreatedAt:  r.Config.CreatedAt,
		})
	}
	return out, nil
}

// RuntimeMetrics is a best-effort aggregate, per spec.md §9's note that
// metrics precision depends on the hypervisor.
type RuntimeMetrics struct {
	TotalBoxes   int
	RunningBoxes int
}

func (rt *Runtime) Metrics(ctx context.Context) (RuntimeMetrics, error) {
	rt.mu.RLock()
	down := rt.shutdown
	rt.mu.RUnlock()
	if down {
		return RuntimeMetrics{}, ErrShutdown
	}
	recs, err := rt.meta.ListBoxes(ctx)
	if err != nil {
		return RuntimeMetrics{}, translateErr(err)
	}
	m := RuntimeMetrics{TotalBoxes: len(recs)}
	for _, r := range recs {
		if r.State.State == store.StateRunning {
			m.RunningBoxes++
		}
	}
	return m, nil
}

// Shutdown freezes new creates, broadcasts stop(timeout) to all
// controllers in parallel, joins them, stops the network helper, and
// releases the home lock. After Shutdown returns, every API call on
// this Runtime (and on handles obtained from it) returns Shutdown.
func (rt *Runtime) Shutdown(ctx context.Context, timeout time.Duration) error {
	rt.mu.Lock()
	if rt.shutdown {
		rt.mu.Unlock()
		return nil
	}
	rt.shutdown = true
	ctrls := make([]*controller.Controller, 0, len(rt.controllers))
	for _, c := range rt.controllers {
		ctrls = append(ctrls, c)
	}
	rt.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range ctrls {
		wg.Add(1)
		go func(c *controller.Controller) {
			defer wg.Done()
			if c.State() == store.StateRunning || c.State() == store.StateUnhealthy {
				if err := c.Stop(ctx, timeout); err != nil {
					rt.log.Warn("shutdown: stop failed", "err", err)
				}
			}
		}(c)
	}
	wg.Wait()

	if rt.net != nil {
		rt.net.Stop()
	}
	if rt.meta != nil {
		rt.meta.Close()
	}
	if rt.tracerShutdown != nil {
		rt.tracerShutdown(ctx)
	}
	return nil
}
