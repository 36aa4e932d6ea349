// Package controller implements C7: one state machine and operation
// queue per box. It owns the box's engine handle, portal session, and
// exec multiplexing, grounded on box.go's per-container methods
// (CreateContainer/StartContainer/Shell/Exec) generalized from shelling
// out to the apple container CLI to driving internal/engine and
// internal/portal directly, and on pool/containerpool.go's
// channel-based resource idiom, adapted from a pool of containers to a
// per-box mutex that runs one lifecycle operation at a time. Operations
// waiting on that mutex are not guaranteed to run in arrival order.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/banksean/boxlite/internal/engine"
	"github.com/banksean/boxlite/internal/imagestore"
	"github.com/banksean/boxlite/internal/netadapt"
	"github.com/banksean/boxlite/internal/portal"
	"github.com/banksean/boxlite/internal/store"
)

// session is the subset of *portal.Session a Controller depends on,
// narrowed so tests can substitute a fake guest without a real vsock
// connection.
type session interface {
	OpenStream(kind portal.Type) *portal.Stream
	SendFrame(f portal.Frame) error
	Signal(ctx context.Context, streamID uint64, signal int32, kill func()) error
	Run(ctx context.Context) error
	Close() error
}

// Config wires a Controller to its dependencies. OpenSession defaults to
// dialing the engine handle's vsock port via portal.NewSession; tests
// override it to avoid a real hypervisor.
type Config struct {
	BoxID     string
	HomeDir   string
	VsockPort uint32
	Meta      *store.Store
	Images    *imagestore.Store
	Net       *netadapt.Adaptor
	Engine    engine.Engine
	Log       *slog.Logger

	OpenSession func(ctx context.Context, h engine.Handle) (session, error)
}

// Controller drives one box through Created/Running/Stopping/Stopped/
// Unhealthy/Removed, per spec.md §4.7.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      store.BoxState
	handle     engine.Handle
	sess       session
	generation int
	execs      map[uint64]*Execution

	opMu sync.Mutex // serializes start/stop/restart/remove; waiters are not ordered by arrival

	sessionCtx    context.Context
	sessionCancel context.CancelFunc
}

// New constructs a Controller for an already-persisted box record whose
// current state is initial (typically store.StateCreated or
// store.StateStopped on daemon restart).
func New(cfg Config, initial store.BoxState) *Controller {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:   cfg,
		log:   log.With("box_id", cfg.BoxID),
		state: initial,
		execs: make(map[uint64]*Execution),
	}
	if c.cfg.OpenSession == nil {
		c.cfg.OpenSession = c.defaultOpenSession
	}
	return c
}

func (c *Controller) defaultOpenSession(ctx context.Context, h engine.Handle) (session, error) {
	rw, err := c.cfg.Engine.OpenVsock(ctx, h, c.cfg.VsockPort)
	if err != nil {
		return nil, fmt.Errorf("controller: open vsock: %w", err)
	}
	return portal.NewSession(rw, c.log), nil
}

// State returns the box's current state under lock.
func (c *Controller) State() store.BoxState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(ctx context.Context, s store.BoxState, reason store.StopReason) {
	c.mu.Lock()
	c.state = s
	var pid int
	if c.handle != nil {
		pid = c.handle.Pid()
	}
	c.mu.Unlock()
	if c.cfg.Meta != nil {
		if err := c.cfg.Meta.UpdateBoxState(ctx, c.cfg.BoxID, store.BoxDynamicState{
			State:      s,
			StopReason: reason,
			EnginePID:  pid,
			UpdatedAt:  time.Now(),
		}); err != nil {
			c.log.Error("persist state transition failed", "state", s, "err", err)
		}
	}
	c.log.Info("state transition", "state", s, "reason", reason)
}

// Start assembles the rootfs, launches the engine, and opens the portal
// session. Idempotent when already Running.
func (c *Controller) Start(ctx context.Context, spec engine.VMSpec, layerDigests []string, boxDir string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() == store.StateRunning {
		return nil // idempotent no-op, per spec.md §4.6
	}
	if s := c.State(); s != store.StateCreated && s != store.StateStopped {
		return &StateError{Op: "start", State: string(s)}
	}

	if c.cfg.Images != nil {
		lower, upper, err := c.cfg.Images.AssembleRootfs(ctx, layerDigests, boxDir)
		if err != nil {
			return fmt.Errorf("controller: assemble rootfs: %w", err)
		}
		spec.RootfsLower, spec.RootfsUpper = lower, upper
	}

	identity, err := portal.LoadOrCreateHostIdentity(boxDir)
	if err != nil {
		return fmt.Errorf("controller: host identity: %w", err)
	}
	spec.Env = append(spec.Env, "BOXLITE_HOST_PUBKEY="+string(identity.AuthorizedKey))

	h, err := c.cfg.Engine.Prepare(ctx, spec)
	if err != nil {
		return fmt.Errorf("controller: engine prepare: %w", err)
	}
	if err := c.cfg.Engine.Start(ctx, h); err != nil {
		return fmt.Errorf("controller: engine start: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess, err := c.cfg.OpenSession(sessCtx, h)
	if err != nil {
		cancel()
		c.cfg.Engine.Kill(ctx, h)
		return fmt.Errorf("controller: open portal session: %w", err)
	}

	c.mu.Lock()
	c.handle = h
	c.sess = sess
	c.generation++
	c.sessionCtx = sessCtx
	c.sessionCancel = cancel
	c.mu.Unlock()

	go func() {
		err := sess.Run(sessCtx)
		if err != nil && sessCtx.Err() == nil {
			c.log.Warn("portal session aborted", "err", err)
			c.markUnhealthy(context.Background())
		}
	}()

	if c.cfg.Net != nil && len(spec.Ports) > 0 {
		forwards := make([]netadapt.PortForward, len(spec.Ports))
		for i, p := range spec.Ports {
			forwards[i] = netadapt.PortForward{BoxID: c.cfg.BoxID, HostPort: p.HostPort, GuestPort: p.GuestPort, Proto: p.Proto}
		}
		c.cfg.Net.AddForwards(c.cfg.BoxID, forwards)
	}

	c.setState(ctx, store.StateRunning, "")
	return nil
}

func (c *Controller) markUnhealthy(ctx context.Context) {
	c.setState(ctx, store.StateUnhealthy, "")
}

// Stop drains in-flight executions, signals the guest init process, and
// shuts the engine down within timeout.
func (c *Controller) Stop(ctx context.Context, timeout time.Duration) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	s := c.State()
	if s == store.StateStopped || s == store.StateCreated {
		return nil
	}
	if s != store.StateRunning && s != store.StateUnhealthy {
		return &StateError{Op: "stop", State: string(s)}
	}
	c.setState(ctx, store.StateStopping, "")

	c.mu.Lock()
	sess := c.sess
	handle := c.handle
	cancel := c.sessionCancel
	c.mu.Unlock()

	if sess != nil {
		// Signal every live exec's guest process, then fall through to a
		// hard engine shutdown regardless of whether they exit in time.
		c.mu.Lock()
		for _, ex := range c.execs {
			ex.signalTerm(ctx)
		}
		c.mu.Unlock()
		sess.Close()
	}
	if cancel != nil {
		cancel()
	}

	reason := store.StopReasonClean
	if handle != nil {
		if err := c.cfg.Engine.Shutdown(ctx, handle, timeout); err != nil {
			c.log.Warn("engine shutdown error, killing", "err", err)
			c.cfg.Engine.Kill(ctx, handle)
			reason = store.StopReasonKilled
		}
	}

	if c.cfg.Net != nil {
		c.cfg.Net.RemoveForwards(c.cfg.BoxID)
	}

	c.mu.Lock()
	for id, ex := range c.execs {
		ex.fail(&PortalResetError{BoxID: c.cfg.BoxID})
		delete(c.execs, id)
	}
	c.sess = nil
	c.handle = nil
	c.mu.Unlock()

	c.setState(ctx, store.StateStopped, reason)
	return nil
}

// Restart is Start following a completed Stop; disk and upper dir are
// preserved because AssembleRootfs/boxDir are caller-supplied and not
// recreated here.
func (c *Controller) Restart(ctx context.Context, spec engine.VMSpec, layerDigests []string, boxDir string) error {
	if s := c.State(); s != store.StateStopped {
		return &StateError{Op: "restart", State: string(s)}
	}
	return c.Start(ctx, spec, layerDigests, boxDir)
}

// Remove stops a running box when force is set, then reports readiness
// for the caller to delete its metadata and directory. Controller itself
// holds no filesystem/metadata ownership beyond the engine/portal
// resources it started.
func (c *Controller) Remove(ctx context.Context, force bool, timeout time.Duration) error {
	s := c.State()
	if s == store.StateRunning || s == store.StateUnhealthy {
		if !force {
			return &StateError{Op: "remove", State: string(s)}
		}
		if err := c.Stop(ctx, timeout); err != nil {
			return err
		}
	}
	c.setState(ctx, store.StateRemoved, store.StopReasonClean)
	return nil
}
