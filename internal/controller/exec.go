package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/banksean/boxlite/internal/portal"
	"github.com/banksean/boxlite/internal/store"
)

// ExecSpec describes a command to run inside a running box.
type ExecSpec struct {
	Cmd  []string
	Env  []store.EnvVar
	User string
	TTY  bool
}

// ExecResult is the outcome of a completed Execution, per spec.md §4.6's
// wait() -> {exit_code, signaled?} contract.
type ExecResult struct {
	ExitCode int32
	Signaled bool
}

// Execution is one multiplexed command running inside a box's guest
// agent. Stdout/stderr are lazy finite byte streams; Stdin is a write
// handle valid until the process exits.
type Execution struct {
	id     uint64
	sess   session
	stdin  *portal.Stream
	stdout *portal.Stream
	stderr *portal.Stream

	mu     sync.Mutex
	done   bool
	result ExecResult
	err    error
	doneCh chan struct{}
}

// Stdin returns the write handle for the command's standard input.
func (e *Execution) Stdin() *portal.Stream { return e.stdin }

// Stdout returns the lazy read stream for standard output.
func (e *Execution) Stdout() *portal.Stream { return e.stdout }

// Stderr returns the lazy read stream for standard error.
func (e *Execution) Stderr() *portal.Stream { return e.stderr }

// Wait blocks until the command exits or ctx is cancelled. Calling Wait
// again after the command has already exited returns the cached result
// immediately, per spec.md §4.6.
func (e *Execution) Wait(ctx context.Context) (ExecResult, error) {
	select {
	case <-e.doneCh:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.result, e.err
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}
}

// Kill sends signal to the running command and, when hardKill is
// non-nil, calls hardKill after KillGrace if it has not exited by then.
func (e *Execution) Kill(ctx context.Context, signal int32, hardKill func()) error {
	return e.sess.Signal(ctx, e.id, signal, hardKill)
}

func (e *Execution) signalTerm(ctx context.Context) {
	const sigterm = 15
	e.sess.Signal(ctx, e.id, sigterm, nil)
}

func (e *Execution) finish(res ExecResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.result = res
	close(e.doneCh)
}

func (e *Execution) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.err = err
	close(e.doneCh)
}

// Exec opens a new exec stream on the box's portal session and returns
// an Execution the caller can read/write/wait on. Forbidden unless the
// box is Running, per spec.md §4.6's pre-state table.
func (c *Controller) Exec(ctx context.Context, spec ExecSpec) (*Execution, error) {
	c.mu.Lock()
	if c.state != store.StateRunning {
		state := c.state
		c.mu.Unlock()
		return nil, &StateError{Op: "exec", State: string(state)}
	}
	sess := c.sess
	generation := c.generation
	c.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("controller: no active portal session")
	}

	stdin := sess.OpenStream(portal.TypeStdin)
	stdout := sess.OpenStream(portal.TypeStdoutChunk)
	stderr := sess.OpenStream(portal.TypeStderrChunk)

	env := make([]portal.EnvPair, len(spec.Env))
	for i, e := range spec.Env {
		env[i] = portal.EnvPair{Key: e.Key, Value: e.Value}
	}
	payload := portal.EncodeOpenExec(portal.OpenExecRequest{
		StdoutID: stdout.ID(),
		StderrID: stderr.ID(),
		StdinID:  stdin.ID(),
		TTY:      spec.TTY,
		User:     spec.User,
		Env:      env,
		Cmd:      spec.Cmd,
	})
	if err := sess.SendFrame(portal.Frame{Type: portal.TypeOpenExec, StreamID: stdout.ID(), Payload: payload}); err != nil {
		return nil, fmt.Errorf("controller: send OpenExec: %w", err)
	}

	ex := &Execution{
		id:     stdout.ID(),
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		doneCh: make(chan struct{}),
	}

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return nil, &PortalResetError{BoxID: c.cfg.BoxID}
	}
	c.execs[ex.id] = ex
	c.mu.Unlock()

	go c.watchExit(ex)

	return ex, nil
}

func (c *Controller) watchExit(ex *Execution) {
	ctx := context.Background()
	if err := ex.stdout.Wait(ctx); err != nil {
		ex.fail(err)
	} else {
		code, signaled := portal.DecodeExit(ex.stdout.ExitPayload())
		ex.finish(ExecResult{ExitCode: code, Signaled: signaled})
	}
	c.mu.Lock()
	delete(c.execs, ex.id)
	c.mu.Unlock()
}
