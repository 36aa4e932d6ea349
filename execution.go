package boxlite

import (
	"context"
	"io"

	"github.com/banksean/boxlite/internal/controller"
)

// ExecResult is the outcome of a completed Execution.
type ExecResult struct {
	ExitCode int32
	Signaled bool
}

// Execution is a running or finished command inside a box, per spec.md
// §4.6. Stdout/stderr are lazy finite byte streams; Stdin is valid until
// the command exits.
type Execution struct {
	inner *controller.Execution
}

// Stdout returns the command's standard output as a pull stream.
func (e *Execution) Stdout() io.Reader { return e.inner.Stdout() }

// Stderr returns the command's standard error as a pull stream.
func (e *Execution) Stderr() io.Reader { return e.inner.Stderr() }

// Stdin returns a write handle for the command's standard input, valid
// until the command exits.
func (e *Execution) Stdin() io.Writer { return e.inner.Stdin() }

// Wait blocks until the command exits or ctx is cancelled. Calling Wait
// again after the command already exited returns the cached result.
func (e *Execution) Wait(ctx context.Context) (ExecResult, error) {
	res, err := e.inner.Wait(ctx)
	if err != nil {
		return ExecResult{}, translateErr(err)
	}
	return ExecResult{ExitCode: res.ExitCode, Signaled: res.Signaled}, nil
}

// Kill sends signal to the running command, escalating to SIGKILL after
// portal.KillGrace if it has not exited by then.
func (e *Execution) Kill(ctx context.Context, signal int32) error {
	const sigkill = 9
	hardKill := func() { e.inner.Kill(context.Background(), sigkill, nil) }
	if err := e.inner.Kill(ctx, signal, hardKill); err != nil {
		return translateErr(err)
	}
	return nil
}
