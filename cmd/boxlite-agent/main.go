// Command boxlite-agent is the guest-side init process that binds the
// well-known Portal vsock port and executes commands on boxlited's
// behalf, per spec.md §4.4/§4.5. It is the vminit analogue in this repo:
// the teacher's vminit binary speaks DNS/eBPF/netlink to manage the
// guest's network namespace; this agent instead speaks only the Portal
// framing defined in internal/portal, since network setup here is the
// hypervisor/netadapt's job, not the guest's.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/banksean/boxlite/internal/config"
	"github.com/banksean/boxlite/internal/portal"
)

// defaultVsockPort must match runtime.go's defaultVsockPort: the host
// dials this port on the box's vsock CID to reach this agent.
const defaultVsockPort = 9000

func main() {
	level := config.LevelFromEnv()
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if pub := os.Getenv("BOXLITE_HOST_PUBKEY"); pub != "" {
		log.Info("host identity pinned for this boot", "pubkey", pub)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ln, err := portal.ListenGuest(defaultVsockPort)
	if err != nil {
		log.Error("vsock listen failed", "err", err)
		os.Exit(1)
	}
	defer ln.Close()
	log.Info("boxlite-agent listening", "port", defaultVsockPort)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("vsock accept failed", "err", err)
			continue
		}
		a := &agent{log: log}
		go a.serve(ctx, conn)
	}
}

// agent drives one host connection's worth of exec requests. A box's
// guest runs exactly one boxlited portal session at a time, per spec.md
// §3's I4 invariant (one live Engine, one live Portal session per
// running box).
type agent struct {
	log *slog.Logger
}

func (a *agent) serve(ctx context.Context, conn io.ReadWriteCloser) {
	sess := portal.NewSession(conn, a.log)
	sess.OnControl(portal.TypeOpenExec, func(f portal.Frame) {
		go a.handleOpenExec(sess, f)
	})
	sess.OnControl(portal.TypeSignal, func(f portal.Frame) {
		a.handleSignal(f)
	})
	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("portal session ended", "err", err)
	}
}

// running tracks in-flight execs so Signal frames (sent against an
// exec's primary stream id) can be delivered to the right process.
var running = newProcTable()

func (a *agent) handleOpenExec(sess *portal.Session, f portal.Frame) {
	req, err := portal.DecodeOpenExec(f.Payload)
	if err != nil {
		a.log.Error("malformed OpenExec", "err", err)
		return
	}
	if len(req.Cmd) == 0 {
		a.sendExit(sess, req, 126, false)
		return
	}

	stdout := sess.OpenStreamID(req.StdoutID, portal.TypeStdoutChunk)
	stderr := sess.OpenStreamID(req.StderrID, portal.TypeStderrChunk)
	stdin := sess.OpenStreamID(req.StdinID, portal.TypeStdin)

	cmd := exec.Command(req.Cmd[0], req.Cmd[1:]...)
	cmd.Env = buildEnv(req)
	if cred, err := credentialFor(req.User); err == nil && cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	var exitCode int32
	var signaled bool

	if req.TTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			a.log.Error("pty start failed", "err", err)
			a.sendExit(sess, req, 126, false)
			return
		}
		defer ptmx.Close()
		if w, h, err := term.GetSize(int(ptmx.Fd())); err == nil {
			pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(h), Cols: uint16(w)})
		}
		running.put(req.StdoutID, cmd)
		go io.Copy(ptmx, stdin)
		go io.Copy(stdout, ptmx)
		go io.Copy(stderr, ptmx)
		exitCode, signaled = waitResult(cmd.Wait())
	} else {
		cmd.Stdin = stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Start(); err != nil {
			a.log.Error("exec start failed", "err", err, "cmd", req.Cmd)
			a.sendExit(sess, req, 127, false)
			return
		}
		running.put(req.StdoutID, cmd)
		exitCode, signaled = waitResult(cmd.Wait())
	}

	running.delete(req.StdoutID)
	a.sendExit(sess, req, exitCode, signaled)
}

func (a *agent) handleSignal(f portal.Frame) {
	if len(f.Payload) < 4 {
		return
	}
	sig := int32(f.Payload[0]) | int32(f.Payload[1])<<8 | int32(f.Payload[2])<<16 | int32(f.Payload[3])<<24
	cmd, ok := running.get(f.StreamID)
	if !ok || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.Signal(sig))
}

// sendExit closes out an exec's three streams: empty Exit frames for
// stdin/stderr so the host's readers see EOF, then the primary stdout
// Exit frame carrying the real exit status, which is what the host's
// Execution.Wait is keyed on.
func (a *agent) sendExit(sess *portal.Session, req portal.OpenExecRequest, code int32, signaled bool) {
	sess.SendFrame(portal.Frame{Type: portal.TypeExit, StreamID: req.StderrID})
	sess.SendFrame(portal.Frame{Type: portal.TypeExit, StreamID: req.StdinID})
	sess.SendFrame(portal.Frame{Type: portal.TypeExit, StreamID: req.StdoutID, Payload: portal.EncodeExit(code, signaled)})
}

func waitResult(err error) (code int32, signaled bool) {
	if err == nil {
		return 0, false
	}
	var ee *exec.ExitError
	if ok := asExitError(err, &ee); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return int32(128 + ws.Signal()), true
			}
			return int32(ws.ExitStatus()), false
		}
		return int32(ee.ExitCode()), false
	}
	return 1, false
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

func buildEnv(req portal.OpenExecRequest) []string {
	env := os.Environ()
	for _, e := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", e.Key, e.Value))
	}
	return env
}
