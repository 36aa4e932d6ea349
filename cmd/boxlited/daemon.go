package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banksean/boxlite"
	"github.com/banksean/boxlite/internal/version"
)

const shutdownGrace = 30 * time.Second

// daemon owns one boxlite.Runtime and exposes its status over a Unix
// socket, mirroring mux_server.go's Mux: a flock'd lock file guards
// against two daemons sharing a home dir, and the listener is torn down
// on SIGTERM/SIGINT or a /shutdown POST.
type daemon struct {
	rt         *boxlite.Runtime
	home       string
	socketPath string
	log        *slog.Logger

	listener net.Listener
	lockFile *os.File
	done     chan struct{}
}

func newDaemon(rt *boxlite.Runtime, home, socketPath string, log *slog.Logger) *daemon {
	return &daemon{rt: rt, home: home, socketPath: socketPath, log: log, done: make(chan struct{})}
}

func (d *daemon) serve(ctx context.Context) error {
	lockPath := filepath.Join(d.home, "boxlited.lock")
	lock, err := acquireLock(lockPath)
	if err != nil {
		return fmt.Errorf("boxlited: %w", err)
	}
	d.lockFile = lock
	defer d.releaseLock(lockPath)

	os.Remove(d.socketPath)
	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("boxlited: listen %s: %w", d.socketPath, err)
	}
	d.listener = ln
	d.log.Info("boxlited listening", "socket", d.socketPath, "pid", os.Getpid())

	go d.waitForSignal(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", d.handlePing)
	mux.HandleFunc("/version", d.handleVersion)
	mux.HandleFunc("/list", d.handleList)
	mux.HandleFunc("/shutdown", d.handleShutdown)

	srv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-d.done:
		srv.Close()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (d *daemon) waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-sigCh:
		d.shutdown()
	case <-d.done:
	}
}

func (d *daemon) shutdown() {
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := d.rt.Shutdown(shutCtx, shutdownGrace); err != nil {
		d.log.Warn("runtime shutdown error", "err", err)
	}
	if d.listener != nil {
		d.listener.Close()
	}
	os.Remove(d.socketPath)
	close(d.done)
}

func (d *daemon) releaseLock(lockPath string) {
	if d.lockFile == nil {
		return
	}
	syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)
	d.lockFile.Close()
	os.Remove(lockPath)
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("boxlited already running against %s", path)
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d", os.Getpid())
	return f, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (d *daemon) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "pong"})
}

func (d *daemon) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	writeJSON(w, map[string]any{"home": d.home, "version": info})
}

func (d *daemon) handleList(w http.ResponseWriter, r *http.Request) {
	boxes, err := d.rt.List(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, boxes)
}

func (d *daemon) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		d.shutdown()
	}()
}
