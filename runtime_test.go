package boxlite

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/banksean/boxlite/internal/controller"
	"github.com/banksean/boxlite/internal/store"
)

// newTestRuntime builds a Runtime directly against a real (on-disk,
// network-free) metadata store, bypassing Open so these tests don't need
// a live registry or hypervisor — only the weak-reference/registry
// semantics in runtime.go/box.go are under test here.
func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	meta, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	rt := &Runtime{
		homeDir:     t.TempDir(),
		log:         slog.Default(),
		meta:        meta,
		controllers: make(map[string]*controller.Controller),
		records:     make(map[string]store.BoxRecord),
	}
	return rt
}

func newBoxRecord(id, name string) store.BoxRecord {
	return store.BoxRecord{
		Config: store.BoxConfig{
			ID:        id,
			Name:      name,
			ImageRef:  "alpine:latest",
			CPUs:      1,
			MemoryMiB: 256,
			CreatedAt: time.Now(),
		},
		State: store.BoxDynamicState{State: store.StateCreated, UpdatedAt: time.Now()},
	}
}

func TestGetUnknownBoxIsNotFound(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Get(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("Get: want error, got nil")
	}
	if k, ok := KindOf(err); !ok || k != KindNotFound {
		t.Fatalf("KindOf(err) = %v, %v; want %v, true", k, ok, KindNotFound)
	}
}

func TestGetAfterShutdownIsShutdownKind(t *testing.T) {
	rt := newTestRuntime(t)
	rt.shutdown = true
	_, err := rt.Get(context.Background(), "anything")
	if k, ok := KindOf(err); !ok || k != KindShutdown {
		t.Fatalf("KindOf(err) = %v, %v; want %v, true", k, ok, KindShutdown)
	}
}

// TestBoxIsAWeakReference exercises spec.md §3's rule that a Box handle
// re-resolves through its owning Runtime on every call, rather than
// caching state from the moment it was obtained.
func TestBoxIsAWeakReference(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	rec := newBoxRecord("01ARZ3NDEKTSV4RRFFQ69G5FAV", "web")
	if err := rt.meta.CreateBox(ctx, rec); err != nil {
		t.Fatalf("CreateBox: %v", err)
	}

	box, err := rt.Get(ctx, "web")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if box.ID() != rec.Config.ID {
		t.Fatalf("ID() = %q, want %q", box.ID(), rec.Config.ID)
	}

	info, err := box.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Name != "web" || info.State != string(store.StateCreated) {
		t.Fatalf("Info = %+v, unexpected", info)
	}

	// Removing the box out from under the handle (simulated directly,
	// since Remove needs a live controller) makes every subsequent call
	// through the same *Box value observe the new reality.
	if err := rt.meta.DeleteBox(ctx, rec.Config.ID, "web"); err != nil {
		t.Fatalf("DeleteBox: %v", err)
	}
	if _, err := box.Info(ctx); err == nil {
		t.Fatal("Info after delete: want error, got nil")
	} else if k, ok := KindOf(err); !ok || k != KindNotFound {
		t.Fatalf("KindOf(err) = %v, %v; want %v, true", k, ok, KindNotFound)
	}
}

// TestBoxOperationsAfterShutdownReturnShutdown checks that every Box
// method re-checks the owning Runtime's shutdown flag rather than only
// gating it at Get/Create time.
func TestBoxOperationsAfterShutdownReturnShutdown(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	rec := newBoxRecord("01ARZ3NDEKTSV4RRFFQ69G5FAW", "api")
	if err := rt.meta.CreateBox(ctx, rec); err != nil {
		t.Fatalf("CreateBox: %v", err)
	}
	rt.controllers[rec.Config.ID] = controller.New(controller.Config{BoxID: rec.Config.ID}, store.StateCreated)

	box := &Box{id: rec.Config.ID, rt: rt}
	rt.shutdown = true

	for name, call := range map[string]func() error{
		"Start": func() error { return box.Start(ctx) },
		"Stop":  func() error { return box.Stop(ctx, time.Second) },
		"Remove": func() error {
			return box.Remove(ctx, false, time.Second)
		},
	} {
		t.Run(name, func(t *testing.T) {
			err := call()
			if k, ok := KindOf(err); !ok || k != KindShutdown {
				t.Fatalf("%s: KindOf(err) = %v, %v; want %v, true", name, k, ok, KindShutdown)
			}
		})
	}

	if _, err := box.Exec(ctx, []string{"true"}); err == nil {
		t.Fatal("Exec after shutdown: want error, got nil")
	} else if k, ok := KindOf(err); !ok || k != KindShutdown {
		t.Fatalf("Exec: KindOf(err) = %v, %v; want %v, true", k, ok, KindShutdown)
	}
}

func TestListAndMetrics(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	running := newBoxRecord("01ARZ3NDEKTSV4RRFFQ69G5FAX", "running-box")
	running.State.State = store.StateRunning
	stopped := newBoxRecord("01ARZ3NDEKTSV4RRFFQ69G5FAY", "stopped-box")

	if err := rt.meta.CreateBox(ctx, running); err != nil {
		t.Fatalf("CreateBox running: %v", err)
	}
	if err := rt.meta.CreateBox(ctx, stopped); err != nil {
		t.Fatalf("CreateBox stopped: %v", err)
	}

	list, err := rt.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d boxes, want 2", len(list))
	}

	metrics, err := rt.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if metrics.TotalBoxes != 2 || metrics.RunningBoxes != 1 {
		t.Fatalf("Metrics = %+v, want {TotalBoxes:2 RunningBoxes:1}", metrics)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	rt.net = nil
	ctx := context.Background()
	if err := rt.Shutdown(ctx, time.Second); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	// meta.Close() already ran; a second Shutdown must short-circuit on
	// the shutdown flag instead of double-closing the store.
	if err := rt.Shutdown(ctx, time.Second); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
