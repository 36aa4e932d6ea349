package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetBox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := BoxRecord{
		Config: BoxConfig{
			ID:        "01ARZ3NDEKTSV4RRFFQ69G5FAV",
			Name:      "web",
			ImageRef:  "alpine:latest",
			CPUs:      1,
			MemoryMiB: 256,
			CreatedAt: time.Now(),
		},
		State: BoxDynamicState{State: StateCreated, UpdatedAt: time.Now()},
	}
	if err := s.CreateBox(ctx, rec); err != nil {
		t.Fatalf("CreateBox: %v", err)
	}

	got, err := s.GetBox(ctx, "web")
	if err != nil {
		t.Fatalf("GetBox by name: %v", err)
	}
	if got.Config.ID != rec.Config.ID {
		t.Fatalf("got id %q, want %q", got.Config.ID, rec.Config.ID)
	}

	got, err = s.GetBox(ctx, rec.Config.ID[:10])
	if err != nil {
		t.Fatalf("GetBox by prefix: %v", err)
	}
	if got.Config.Name != "web" {
		t.Fatalf("got name %q, want web", got.Config.Name)
	}

	if _, err := s.GetBox(ctx, rec.Config.ID[:4]); err == nil {
		t.Fatal("GetBox with a below-minimum-length prefix: want error, got nil")
	}
}

func TestCreateBoxDuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mk := func(id string) BoxRecord {
		return BoxRecord{
			Config: BoxConfig{ID: id, Name: "dup", ImageRef: "alpine:latest", CPUs: 1, MemoryMiB: 256, CreatedAt: time.Now()},
			State:  BoxDynamicState{State: StateCreated, UpdatedAt: time.Now()},
		}
	}
	if err := s.CreateBox(ctx, mk("id-one")); err != nil {
		t.Fatalf("first CreateBox: %v", err)
	}
	err := s.CreateBox(ctx, mk("id-two"))
	if err == nil {
		t.Fatal("expected second CreateBox with duplicate name to fail")
	}
}

func TestReconcileCrashRecovery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := BoxRecord{
		Config: BoxConfig{ID: "id-running", ImageRef: "alpine:latest", CPUs: 1, MemoryMiB: 256, CreatedAt: time.Now()},
		State:  BoxDynamicState{State: StateRunning, EnginePID: 999999999, UpdatedAt: time.Now()},
	}
	if err := s.CreateBox(ctx, rec); err != nil {
		t.Fatalf("CreateBox: %v", err)
	}

	recovered, err := s.ReconcileCrashRecovery(ctx, func(pid int) bool { return false })
	if err != nil {
		t.Fatalf("ReconcileCrashRecovery: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != "id-running" {
		t.Fatalf("expected id-running recovered, got %v", recovered)
	}

	got, err := s.GetBox(ctx, "id-running")
	if err != nil {
		t.Fatalf("GetBox: %v", err)
	}
	if got.State.State != StateStopped || got.State.StopReason != StopReasonCrashRecovered {
		t.Fatalf("unexpected state after recovery: %+v", got.State)
	}
}

func TestImageRefcounting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutImage(ctx, ImageRecord{
		Digest:       "sha256:aaa",
		ManifestJSON: []byte(`{}`),
		SizeBytes:    100,
		LayerDigests: []string{"sha256:layer1", "sha256:layer2"},
	}); err != nil {
		t.Fatalf("PutImage: %v", err)
	}

	if err := s.RemoveImage(ctx, "sha256:aaa"); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}

	orphans, err := s.GCOrphanLayers(ctx)
	if err != nil {
		t.Fatalf("GCOrphanLayers: %v", err)
	}
	if len(orphans) != 2 {
		t.Fatalf("expected 2 orphan layers, got %v", orphans)
	}
}
