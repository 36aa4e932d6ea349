package boxlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banksean/boxlite/internal/store"
)

// TestScenario_BoxLifecycleThroughWeakHandle walks a box through the
// persisted-state transitions a real run would drive via the controller
// (Created -> Running -> Stopped -> removed), checking at each step that
// a *Box handle obtained once at the start keeps observing the live
// record rather than a snapshot, and that Runtime-level List/Metrics stay
// in sync with the store underneath it. Modeled on spec.md's S1-S3
// single-box lifecycle scenarios, kept network-free by driving the store
// directly instead of a real controller/hypervisor.
func TestScenario_BoxLifecycleThroughWeakHandle(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	rec := newBoxRecord("01ARZ3NDEKTSV4RRFFQ69G5FBZ", "scenario-box")
	require.NoError(t, rt.meta.CreateBox(ctx, rec))

	box, err := rt.Get(ctx, "scenario-box")
	require.NoError(t, err)
	assert.Equal(t, rec.Config.ID, box.ID())

	info, err := box.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(store.StateCreated), info.State)
	assert.Equal(t, "alpine:latest", info.ImageRef)

	list, err := rt.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "scenario-box", list[0].Name)

	metrics, err := rt.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.TotalBoxes)
	assert.Equal(t, 0, metrics.RunningBoxes)

	require.NoError(t, rt.meta.UpdateBoxState(ctx, rec.Config.ID, store.BoxDynamicState{
		State:     store.StateRunning,
		UpdatedAt: time.Now(),
	}))

	info, err = box.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(store.StateRunning), info.State, "handle must observe the update made behind its back")

	metrics, err = rt.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.RunningBoxes)

	require.NoError(t, rt.meta.UpdateBoxState(ctx, rec.Config.ID, store.BoxDynamicState{
		State:      store.StateStopped,
		StopReason: store.StopReasonClean,
		UpdatedAt:  time.Now(),
	}))

	info, err = box.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(store.StateStopped), info.State)
	assert.Equal(t, string(store.StopReasonClean), info.StopReason)

	require.NoError(t, rt.meta.DeleteBox(ctx, rec.Config.ID, "scenario-box"))

	_, err = box.Info(ctx)
	require.Error(t, err)
	k, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, k)

	list, err = rt.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

// TestScenario_ShutdownDrainsAllBoxHandles checks that once a Runtime is
// shut down, every outstanding handle obtained before the shutdown — not
// just newly-Get'd ones — reports KindShutdown, matching spec.md's
// requirement that Shutdown is a hard boundary for the whole Runtime.
func TestScenario_ShutdownDrainsAllBoxHandles(t *testing.T) {
	rt := newTestRuntime(t)
	rt.net = nil
	ctx := context.Background()

	recA := newBoxRecord("01ARZ3NDEKTSV4RRFFQ69G5FCA", "a")
	recB := newBoxRecord("01ARZ3NDEKTSV4RRFFQ69G5FCB", "b")
	require.NoError(t, rt.meta.CreateBox(ctx, recA))
	require.NoError(t, rt.meta.CreateBox(ctx, recB))

	boxA, err := rt.Get(ctx, "a")
	require.NoError(t, err)
	boxB, err := rt.Get(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, rt.Shutdown(ctx, time.Second))

	for _, b := range []*Box{boxA, boxB} {
		err := b.Start(ctx)
		require.Error(t, err)
		k, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindShutdown, k)
	}

	_, err = rt.Get(ctx, "a")
	k, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindShutdown, k)
}
