package resolver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createClaimed(t *testing.T, st *store.Store, ref store.WorkerRef) store.Task {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	task := store.Task{
		ID: uuid.NewString(), PhaseID: "IMPLEMENTATION", Type: "implement",
		Status: store.TaskPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTask(ctx, task))
	require.NoError(t, st.ClaimTask(ctx, task.ID, ref))
	return task
}

func TestResolveSandbox(t *testing.T) {
	st := newTestStore(t)
	r := New(st)
	ctx := context.Background()

	ref := store.WorkerRef{Kind: store.WorkerSandbox, ID: "sbx-1"}
	task := createClaimed(t, st, ref)

	got, err := r.ResolveCurrentTask(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)

	// Unbound sandbox resolves to nothing, without error.
	got, err = r.ResolveCurrentTask(ctx, store.WorkerRef{Kind: store.WorkerSandbox, ID: "sbx-ghost"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolveAgentMostRecentActive(t *testing.T) {
	st := newTestStore(t)
	r := New(st)
	ctx := context.Background()

	ref := store.WorkerRef{Kind: store.WorkerAgent, ID: "a-1"}

	old := createClaimed(t, st, ref)
	require.NoError(t, st.TransitionTask(ctx, old.ID, store.TaskAssigned, store.TaskRunning, nil, ""))
	require.NoError(t, st.TransitionTask(ctx, old.ID, store.TaskRunning, store.TaskCompleted, nil, ""))

	current := createClaimed(t, st, ref)

	got, err := r.ResolveCurrentTask(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, current.ID, got.ID)
}

func TestResolveStringRefs(t *testing.T) {
	st := newTestStore(t)
	r := New(st)
	ctx := context.Background()

	sandboxTask := createClaimed(t, st, store.WorkerRef{Kind: store.WorkerSandbox, ID: "w-1"})
	agentTask := createClaimed(t, st, store.WorkerRef{Kind: store.WorkerAgent, ID: "w-2"})

	// A bare id checks the sandbox binding first.
	got, err := r.Resolve(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sandboxTask.ID, got.ID)

	got, err = r.Resolve(ctx, "w-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, agentTask.ID, got.ID)

	got, err = r.Resolve(ctx, "agent:w-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = r.Resolve(ctx, "robot:w-1")
	require.Error(t, err)
}
