package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/event"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/phase"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

const testRegistryYAML = `
phases:
  - id: IMPLEMENTATION
    sequence: 1
    transitions: [REVIEW]
    config:
      max_retries: 2
      retry_strategy: exponential
      retry_base_delay: 10s
      wip_limit: 2
  - id: REVIEW
    sequence: 2
    transitions: [DONE]
    config:
      max_retries: 1
      retry_strategy: none
  - id: DONE
    sequence: 3
    terminal: true
`

func newTestService(t *testing.T) (*Service, *store.Store, *event.InProcess) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := phase.ParseRegistry([]byte(testRegistryYAML))
	require.NoError(t, err)

	bus := event.NewInProcess()
	return NewService(st, reg, bus, logging.NewNop()), st, bus
}

func agentRef(id string) store.WorkerRef {
	return store.WorkerRef{Kind: store.WorkerAgent, ID: id}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var vErr *ValidationError

	_, err := svc.Create(ctx, CreateRequest{PhaseID: "IMPLEMENTATION"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "type", vErr.Field)

	_, err = svc.Create(ctx, CreateRequest{Type: "implement", PhaseID: "NOPE"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "phase_id", vErr.Field)

	_, err = svc.Create(ctx, CreateRequest{Type: "implement", PhaseID: "IMPLEMENTATION", TicketID: "ghost"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "ticket_id", vErr.Field)

	_, err = svc.Create(ctx, CreateRequest{Type: "implement", PhaseID: "IMPLEMENTATION", Dependencies: []string{"ghost"}})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "dependencies", vErr.Field)

	_, err = svc.Create(ctx, CreateRequest{ID: "self", Type: "implement", PhaseID: "IMPLEMENTATION", Dependencies: []string{"self"}})
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Msg, "itself")
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, CreateRequest{Type: "a", PhaseID: "IMPLEMENTATION"})
	require.NoError(t, err)
	b, err := svc.Create(ctx, CreateRequest{Type: "b", PhaseID: "IMPLEMENTATION", Dependencies: []string{a.ID}})
	require.NoError(t, err)
	c, err := svc.Create(ctx, CreateRequest{Type: "c", PhaseID: "IMPLEMENTATION", Dependencies: []string{b.ID}})
	require.NoError(t, err)

	// a -> c would close a <- b <- c.
	var vErr *ValidationError
	err = svc.AddDependency(ctx, a.ID, c.ID)
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Msg, "cycle")

	// A fresh edge with no cycle is fine.
	d, err := svc.Create(ctx, CreateRequest{Type: "d", PhaseID: "IMPLEMENTATION"})
	require.NoError(t, err)
	require.NoError(t, svc.AddDependency(ctx, d.ID, c.ID))
}

func TestClaimNextPicksEligibleByPriority(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	low, err := svc.Create(ctx, CreateRequest{Type: "low", PhaseID: "IMPLEMENTATION", Priority: 1})
	require.NoError(t, err)
	high, err := svc.Create(ctx, CreateRequest{Type: "high", PhaseID: "IMPLEMENTATION", Priority: 9})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{Type: "gated", PhaseID: "IMPLEMENTATION", Priority: 100, Dependencies: []string{low.ID}})
	require.NoError(t, err)

	got, err := svc.ClaimNext(ctx, agentRef("a-1"), nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID)
	assert.Equal(t, store.TaskAssigned, got.Status)
	require.NotNil(t, got.Worker)
	assert.Equal(t, "agent:a-1", got.Worker.String())
}

func TestClaimNextCapabilityFilter(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Type: "gpu_job", PhaseID: "IMPLEMENTATION", Capabilities: []string{"gpu"}})
	require.NoError(t, err)

	got, err := svc.ClaimNext(ctx, agentRef("a-1"), []string{"writing"})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = svc.ClaimNext(ctx, agentRef("a-2"), []string{"gpu", "writing"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "gpu_job", got.Type)
}

func TestClaimNextHonoursWIPLimit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, CreateRequest{Type: "implement", PhaseID: "IMPLEMENTATION"})
		require.NoError(t, err)
	}

	// wip_limit is 2 for IMPLEMENTATION.
	first, err := svc.ClaimNext(ctx, agentRef("a-1"), nil)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := svc.ClaimNext(ctx, agentRef("a-2"), nil)
	require.NoError(t, err)
	require.NotNil(t, second)

	third, err := svc.ClaimNext(ctx, agentRef("a-3"), nil)
	require.NoError(t, err)
	assert.Nil(t, third)

	// Finishing one task frees a slot.
	_, err = svc.UpdateStatus(ctx, first.ID, store.TaskRunning, UpdateResult{})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, first.ID, store.TaskCompleted, UpdateResult{})
	require.NoError(t, err)

	third, err = svc.ClaimNext(ctx, agentRef("a-3"), nil)
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestClaimNextConcurrentNeverDoubleAssigns(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	const tasks = 8
	const claimers = 24
	for i := 0; i < tasks; i++ {
		_, err := svc.Create(ctx, CreateRequest{Type: "review", PhaseID: "REVIEW"})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	claimed := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := svc.ClaimNext(ctx, agentRef(workerID(n)), nil)
			assert.NoError(t, err)
			if got != nil {
				claimed <- got.ID
			}
		}(i)
	}
	wg.Wait()
	close(claimed)

	seen := map[string]bool{}
	for id := range claimed {
		assert.False(t, seen[id], "task %s assigned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, tasks)

	remaining, err := st.ListClaimable(ctx, time.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func workerID(n int) string {
	return fmt.Sprintf("claimer-%d", n)
}

func TestUpdateStatusTransitionTable(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	var published []string
	_, err := bus.Subscribe("task.*", func(_ context.Context, e event.Event) {
		published = append(published, e.Type)
	})
	require.NoError(t, err)

	task, err := svc.Create(ctx, CreateRequest{Type: "implement", PhaseID: "IMPLEMENTATION"})
	require.NoError(t, err)

	var tErr *InvalidTransitionError
	_, err = svc.UpdateStatus(ctx, task.ID, store.TaskCompleted, UpdateResult{})
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, store.TaskPending, tErr.From)

	// pending <-> blocked is allowed.
	_, err = svc.UpdateStatus(ctx, task.ID, store.TaskBlocked, UpdateResult{})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, task.ID, store.TaskPending, UpdateResult{})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, agentRef("a-1"), nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	running, err := svc.UpdateStatus(ctx, task.ID, store.TaskRunning, UpdateResult{})
	require.NoError(t, err)
	assert.NotNil(t, running.StartedAt)

	done, err := svc.UpdateStatus(ctx, task.ID, store.TaskCompleted, UpdateResult{Result: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, done.Status)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))

	_, err = svc.UpdateStatus(ctx, task.ID, store.TaskFailed, UpdateResult{})
	require.ErrorAs(t, err, &tErr)

	assert.Equal(t, []string{
		event.TaskCreated, event.TaskBlocked, "task.pending",
		event.TaskAssigned, event.TaskStarted, event.TaskCompleted,
	}, published)
}

func TestUpdateStatusRecordsArtifactsAndContext(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	tk := store.Ticket{
		ID: "tk-1", Title: "Add search", PhaseID: "IMPLEMENTATION", Status: store.TicketActive,
		PhaseEnteredAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTicket(ctx, tk))

	task, err := svc.Create(ctx, CreateRequest{Type: "implement", PhaseID: "IMPLEMENTATION", TicketID: tk.ID})
	require.NoError(t, err)
	claimed, err := svc.ClaimNext(ctx, agentRef("a-1"), nil)
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)
	_, err = svc.UpdateStatus(ctx, task.ID, store.TaskRunning, UpdateResult{})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, task.ID, store.TaskCompleted, UpdateResult{
		Result:    json.RawMessage(`{"tests_passing":true}`),
		Artifacts: []store.Artifact{{Name: "patch-1", Kind: "diff", Ref: "diffs/1.patch"}},
		Context:   map[string]any{"implementation_done": true},
	})
	require.NoError(t, err)

	got, err := st.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "patch-1", got.Artifacts[0].Name)
	assert.Equal(t, true, got.Context["implementation_done"])
}

func TestRetryBoundedWithBackoff(t *testing.T) {
	svc, st, bus := newTestService(t)
	ctx := context.Background()

	var escalated int
	_, err := bus.Subscribe(event.TaskEscalated, func(_ context.Context, _ event.Event) { escalated++ })
	require.NoError(t, err)

	task, err := svc.Create(ctx, CreateRequest{Type: "implement", PhaseID: "IMPLEMENTATION"})
	require.NoError(t, err)

	fail := func() {
		claimed, err := svc.ClaimNext(ctx, agentRef("a-1"), nil)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		_, err = svc.UpdateStatus(ctx, task.ID, store.TaskRunning, UpdateResult{})
		require.NoError(t, err)
		_, err = svc.UpdateStatus(ctx, task.ID, store.TaskFailed, UpdateResult{Error: "connection reset"})
		require.NoError(t, err)
	}

	fail()
	retried, err := svc.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)
	require.NotNil(t, retried.NotBefore)
	// Exponential with 10s base: first retry waits ~10s.
	assert.WithinDuration(t, time.Now().Add(10*time.Second), *retried.NotBefore, 2*time.Second)

	// The backoff keeps the task out of the claimable pool for now.
	got, err := svc.ClaimNext(ctx, agentRef("a-1"), nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Clear the backoff to exercise the second round.
	clearBackoff(t, st, task.ID)
	fail()
	retried, err = svc.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retried.RetryCount)
	// Second retry waits ~20s.
	assert.WithinDuration(t, time.Now().Add(20*time.Second), *retried.NotBefore, 2*time.Second)

	clearBackoff(t, st, task.ID)
	fail()
	// max_retries is 2: the third retry is refused and escalates.
	_, err = svc.Retry(ctx, task.ID)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, escalated)

	final, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, final.Status)

	// A terminally failed task is never claimable again.
	got, err = svc.ClaimNext(ctx, agentRef("a-2"), nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRetryRefusesPermanentFailure(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	var escalated int
	_, err := bus.Subscribe(event.TaskEscalated, func(_ context.Context, _ event.Event) { escalated++ })
	require.NoError(t, err)

	task, err := svc.Create(ctx, CreateRequest{Type: "implement", PhaseID: "IMPLEMENTATION"})
	require.NoError(t, err)
	claimed, err := svc.ClaimNext(ctx, agentRef("a-1"), nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = svc.UpdateStatus(ctx, task.ID, store.TaskRunning, UpdateResult{})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, task.ID, store.TaskFailed, UpdateResult{Error: "syntax error in generated patch"})
	require.NoError(t, err)

	_, err = svc.Retry(ctx, task.ID)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, escalated)

	final, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, final.Status)
	assert.Equal(t, 0, final.RetryCount)
}

func clearBackoff(t *testing.T, st *store.Store, taskID string) {
	t.Helper()
	_, err := st.DB().Exec(`UPDATE tasks SET not_before=NULL WHERE id=?`, taskID)
	require.NoError(t, err)
}

func TestHeartbeatRequiresHolder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateRequest{Type: "implement", PhaseID: "IMPLEMENTATION"})
	require.NoError(t, err)

	var vErr *ValidationError
	err = svc.Heartbeat(ctx, task.ID, agentRef("a-1"))
	require.ErrorAs(t, err, &vErr)

	claimed, err := svc.ClaimNext(ctx, agentRef("a-1"), nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, svc.Heartbeat(ctx, task.ID, agentRef("a-1")))
	err = svc.Heartbeat(ctx, task.ID, agentRef("impostor"))
	require.ErrorAs(t, err, &vErr)

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.HeartbeatAt)
}

func TestListByPhase(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	tk := store.Ticket{
		ID: "tk-1", Title: "Add search", PhaseID: "IMPLEMENTATION", Status: store.TicketActive,
		PhaseEnteredAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTicket(ctx, tk))

	_, err := svc.Create(ctx, CreateRequest{Type: "implement", PhaseID: "IMPLEMENTATION", TicketID: tk.ID})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{Type: "write_tests", PhaseID: "IMPLEMENTATION", TicketID: tk.ID})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{Type: "review", PhaseID: "REVIEW", TicketID: tk.ID})
	require.NoError(t, err)

	byPhase, err := svc.ListByPhase(ctx, tk.ID)
	require.NoError(t, err)
	assert.Len(t, byPhase["IMPLEMENTATION"], 2)
	assert.Len(t, byPhase["REVIEW"], 1)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"connection reset by peer", true},
		{"request timed out after 30s", true},
		{"429 too many requests", true},
		{"service temporarily unavailable", true},
		{"assertion failed: expected 3 got 4", false},
		{"syntax error near line 12", false},
		{"permission denied: /etc/shadow", false},
		{"something unexpected happened", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.msg), tt.msg)
	}
}
