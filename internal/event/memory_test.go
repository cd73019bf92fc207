package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"task.completed", "task.completed", true},
		{"task.completed", "task.failed", false},
		{"task.*", "task.completed", true},
		{"task.*", "ticket.created", false},
		{"task.*", "task", false},
		{"*.completed", "task.completed", true},
		{">", "task.completed", true},
		{">", "task", true},
		{"task.>", "task.completed", true},
		{"task.>", "task", false},
		{"guardian.*", "guardian.intervened", true},
		{"task.completed", "task.completed.extra", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.subject),
			"pattern=%s subject=%s", tt.pattern, tt.subject)
	}
}

func TestInProcess_PublishDelivers(t *testing.T) {
	bus := NewInProcess()

	var got []string
	_, err := bus.Subscribe("task.*", func(_ context.Context, e Event) {
		got = append(got, e.Type)
	})
	require.NoError(t, err)

	for _, typ := range []string{TaskCreated, TaskAssigned, TaskCompleted} {
		e, err := New(typ, TaskPayload{TaskID: "t1", PhaseID: "IMPLEMENTATION", TaskType: "implement", Status: "x"})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), e))
	}

	// Ordering within a type's stream holds because dispatch is synchronous.
	assert.Equal(t, []string{TaskCreated, TaskAssigned, TaskCompleted}, got)
}

func TestInProcess_PatternFiltering(t *testing.T) {
	bus := NewInProcess()

	var taskEvents, allEvents int
	_, err := bus.Subscribe("task.*", func(_ context.Context, _ Event) { taskEvents++ })
	require.NoError(t, err)
	_, err = bus.Subscribe(">", func(_ context.Context, _ Event) { allEvents++ })
	require.NoError(t, err)

	publish := func(typ string) {
		e, err := New(typ, TicketPayload{TicketID: "tk1", ToPhase: "DESIGN"})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), e))
	}
	publish(TaskCompleted)
	publish(TicketPhaseTransitioned)
	publish(GateFailed)

	assert.Equal(t, 1, taskEvents)
	assert.Equal(t, 3, allEvents)
}

func TestInProcess_Unsubscribe(t *testing.T) {
	bus := NewInProcess()

	var calls int
	unsub, err := bus.Subscribe(TaskCreated, func(_ context.Context, _ Event) { calls++ })
	require.NoError(t, err)

	e, err := New(TaskCreated, TaskPayload{TaskID: "t1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), e))
	unsub()
	require.NoError(t, bus.Publish(context.Background(), e))

	assert.Equal(t, 1, calls)
}

func TestInProcess_ReentrantPublish(t *testing.T) {
	bus := NewInProcess()

	var chained bool
	_, err := bus.Subscribe(TaskCompleted, func(ctx context.Context, _ Event) {
		e, err := New(TicketPhaseTransitioned, TicketPayload{TicketID: "tk1", ToPhase: "DESIGN"})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, e))
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(TicketPhaseTransitioned, func(_ context.Context, _ Event) { chained = true })
	require.NoError(t, err)

	e, err := New(TaskCompleted, TaskPayload{TaskID: "t1", Status: "completed"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), e))

	assert.True(t, chained)
}

func TestEventDecode(t *testing.T) {
	e, err := New(GateFailed, GatePayload{TicketID: "tk1", PhaseID: "DESIGN", Missing: []string{"artifact:design_doc"}})
	require.NoError(t, err)

	var p GatePayload
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, "tk1", p.TicketID)
	assert.Equal(t, []string{"artifact:design_doc"}, p.Missing)
	assert.False(t, e.OccurredAt.IsZero())
}
