package event

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSBus_PublishSubscribe(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	bus := NewNATSBus(nc)

	received := make(chan Event, 1)
	unsub, err := bus.Subscribe("task.*", func(_ context.Context, e Event) {
		received <- e
	})
	require.NoError(t, err)
	defer unsub()

	e, err := New(TaskCompleted, TaskPayload{TaskID: "t1", TicketID: "tk1", PhaseID: "IMPLEMENTATION", TaskType: "implement", Status: "completed"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), e))

	select {
	case got := <-received:
		assert.Equal(t, TaskCompleted, got.Type)
		var p TaskPayload
		require.NoError(t, got.Decode(&p))
		assert.Equal(t, "t1", p.TaskID)
		assert.Equal(t, "tk1", p.TicketID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNATSBus_WildcardDoesNotMatchOtherTypes(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	bus := NewNATSBus(nc)

	received := make(chan Event, 2)
	unsub, err := bus.Subscribe("guardian.*", func(_ context.Context, e Event) {
		received <- e
	})
	require.NoError(t, err)
	defer unsub()

	e1, err := New(TaskCreated, TaskPayload{TaskID: "t1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), e1))

	e2, err := New(GuardianNudge, InterventionPayload{TaskID: "t1", Action: "nudge", Reason: "stale heartbeat"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), e2))

	select {
	case got := <-received:
		assert.Equal(t, GuardianNudge, got.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case got := <-received:
		t.Fatalf("unexpected extra event: %s", got.Type)
	case <-time.After(200 * time.Millisecond):
	}
}
