package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

// Message is a direct note to a worker, distinct from bus events:
// events describe facts, messages ask a specific worker to act.
type Message struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id,omitempty"`
	Text   string `json:"text"`
}

// Messenger delivers messages to workers.
type Messenger interface {
	Send(ctx context.Context, ref store.WorkerRef, msg Message) error
}

// NATSMessenger delivers messages on per-worker inbox subjects.
type NATSMessenger struct {
	nc *nats.Conn
}

// NewNATSMessenger wraps a connection.
func NewNATSMessenger(nc *nats.Conn) *NATSMessenger {
	return &NATSMessenger{nc: nc}
}

// InboxSubject is the subject a worker listens on for direct messages.
func InboxSubject(ref store.WorkerRef) string {
	return fmt.Sprintf("worker.%s.%s.inbox", ref.Kind, ref.ID)
}

// Send publishes msg to the worker's inbox.
func (m *NATSMessenger) Send(_ context.Context, ref store.WorkerRef, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := m.nc.Publish(InboxSubject(ref), data); err != nil {
		return fmt.Errorf("send to %s: %w", ref, err)
	}
	return nil
}

// FakeMessenger records sent messages for tests.
type FakeMessenger struct {
	mu   sync.Mutex
	sent []SentMessage
}

// SentMessage pairs a message with its recipient.
type SentMessage struct {
	Ref store.WorkerRef
	Msg Message
}

// NewFakeMessenger returns an empty fake.
func NewFakeMessenger() *FakeMessenger {
	return &FakeMessenger{}
}

// Send records the message.
func (f *FakeMessenger) Send(_ context.Context, ref store.WorkerRef, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, SentMessage{Ref: ref, Msg: msg})
	return nil
}

// Sent returns a copy of the recorded messages.
func (f *FakeMessenger) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}
