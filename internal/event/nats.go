package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix namespaces every event on the wire so the daemon can
// share a NATS deployment with other services.
const SubjectPrefix = "dispatch."

// NATSBus bridges the Bus interface onto a NATS connection. Events are
// published as JSON on "dispatch.<event_type>"; subscribe patterns map
// one-to-one because the bus already uses NATS wildcard syntax.
type NATSBus struct {
	nc *nats.Conn
}

// NewNATSBus wraps an established connection. The caller owns the
// connection's lifecycle.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

// Publish marshals e and sends it on the subject derived from e.Type.
func (b *NATSBus) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	if err := b.nc.Publish(SubjectPrefix+e.Type, data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Subscribe registers h on the NATS subject for pattern. Delivery runs
// on the connection's dispatch goroutine with a background context;
// handlers needing cancellation should carry their own.
func (b *NATSBus) Subscribe(pattern string, h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(SubjectPrefix+pattern, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		h(context.Background(), e)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
