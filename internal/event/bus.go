package event

import (
	"context"
	"strings"
)

// Handler receives a published event. Handlers must be idempotent:
// duplicate delivery is permitted.
type Handler func(ctx context.Context, e Event)

// Bus is the publish/subscribe surface. Subscribe takes a subject
// pattern in NATS syntax: "*" matches one dotted token, ">" matches the
// remainder. Subscribe returns an unsubscribe func.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(pattern string, h Handler) (func(), error)
}

// Match reports whether subject matches the pattern. Both are dotted
// strings; "*" matches exactly one token and ">" matches one or more
// trailing tokens.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
