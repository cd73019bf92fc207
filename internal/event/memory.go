package event

import (
	"context"
	"sync"
)

// InProcess is a synchronous in-process Bus. Publish dispatches to every
// matching subscriber on the caller's goroutine in subscription order,
// which preserves per-type ordering from a single publisher and lets
// handler chains (task completion feeding phase progression feeding new
// task creation) run without extra machinery. Handlers may publish
// further events; the subscriber list is snapshotted before dispatch so
// re-entrant publishes cannot deadlock.
type InProcess struct {
	mu   sync.RWMutex
	next int
	subs []*subscription
}

type subscription struct {
	id      int
	pattern string
	handler Handler
}

// NewInProcess returns an empty in-process bus.
func NewInProcess() *InProcess {
	return &InProcess{}
}

// Publish delivers e to every subscriber whose pattern matches e.Type.
func (b *InProcess) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if Match(s.pattern, e.Type) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(ctx, e)
	}
	return nil
}

// Subscribe registers h for every event whose type matches pattern.
func (b *InProcess) Subscribe(pattern string, h Handler) (func(), error) {
	b.mu.Lock()
	b.next++
	sub := &subscription{id: b.next, pattern: pattern, handler: h}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}, nil
}
