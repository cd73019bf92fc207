// Package resolver answers "what should this worker be doing right
// now" for both worker identity models: ephemeral sandboxes bound to a
// single task, and stable agents that accumulate task history.
package resolver

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

// Resolver maps worker identities to their current task.
type Resolver struct {
	store *store.Store
}

// New builds a resolver over the store.
func New(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// ResolveCurrentTask returns the task ref is currently holding, or nil
// when the worker is unbound. An unbound worker is a normal state, not
// an error.
//
// A sandbox holds at most one task for its whole lifetime, so a direct
// lookup settles it. An agent id is stable across many tasks; the most
// recently updated non-terminal assignment wins.
func (r *Resolver) ResolveCurrentTask(ctx context.Context, ref store.WorkerRef) (*store.Task, error) {
	task, err := r.store.LatestActiveTaskForWorker(ctx, ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// Resolve parses a ref string and resolves it. Bare ids without a kind
// prefix are tried as a sandbox first, then as an agent, matching how
// callers usually omit the prefix for sandboxes.
func (r *Resolver) Resolve(ctx context.Context, refStr string) (*store.Task, error) {
	ref, err := store.ParseWorkerRef(refStr)
	if err != nil {
		return nil, err
	}
	if ref.Kind == store.WorkerAgent && !hasKindPrefix(refStr) {
		sandboxTask, err := r.ResolveCurrentTask(ctx, store.WorkerRef{Kind: store.WorkerSandbox, ID: ref.ID})
		if err != nil {
			return nil, err
		}
		if sandboxTask != nil {
			return sandboxTask, nil
		}
	}
	return r.ResolveCurrentTask(ctx, ref)
}

func hasKindPrefix(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
