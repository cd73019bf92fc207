package logging

import (
	"context"

	"go.uber.org/zap"
)

// Context key types
type ticketCtxKey struct{}
type taskCtxKey struct{}
type workerCtxKey struct{}

// WithTicket records the ticket being worked on.
func WithTicket(ctx context.Context, ticketID string) context.Context {
	return context.WithValue(ctx, ticketCtxKey{}, ticketID)
}

// WithTask records the task being worked on.
func WithTask(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// WithWorker records the worker the current operation acts on behalf of.
func WithWorker(ctx context.Context, workerRef string) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, workerRef)
}

// TicketFromContext returns the ticket id recorded on ctx, or "".
func TicketFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ticketCtxKey{}).(string)
	return id
}

// TaskFromContext returns the task id recorded on ctx, or "".
func TaskFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskCtxKey{}).(string)
	return id
}

// WorkerFromContext returns the worker ref recorded on ctx, or "".
func WorkerFromContext(ctx context.Context) string {
	ref, _ := ctx.Value(workerCtxKey{}).(string)
	return ref
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)

	if ticketID := TicketFromContext(ctx); ticketID != "" {
		fields = append(fields, zap.String("ticket_id", ticketID))
	}
	if taskID := TaskFromContext(ctx); taskID != "" {
		fields = append(fields, zap.String("task_id", taskID))
	}
	if workerRef := WorkerFromContext(ctx); workerRef != "" {
		fields = append(fields, zap.String("worker_ref", workerRef))
	}

	return fields
}
