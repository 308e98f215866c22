// Package request carries the per-call identity (session and task) that every
// clustering operation is scoped to. Task bookkeeping is delegated to a
// TaskManager so this package does not depend on any concrete task store.
package request

import (
	"context"
	"time"
)

// Info identifies the caller and the task a call runs under.
type Info struct {
	Session string
	Task    string
}

type ctxKey struct{}

// NewContext returns a child of ctx carrying info.
func NewContext(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// FromContext returns the Info stored in ctx, if any.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(ctxKey{}).(Info)
	return info, ok
}

// DebugToken is the string passed to the clustering daemon to correlate its
// logs with the API task.
func DebugToken(ctx context.Context) string {
	if info, ok := FromContext(ctx); ok && info.Task != "" {
		return info.Task
	}
	return "untracked"
}

// TaskManager is the capability the request layer needs from task tracking.
type TaskManager interface {
	// Begin registers a task for the named operation and returns its id.
	Begin(name, session string) string
	// Finish records the outcome of task id.
	Finish(id string, err error)
}

// Begin starts a task for op and returns the derived context together with
// the func that completes it. A session or task already present in ctx is
// inherited, so nested calls share one task.
func Begin(ctx context.Context, tm TaskManager, op string) (context.Context, func(error)) {
	info, _ := FromContext(ctx)
	if info.Task != "" || tm == nil {
		return NewContext(ctx, info), func(error) {}
	}
	info.Task = tm.Begin(op, info.Session)
	return NewContext(ctx, info), func(err error) { tm.Finish(info.Task, err) }
}

// Task is a finished or running task as recorded by Tasks.
type Task struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Session  string    `json:"session,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Err      string    `json:"error,omitempty"`
}
