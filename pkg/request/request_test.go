package request

import (
	"context"
	"errors"
	"testing"
)

func TestBegin_RegistersAndFinishesTask(t *testing.T) {
	tm := NewTasks(4)
	ctx := NewContext(context.Background(), Info{Session: "s1"})
	ctx, done := Begin(ctx, tm, "Cluster.create")
	info, ok := FromContext(ctx)
	if !ok || info.Task == "" || info.Session != "s1" {
		t.Fatalf("unexpected info: %#v", info)
	}
	if got := DebugToken(ctx); got != info.Task {
		t.Fatalf("debug token = %q, want task id", got)
	}
	done(errors.New("daemon said no"))
	tasks := tm.List()
	if len(tasks) != 1 || tasks[0].Name != "Cluster.create" || tasks[0].Err != "daemon said no" || tasks[0].Finished.IsZero() {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}

func TestBegin_NestedCallsShareTask(t *testing.T) {
	tm := NewTasks(4)
	outer, done := Begin(context.Background(), tm, "Cluster.pool_create")
	defer done(nil)
	inner, innerDone := Begin(outer, tm, "Cluster.create")
	innerDone(nil)
	a, _ := FromContext(outer)
	b, _ := FromContext(inner)
	if a.Task != b.Task {
		t.Fatalf("nested task %q differs from outer %q", b.Task, a.Task)
	}
	if len(tm.List()) != 1 {
		t.Fatalf("expected one task, got %d", len(tm.List()))
	}
}

func TestTasks_RetainsBoundedHistory(t *testing.T) {
	tm := NewTasks(2)
	for i := 0; i < 5; i++ {
		id := tm.Begin("op", "")
		tm.Finish(id, nil)
	}
	if n := len(tm.List()); n != 2 {
		t.Fatalf("retained %d tasks, want 2", n)
	}
	if DebugToken(context.Background()) != "untracked" {
		t.Fatalf("expected untracked debug token")
	}
}
