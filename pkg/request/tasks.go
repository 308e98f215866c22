package request

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	obsmetrics "github.com/amirimatin/go-poolcluster/pkg/observability/metrics"
)

// Tasks is an in-memory TaskManager that keeps the most recent tasks for
// inspection.
type Tasks struct {
	mu    sync.Mutex
	tasks map[string]*Task
	keep  int
}

// NewTasks returns a task table retaining at most keep finished tasks.
func NewTasks(keep int) *Tasks {
	if keep <= 0 {
		keep = 256
	}
	return &Tasks{tasks: make(map[string]*Task), keep: keep}
}

func (t *Tasks) Begin(name, session string) string {
	id := "task-" + uuid.NewString()
	t.mu.Lock()
	t.tasks[id] = &Task{ID: id, Name: name, Session: session, Started: time.Now()}
	t.mu.Unlock()
	obsmetrics.ActiveTasks.Inc()
	return id
}

func (t *Tasks) Finish(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok || !tk.Finished.IsZero() {
		return
	}
	tk.Finished = time.Now()
	if err != nil {
		tk.Err = err.Error()
	}
	obsmetrics.ActiveTasks.Dec()
	t.gcLocked()
}

// List returns a copy of the known tasks, oldest first.
func (t *Tasks) List() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Task, 0, len(t.tasks))
	for _, tk := range t.tasks {
		out = append(out, *tk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (t *Tasks) gcLocked() {
	var done []*Task
	for _, tk := range t.tasks {
		if !tk.Finished.IsZero() {
			done = append(done, tk)
		}
	}
	if len(done) <= t.keep {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].Finished.Before(done[j].Finished) })
	for _, tk := range done[:len(done)-t.keep] {
		delete(t.tasks, tk.ID)
	}
}

var _ TaskManager = (*Tasks)(nil)
