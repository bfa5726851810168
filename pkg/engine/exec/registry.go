package exec

import (
	"sync"

	"github.com/google/uuid"

	"github.com/quiverdb/quiver/pkg/engine/physical"
)

// taskRegistry is the process-wide list of live tasks, for diagnostics and
// cross-task coordination. Constructed on first use.
type taskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

var (
	taskListOnce sync.Once
	taskListInst *taskRegistry
)

func taskList() *taskRegistry {
	taskListOnce.Do(func() {
		taskListInst = &taskRegistry{tasks: make(map[string]*Task)}
	})
	return taskListInst
}

func (r *taskRegistry) add(t *Task) {
	r.mu.Lock()
	r.tasks[t.ID()] = t
	r.mu.Unlock()
}

func (r *taskRegistry) remove(t *Task) {
	r.mu.Lock()
	if r.tasks[t.ID()] == t {
		delete(r.tasks, t.ID())
	}
	r.mu.Unlock()
}

// FindTask returns a live task by ID, or nil.
func FindTask(id string) *Task {
	r := taskList()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id]
}

// LiveTasks returns a snapshot of all live tasks.
func LiveTasks() []*Task {
	r := taskList()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// NumLiveTasks returns the number of live tasks.
func NumLiveTasks() int {
	r := taskList()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// TaskListener observes task terminations process-wide. Each listener is
// invoked exactly once per task, outside the task lock.
type TaskListener interface {
	// Name identifies the listener for duplicate registration checks.
	Name() string

	OnTaskCompletion(taskUUID uuid.UUID, taskID string, state TaskState, err error, stats TaskStats, fragment physical.Fragment)
}

type listenerRegistry struct {
	mu        sync.RWMutex
	listeners []TaskListener
}

var (
	listenersOnce sync.Once
	listenersInst *listenerRegistry
)

func listeners() *listenerRegistry {
	listenersOnce.Do(func() {
		listenersInst = &listenerRegistry{}
	})
	return listenersInst
}

// RegisterTaskListener adds a completion listener. Registering the same
// listener twice is a no-op returning false.
func RegisterTaskListener(l TaskListener) bool {
	reg := listeners()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, existing := range reg.listeners {
		if existing == l {
			return false
		}
	}
	reg.listeners = append(reg.listeners, l)
	return true
}

// UnregisterTaskListener removes a listener, reporting whether it was
// registered.
func UnregisterTaskListener(l TaskListener) bool {
	reg := listeners()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for i, existing := range reg.listeners {
		if existing == l {
			reg.listeners = append(reg.listeners[:i], reg.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// resetTaskListeners drops all listeners. Tests only.
func resetTaskListeners() {
	reg := listeners()
	reg.mu.Lock()
	reg.listeners = nil
	reg.mu.Unlock()
}

func notifyTaskListeners(taskUUID uuid.UUID, taskID string, state TaskState, err error, stats TaskStats, fragment physical.Fragment) {
	reg := listeners()
	reg.mu.RLock()
	snapshot := append([]TaskListener(nil), reg.listeners...)
	reg.mu.RUnlock()

	for _, l := range snapshot {
		l.OnTaskCompletion(taskUUID, taskID, state, err, stats, fragment)
	}
}
