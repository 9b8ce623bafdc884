package supervisor

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// DefaultUserID is the sentinel user id of the always-on default worker
// serving unauthenticated sessions and bootstrap introspection.
const DefaultUserID = "default"

// Status is the lifecycle state of a worker.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Worker is one supervised child process serving a single user. All mutable
// fields are owned by the Supervisor and mutated only under its lock; the
// child process itself is driven by the worker's owning goroutine.
type Worker struct {
	ID        string
	UserID    string
	Port      int
	TokenDir  string
	CreatedAt time.Time

	status       Status
	lastActivity time.Time

	cmd *exec.Cmd
	// exited is closed by the owning goroutine once the child process has
	// been reaped. Reads of exit state must go through this channel, not
	// cmd.ProcessState.
	exited chan struct{}
	// stopTimer force-kills the child if a graceful stop overruns.
	stopTimer *time.Timer
}

func newWorker(userID string, port int, tokenDir string) *Worker {
	now := time.Now()
	return &Worker{
		ID:           uuid.NewString(),
		UserID:       userID,
		Port:         port,
		TokenDir:     tokenDir,
		CreatedAt:    now,
		status:       StatusStarting,
		lastActivity: now,
		exited:       make(chan struct{}),
	}
}

// IsDefault reports whether this is the default worker.
func (w *Worker) IsDefault() bool {
	return w.UserID == DefaultUserID
}

// BaseURL is the loopback address the worker serves on.
func (w *Worker) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", w.Port)
}

// Exited returns a channel closed once the child process has terminated.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// Snapshot is an immutable view of a worker for callers outside the
// supervisor's lock.
type Snapshot struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Port         int       `json:"port"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// snapshotLocked captures the worker's current state. Callers must hold the
// supervisor lock.
func (w *Worker) snapshotLocked() Snapshot {
	return Snapshot{
		ID:           w.ID,
		UserID:       w.UserID,
		Port:         w.Port,
		Status:       w.status,
		CreatedAt:    w.CreatedAt,
		LastActivity: w.lastActivity,
	}
}
