// Package session is the registry of notebook sandbox sessions. One session
// exists per project; it owns the sandbox's loopback port, its auth token,
// and its workspace directory for as long as it is active. The lifecycle
// manager creates and transitions sessions; the proxy resolves them on every
// request.
package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Active reports whether a session in this status owns its port, token and
// workspace. Only active sessions are resolvable through the registry.
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping:
		return true
	}
	return false
}

// Registry errors. Callers match with errors.Is.
var (
	// ErrNotFound means no active session exists for the project.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyActive means a starting or running session already exists
	// for the project.
	ErrAlreadyActive = errors.New("session already active")

	// ErrConflict means a Transition lost the compare-and-set: the
	// session's current status was not the expected one.
	ErrConflict = errors.New("session status conflict")

	// ErrPortExhausted means the allocator has no free port left in its range.
	ErrPortExhausted = errors.New("port range exhausted")
)

// Session represents one project's sandbox: the ownership record for a
// port, a token and a workspace directory.
type Session struct {
	// ID identifies this particular session instance in logs and listings.
	// A project that restarts its sandbox gets a new ID.
	ID string

	// ProjectID is the owning project. Unique key: at most one active
	// session per project.
	ProjectID string

	// Port is the loopback port the sandbox is bound to. Unique among
	// active sessions; zero once released.
	Port int

	// Token authenticates proxied requests against the sandbox. Generated
	// from a cryptographically strong source, never logged, never reused.
	Token string

	// WorkspaceDir is the project's private filesystem area.
	WorkspaceDir string

	// PID is the backing process. Zero until spawned and after release.
	PID int

	Status    Status
	CreatedAt time.Time
	StartedAt time.Time
}

// Store defines the session registry interface.
type Store interface {
	// Create registers a new session in status starting, allocating a free
	// port and a fresh token. Fails with ErrAlreadyActive if the project
	// already has an active session, ErrPortExhausted if no port is free.
	Create(projectID, workspaceDir string) (*Session, error)

	// Get retrieves the project's active session. Stopped and errored
	// sessions never satisfy Get.
	Get(projectID string) (*Session, error)

	// Update applies fn to the project's session under the store lock.
	Update(projectID string, fn func(*Session)) error

	// Transition atomically moves the session from one status to another.
	// Fails with ErrConflict if the current status is not `from`.
	Transition(projectID string, from, to Status) error

	// Release clears the session's port, token and PID and returns the
	// port to the allocator. The session record is retained as history.
	Release(projectID string) error

	// List returns a snapshot of all sessions, active and historical.
	List() []*Session
}
