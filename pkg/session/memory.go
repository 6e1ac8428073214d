package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBasePort is the first port handed out when no base is configured.
const DefaultBasePort = 8800

// DefaultPortRange is the number of ports available from the base.
const DefaultPortRange = 200

// MemoryStore is a thread-safe in-memory session registry. Port and token
// allocation happen under the same lock as session creation, so two
// concurrent Create calls can never hand out the same port or token.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by project ID; latest record wins

	basePort  int
	portRange int
	nextPort  int
	freePorts []int
}

// NewMemoryStore creates an empty registry allocating ports from
// [basePort, basePort+portRange). Zero values select the defaults.
func NewMemoryStore(basePort, portRange int) *MemoryStore {
	if basePort <= 0 {
		basePort = DefaultBasePort
	}
	if portRange <= 0 {
		portRange = DefaultPortRange
	}
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		basePort:  basePort,
		portRange: portRange,
		nextPort:  basePort,
	}
}

// Create registers a new session in status starting. The port comes from
// the freelist if any session has released one, otherwise from the
// monotonic cursor. Released ports are eligible for immediate reuse; tokens
// are never recycled.
func (m *MemoryStore) Create(projectID, workspaceDir string) (*Session, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[projectID]; ok && existing.Status.Active() {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrAlreadyActive)
	}

	port, err := m.allocatePort()
	if err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		// Port goes straight back; nothing else was committed.
		m.freePorts = append(m.freePorts, port)
		return nil, err
	}

	sess := &Session{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Port:         port,
		Token:        token,
		WorkspaceDir: workspaceDir,
		Status:       StatusStarting,
		CreatedAt:    time.Now(),
	}
	m.sessions[projectID] = sess
	return sess, nil
}

// Get retrieves the project's active session. A stopped or errored record
// is history, not a routable session.
func (m *MemoryStore) Get(projectID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[projectID]
	if !ok || !sess.Status.Active() {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	copied := *sess
	return &copied, nil
}

// Update applies fn to the project's session under the store lock.
func (m *MemoryStore) Update(projectID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	fn(sess)
	return nil
}

// Transition is the compare-and-set on session status. Exactly one of two
// concurrent callers expecting the same `from` status wins; the other gets
// ErrConflict.
func (m *MemoryStore) Transition(projectID string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if sess.Status != from {
		return fmt.Errorf("project %s: have %s, want %s: %w", projectID, sess.Status, from, ErrConflict)
	}
	sess.Status = to
	if to == StatusRunning {
		sess.StartedAt = time.Now()
	}
	return nil
}

// Release clears the session's port, token and PID and returns the port to
// the freelist. Call only after the session has reached stopped or error.
func (m *MemoryStore) Release(projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if sess.Status.Active() {
		return fmt.Errorf("project %s: release of %s session: %w", projectID, sess.Status, ErrConflict)
	}
	if sess.Port != 0 {
		m.freePorts = append(m.freePorts, sess.Port)
	}
	sess.Port = 0
	sess.Token = ""
	sess.PID = 0
	return nil
}

// List returns a snapshot of all sessions.
func (m *MemoryStore) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		copied := *sess
		result = append(result, &copied)
	}
	return result
}

// allocatePort hands out the next free port. Caller holds m.mu.
func (m *MemoryStore) allocatePort() (int, error) {
	if n := len(m.freePorts); n > 0 {
		port := m.freePorts[n-1]
		m.freePorts = m.freePorts[:n-1]
		return port, nil
	}
	if m.nextPort >= m.basePort+m.portRange {
		return 0, ErrPortExhausted
	}
	port := m.nextPort
	m.nextPort++
	return port, nil
}

// newToken returns a fresh 32-byte hex token from crypto/rand.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
