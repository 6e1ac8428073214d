// Package sandbox manages the lifecycle of per-project notebook sandboxes:
// port and token allocation through the session registry, runtime config
// generation, process spawn, readiness polling, health monitoring, and
// teardown.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sandbox-gateway/pkg/confheal"
	"sandbox-gateway/pkg/session"
)

// ErrSpawnFailure means the backing process failed to start or never became
// ready on its port within the bound.
var ErrSpawnFailure = errors.New("sandbox spawn failure")

// Config holds lifecycle tuning for the manager.
type Config struct {
	// Command is the argv template for the backing process. The
	// placeholders {config_file}, {port} and {workspace_dir} are expanded
	// per session.
	Command []string

	// ReadyTimeout bounds how long Start waits for the sandbox port to
	// accept connections.
	ReadyTimeout time.Duration

	// StopGrace is how long Stop waits after SIGTERM before force-killing.
	StopGrace time.Duration

	// HealthInterval is the period between health probes. Zero disables
	// background monitoring.
	HealthInterval time.Duration
}

// DefaultCommand launches a Jupyter notebook server against the generated
// config artifact.
var DefaultCommand = []string{"jupyter-notebook", "--no-browser", "--config", "{config_file}"}

func (c *Config) withDefaults() {
	if len(c.Command) == 0 {
		c.Command = DefaultCommand
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
}

// Manager starts, monitors and stops sandbox processes. All allocation
// bookkeeping goes through the session registry; the manager holds only the
// process handles, which the registry cannot carry.
type Manager struct {
	store   session.Store
	spawner Spawner
	cfg     Config
	logger  *log.Logger

	mu       sync.Mutex
	procs    map[string]Process
	monitors map[string]chan struct{}

	// dial is swappable for tests.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewManager creates a lifecycle manager on top of the given registry.
func NewManager(store session.Store, spawner Spawner, cfg Config, logger *log.Logger) *Manager {
	cfg.withDefaults()
	return &Manager{
		store:    store,
		spawner:  spawner,
		cfg:      cfg,
		logger:   logger,
		procs:    make(map[string]Process),
		monitors: make(map[string]chan struct{}),
		dial:     net.DialTimeout,
	}
}

// Start brings up a sandbox for the project: allocate port and token,
// write and self-heal the runtime config, spawn the process, and wait for
// the port to accept connections. On any failure the session ends in error
// with its port and token released.
func (m *Manager) Start(ctx context.Context, projectID, workspaceDir string) (*session.Session, error) {
	sess, err := m.store.Create(projectID, workspaceDir)
	if err != nil {
		return nil, err
	}

	cfgPath, err := WriteRuntimeConfig(sess)
	if err != nil {
		m.abort(projectID)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	// Legacy workspaces can carry a corrupt security-header directive;
	// repair is best-effort and must not block the start.
	if _, err := confheal.RepairFile(cfgPath); err != nil {
		m.logger.Printf("sandbox %s: config self-heal: %v", projectID, err)
	}

	proc, err := m.spawner.Spawn(ctx, SpawnSpec{
		Command: expandCommand(m.cfg.Command, cfgPath, sess),
		Dir:     sess.WorkspaceDir,
	})
	if err != nil {
		m.abort(projectID)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	_ = m.store.Update(projectID, func(s *session.Session) { s.PID = proc.PID() })
	m.mu.Lock()
	m.procs[projectID] = proc
	m.mu.Unlock()

	if err := m.waitReady(ctx, proc, sess.Port); err != nil {
		m.logger.Printf("sandbox %s: not ready on port %d: %v", projectID, sess.Port, err)
		_ = proc.Kill()
		m.removeProc(projectID)
		m.abort(projectID)
		return nil, fmt.Errorf("%w: readiness: %v", ErrSpawnFailure, err)
	}

	if err := m.store.Transition(projectID, session.StatusStarting, session.StatusRunning); err != nil {
		// Lost a race against a concurrent teardown.
		_ = proc.Kill()
		m.removeProc(projectID)
		m.abort(projectID)
		return nil, err
	}

	if m.cfg.HealthInterval > 0 {
		m.startMonitor(projectID)
	}

	m.logger.Printf("sandbox %s: running on 127.0.0.1:%d (pid %d)", projectID, sess.Port, proc.PID())
	return m.store.Get(projectID)
}

// Stop tears down the project's sandbox: graceful signal, bounded grace
// period, force kill. The session always reaches stopped and releases its
// port and token, whatever the process did.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	err := m.store.Transition(projectID, session.StatusRunning, session.StatusStopping)
	if errors.Is(err, session.ErrConflict) {
		err = m.store.Transition(projectID, session.StatusStarting, session.StatusStopping)
	}
	if err != nil {
		return err
	}

	m.stopMonitor(projectID)

	m.mu.Lock()
	proc := m.procs[projectID]
	delete(m.procs, projectID)
	m.mu.Unlock()

	if proc != nil {
		if err := proc.Terminate(); err != nil {
			m.logger.Printf("sandbox %s: terminate: %v", projectID, err)
		}
		select {
		case <-proc.Done():
		case <-time.After(m.cfg.StopGrace):
			m.logger.Printf("sandbox %s: grace period elapsed, killing", projectID)
			_ = proc.Kill()
			<-proc.Done()
		case <-ctx.Done():
			_ = proc.Kill()
		}
	}

	if err := m.store.Transition(projectID, session.StatusStopping, session.StatusStopped); err != nil {
		return err
	}
	if err := m.store.Release(projectID); err != nil {
		return err
	}
	m.logger.Printf("sandbox %s: stopped", projectID)
	return nil
}

// HealthCheck probes the project's running sandbox once.
func (m *Manager) HealthCheck(projectID string) error {
	sess, err := m.store.Get(projectID)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusRunning {
		return fmt.Errorf("project %s: %w", projectID, session.ErrNotFound)
	}
	conn, err := m.dial("tcp", fmt.Sprintf("127.0.0.1:%d", sess.Port), 2*time.Second)
	if err != nil {
		return fmt.Errorf("sandbox %s unhealthy: %w", projectID, err)
	}
	return conn.Close()
}

// StopAll tears down every active sandbox. Used on gateway shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, sess := range m.store.List() {
		if !sess.Status.Active() {
			continue
		}
		if err := m.Stop(ctx, sess.ProjectID); err != nil {
			m.logger.Printf("sandbox %s: shutdown stop: %v", sess.ProjectID, err)
		}
	}
}

// waitReady polls the sandbox port with exponential backoff until it
// accepts a connection, the process dies, or the bound elapses.
func (m *Manager) waitReady(ctx context.Context, proc Process, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = m.cfg.ReadyTimeout

	probe := func() error {
		select {
		case <-proc.Done():
			return backoff.Permanent(errors.New("process exited before becoming ready"))
		default:
		}
		conn, err := m.dial("tcp", addr, time.Second)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	return backoff.Retry(probe, backoff.WithContext(bo, ctx))
}

// startMonitor launches the background health monitor for a running
// session. Three consecutive probe failures mark the session errored and
// tear the process down.
func (m *Manager) startMonitor(projectID string) {
	stop := make(chan struct{})
	m.mu.Lock()
	m.monitors[projectID] = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			if err := m.HealthCheck(projectID); err != nil {
				failures++
				m.logger.Printf("sandbox %s: health probe failed (%d/3): %v", projectID, failures, err)
				if failures >= 3 {
					m.failUnhealthy(projectID)
					return
				}
				continue
			}
			failures = 0
		}
	}()
}

func (m *Manager) stopMonitor(projectID string) {
	m.mu.Lock()
	if stop, ok := m.monitors[projectID]; ok {
		close(stop)
		delete(m.monitors, projectID)
	}
	m.mu.Unlock()
}

// failUnhealthy moves a running session to error and kills its process.
// The registry stops routing the moment the transition lands.
func (m *Manager) failUnhealthy(projectID string) {
	m.stopMonitor(projectID)
	if err := m.store.Transition(projectID, session.StatusRunning, session.StatusError); err != nil {
		// A concurrent Stop got there first; nothing left to do.
		return
	}

	m.mu.Lock()
	proc := m.procs[projectID]
	delete(m.procs, projectID)
	m.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
	if err := m.store.Release(projectID); err != nil {
		m.logger.Printf("sandbox %s: release after failure: %v", projectID, err)
	}
	m.logger.Printf("sandbox %s: marked errored after repeated health failures", projectID)
}

// abort marks a starting session as failed and releases its resources.
func (m *Manager) abort(projectID string) {
	if err := m.store.Transition(projectID, session.StatusStarting, session.StatusError); err != nil {
		return
	}
	if err := m.store.Release(projectID); err != nil {
		m.logger.Printf("sandbox %s: release after abort: %v", projectID, err)
	}
}

func (m *Manager) removeProc(projectID string) {
	m.mu.Lock()
	delete(m.procs, projectID)
	m.mu.Unlock()
}

// expandCommand substitutes the per-session placeholders into the argv
// template.
func expandCommand(template []string, cfgPath string, sess *session.Session) []string {
	repl := strings.NewReplacer(
		"{config_file}", cfgPath,
		"{port}", fmt.Sprintf("%d", sess.Port),
		"{workspace_dir}", sess.WorkspaceDir,
	)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = repl.Replace(arg)
	}
	return out
}
