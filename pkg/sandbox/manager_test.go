package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-gateway/pkg/session"
)

// fakeProcess backs a fake sandbox with a real TCP listener so readiness
// polling and health probes exercise the same code paths as production.
type fakeProcess struct {
	pid  int
	ln   net.Listener
	done chan struct{}

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	return p.exit()
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return p.exit()
}

// exit closes the listener and the done channel once. Caller holds p.mu.
func (p *fakeProcess) exit() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.ln != nil {
		_ = p.ln.Close()
	}
	close(p.done)
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

// stubbornProcess ignores Terminate; only Kill brings it down.
type stubbornProcess struct{ *fakeProcess }

func (p *stubbornProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	return nil
}

// fakeSpawner listens on the port baked into the spawn command, unless
// configured to fail or to never become ready.
type fakeSpawner struct {
	mu        sync.Mutex
	spawned   []*fakeProcess
	spawnErr  error
	neverUp   bool
	stubborn  bool
	lastSpecs []SpawnSpec
}

func (s *fakeSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSpecs = append(s.lastSpecs, spec)

	if s.spawnErr != nil {
		return nil, s.spawnErr
	}

	proc := &fakeProcess{pid: 4000 + len(s.spawned), done: make(chan struct{})}
	if !s.neverUp {
		port, err := strconv.Atoi(spec.Command[len(spec.Command)-1])
		if err != nil {
			return nil, fmt.Errorf("bad test command %v: %w", spec.Command, err)
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return nil, err
		}
		proc.ln = ln
		go acceptLoop(ln)
	}
	s.spawned = append(s.spawned, proc)
	if s.stubborn {
		return &stubbornProcess{proc}, nil
	}
	return proc, nil
}

// killAll tears down every spawned fake process so no listener outlives
// its test.
func (s *fakeSpawner) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, proc := range s.spawned {
		_ = proc.Kill()
	}
}

func acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

// Each test gets its own slice of the port space so a sandbox left running
// in one test can never shadow another test's port.
var testPortBase atomic.Int32

func init() { testPortBase.Store(43800) }

func testManager(t *testing.T, spawner Spawner, cfg Config) (*Manager, *session.MemoryStore) {
	t.Helper()
	if fs, ok := spawner.(*fakeSpawner); ok {
		t.Cleanup(fs.killAll)
	}
	store := session.NewMemoryStore(int(testPortBase.Add(50))-50, 50)
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"fake-notebook", "{config_file}", "{port}"}
	}
	logger := log.New(io.Discard, "", 0)
	return NewManager(store, spawner, cfg, logger), store
}

func TestManager_StartBecomesRunning(t *testing.T) {
	spawner := &fakeSpawner{}
	mgr, store := testManager(t, spawner, Config{ReadyTimeout: 5 * time.Second})
	workspace := t.TempDir()

	sess, err := mgr.Start(context.Background(), "proj-1", workspace)
	require.NoError(t, err)

	assert.Equal(t, session.StatusRunning, sess.Status)
	assert.NotZero(t, sess.PID)
	assert.NotEmpty(t, sess.Token)

	got, err := store.Get("proj-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, got.Status)

	// The runtime config landed in the workspace with this session's
	// port and token.
	raw, err := os.ReadFile(filepath.Join(workspace, ConfigFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), fmt.Sprintf("port = %d", sess.Port))
	assert.Contains(t, string(raw), sess.Token)
	assert.Contains(t, string(raw), "c.NotebookApp.ip = '127.0.0.1'")
}

func TestManager_StartSpawnError(t *testing.T) {
	spawner := &fakeSpawner{spawnErr: errors.New("no such binary")}
	mgr, store := testManager(t, spawner, Config{})

	_, err := mgr.Start(context.Background(), "proj-1", t.TempDir())
	require.ErrorIs(t, err, ErrSpawnFailure)

	// The session ended in error and released its resources.
	_, err = store.Get("proj-1")
	require.ErrorIs(t, err, session.ErrNotFound)
	for _, s := range store.List() {
		if s.ProjectID == "proj-1" {
			assert.Equal(t, session.StatusError, s.Status)
			assert.Zero(t, s.Port)
			assert.Empty(t, s.Token)
		}
	}
}

func TestManager_StartReadinessTimeout(t *testing.T) {
	spawner := &fakeSpawner{neverUp: true}
	mgr, store := testManager(t, spawner, Config{ReadyTimeout: 200 * time.Millisecond})

	_, err := mgr.Start(context.Background(), "proj-1", t.TempDir())
	require.ErrorIs(t, err, ErrSpawnFailure)

	_, err = store.Get("proj-1")
	require.ErrorIs(t, err, session.ErrNotFound)

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.Len(t, spawner.spawned, 1)
	assert.True(t, spawner.spawned[0].killed)
}

func TestManager_StartAlreadyActive(t *testing.T) {
	spawner := &fakeSpawner{}
	mgr, _ := testManager(t, spawner, Config{})

	_, err := mgr.Start(context.Background(), "proj-1", t.TempDir())
	require.NoError(t, err)

	_, err = mgr.Start(context.Background(), "proj-1", t.TempDir())
	require.ErrorIs(t, err, session.ErrAlreadyActive)
}

func TestManager_StopGraceful(t *testing.T) {
	spawner := &fakeSpawner{}
	mgr, store := testManager(t, spawner, Config{})

	sess, err := mgr.Start(context.Background(), "proj-1", t.TempDir())
	require.NoError(t, err)
	port := sess.Port

	require.NoError(t, mgr.Stop(context.Background(), "proj-1"))

	_, err = store.Get("proj-1")
	require.ErrorIs(t, err, session.ErrNotFound)

	spawner.mu.Lock()
	assert.True(t, spawner.spawned[0].terminated)
	assert.False(t, spawner.spawned[0].killed)
	spawner.mu.Unlock()

	// The released port is reusable by another project.
	next, err := mgr.Start(context.Background(), "proj-2", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, port, next.Port)
}

func TestManager_StopForceKillsAfterGrace(t *testing.T) {
	spawner := &fakeSpawner{stubborn: true}
	mgr, store := testManager(t, spawner, Config{StopGrace: 100 * time.Millisecond})

	_, err := mgr.Start(context.Background(), "proj-1", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, mgr.Stop(context.Background(), "proj-1"))

	spawner.mu.Lock()
	assert.True(t, spawner.spawned[0].terminated)
	assert.True(t, spawner.spawned[0].killed)
	spawner.mu.Unlock()

	for _, s := range store.List() {
		assert.Equal(t, session.StatusStopped, s.Status)
	}
}

func TestManager_StopWithoutSession(t *testing.T) {
	mgr, _ := testManager(t, &fakeSpawner{}, Config{})

	err := mgr.Stop(context.Background(), "ghost")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestManager_HealthCheck(t *testing.T) {
	spawner := &fakeSpawner{}
	mgr, _ := testManager(t, spawner, Config{})

	_, err := mgr.Start(context.Background(), "proj-1", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, mgr.HealthCheck("proj-1"))

	// Sandbox dies; the probe notices.
	spawner.mu.Lock()
	proc := spawner.spawned[0]
	spawner.mu.Unlock()
	require.NoError(t, proc.Kill())

	require.Error(t, mgr.HealthCheck("proj-1"))
}

func TestManager_MonitorMarksErrorAfterRepeatedFailures(t *testing.T) {
	spawner := &fakeSpawner{}
	mgr, store := testManager(t, spawner, Config{HealthInterval: 20 * time.Millisecond})

	_, err := mgr.Start(context.Background(), "proj-1", t.TempDir())
	require.NoError(t, err)

	spawner.mu.Lock()
	proc := spawner.spawned[0]
	spawner.mu.Unlock()
	require.NoError(t, proc.Kill())

	require.Eventually(t, func() bool {
		for _, s := range store.List() {
			if s.ProjectID == "proj-1" {
				return s.Status == session.StatusError
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "session never reached error")

	_, err = store.Get("proj-1")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestManager_StopAll(t *testing.T) {
	spawner := &fakeSpawner{}
	mgr, store := testManager(t, spawner, Config{})

	_, err := mgr.Start(context.Background(), "proj-a", t.TempDir())
	require.NoError(t, err)
	_, err = mgr.Start(context.Background(), "proj-b", t.TempDir())
	require.NoError(t, err)

	mgr.StopAll(context.Background())

	for _, s := range store.List() {
		assert.Equal(t, session.StatusStopped, s.Status)
	}
}

func TestExpandCommand(t *testing.T) {
	sess := &session.Session{Port: 8801, WorkspaceDir: "/srv/ws/p1"}
	got := expandCommand(
		[]string{"jupyter-notebook", "--no-browser", "--config", "{config_file}", "--port", "{port}"},
		"/srv/ws/p1/notebook_config.py", sess,
	)
	assert.Equal(t, []string{
		"jupyter-notebook", "--no-browser",
		"--config", "/srv/ws/p1/notebook_config.py",
		"--port", "8801",
	}, got)
}
