package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
)

// SpawnSpec describes the backing process to launch for a session.
type SpawnSpec struct {
	// Command is the fully expanded argv. Command[0] is the executable.
	Command []string

	// Dir is the working directory (the session's workspace).
	Dir string

	// Env is appended to the parent environment.
	Env []string
}

// Process is a handle on a spawned sandbox process.
type Process interface {
	// PID returns the operating-system process ID.
	PID() int

	// Terminate asks the process to shut down gracefully.
	Terminate() error

	// Kill force-terminates the process.
	Kill() error

	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Spawner launches sandbox processes. The default implementation uses
// os/exec; tests substitute a fake.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner spawns real OS processes in their own session group so that
// signals never leak to the gateway's process group.
type ExecSpawner struct{}

var _ Spawner = (*ExecSpawner)(nil)

// Spawn starts the command detached from the gateway's terminal. Stdout and
// stderr are discarded; the notebook server keeps its own logs in the
// workspace.
func (ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty spawn command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Command[0], err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} { return p.done }
