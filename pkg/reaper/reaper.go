// Package reaper force-terminates stray sandbox processes system-wide. It
// is a maintenance operation invoked explicitly (crash recovery, host
// cleanup), never from request-handling paths.
package reaper

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultPattern matches the backing notebook server processes.
const DefaultPattern = "jupyter-notebook"

// Lister enumerates candidate process IDs by command-line pattern.
type Lister interface {
	List(pattern string) ([]int, error)
}

// PgrepLister lists processes via pgrep -f.
type PgrepLister struct{}

var _ Lister = (*PgrepLister)(nil)

// List returns the PIDs whose command line matches pattern. No matches is
// not an error.
func (PgrepLister) List(pattern string) ([]int, error) {
	out, err := exec.Command("pgrep", "-f", pattern).Output()
	if err != nil {
		// pgrep exits 1 when nothing matched.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep -f %s: %w", pattern, err)
	}

	var pids []int
	for _, line := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Reaper terminates every process matching its pattern: SIGTERM first, a
// bounded grace period, then SIGKILL for survivors.
type Reaper struct {
	lister  Lister
	pattern string
	grace   time.Duration
	logger  *log.Logger

	// signal is swappable for tests.
	signal func(pid int, sig syscall.Signal) error
}

// New creates a Reaper. Empty pattern selects DefaultPattern; zero grace
// selects three seconds.
func New(lister Lister, pattern string, grace time.Duration, logger *log.Logger) *Reaper {
	if lister == nil {
		lister = PgrepLister{}
	}
	if pattern == "" {
		pattern = DefaultPattern
	}
	if grace <= 0 {
		grace = 3 * time.Second
	}
	return &Reaper{
		lister:  lister,
		pattern: pattern,
		grace:   grace,
		logger:  logger,
		signal:  syscall.Kill,
	}
}

// Reap terminates all matching processes and returns how many were
// signalled. A single process resisting termination is logged and does not
// abort the remaining kills.
func (r *Reaper) Reap() (int, error) {
	pids, err := r.lister.List(r.pattern)
	if err != nil {
		return 0, err
	}

	self := os.Getpid()
	killed := 0
	var survivors []int
	for _, pid := range pids {
		if pid == self {
			continue
		}
		if err := r.signal(pid, syscall.SIGTERM); err != nil {
			r.logger.Printf("reaper: SIGTERM pid %d: %v", pid, err)
			continue
		}
		killed++
		survivors = append(survivors, pid)
	}

	if len(survivors) == 0 {
		return killed, nil
	}
	time.Sleep(r.grace)

	for _, pid := range survivors {
		// Signal 0 probes whether the process is still around.
		if err := r.signal(pid, 0); err != nil {
			continue
		}
		if err := r.signal(pid, syscall.SIGKILL); err != nil {
			r.logger.Printf("reaper: SIGKILL pid %d: %v", pid, err)
		}
	}
	return killed, nil
}
