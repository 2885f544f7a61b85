package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tgra59/apple-mcp-enhanced/internal/apperr"
)

// PIDFile is the daemon's liveness marker: an advisory-locked file
// holding the owning process id. The flock is the primary mutual
// exclusion; the recorded-PID liveness check is a secondary guard for
// platforms or filesystems where the lock is not honored. A marker
// pointing to a dead process is discarded and treated as absence.
//
// Two processes racing through Acquire at the same instant can, in the
// fallback path, both conclude no daemon is running. Accepted
// limitation; the flock closes the window on local filesystems.
type PIDFile struct {
	path string
	file *os.File
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

func (p *PIDFile) Path() string { return p.path }

// Acquire takes the marker for the current process. Fails with
// apperr.ErrAlreadyRunning when another live instance holds it.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pid dir: %w", err)
	}
	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open pid file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if pid, running := checkExistingPID(p.path); running {
			return fmt.Errorf("%w (pid %d)", apperr.ErrAlreadyRunning, pid)
		}
		return apperr.ErrAlreadyRunning
	}

	// Lock held. Secondary guard: a recorded live PID other than our
	// own means a daemon is running without holding the lock.
	if pid, running := checkExistingPID(p.path); running && pid != os.Getpid() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return fmt.Errorf("%w (pid %d)", apperr.ErrAlreadyRunning, pid)
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	p.file = f
	return nil
}

// Release removes the marker and drops the lock. Only removes the
// file when it still records our own pid.
func (p *PIDFile) Release() error {
	if p.file == nil {
		return nil
	}
	defer func() {
		_ = p.file.Close()
		p.file = nil
	}()

	data, err := os.ReadFile(p.path)
	if err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid == os.Getpid() {
			return os.Remove(p.path)
		}
	}
	return nil
}

// checkExistingPID reads a marker and reports whether its process is
// alive. A marker for a dead process is removed.
func checkExistingPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if processRunning(pid) {
		return pid, true
	}
	_ = os.Remove(path)
	return pid, false
}

// ReadPID reports the recorded daemon pid when that process is still
// alive. Stale markers are cleared as a side effect.
func ReadPID(path string) (int, bool) {
	return checkExistingPID(path)
}

func processRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		// Fall back to the signal-0 convention.
		proc, ferr := os.FindProcess(pid)
		if ferr != nil {
			return false
		}
		return proc.Signal(syscall.Signal(0)) == nil
	}
	return exists
}
