// Package pidfile guards against two daemons driving the same fans.
package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/thermalctl/internal/errors"
)

const DefaultName = "thermalctl.pid"

// DefaultPath returns the PID file location in the system temp directory.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), DefaultName)
}

// Write records the current process ID at path. It fails with
// already_running when the file names a live process. Stale or unreadable
// files are overwritten.
func Write(path string) error {
	errFactory := errors.New()

	if owner, ok := readPID(path); ok && owner != os.Getpid() && alive(owner) {
		return errFactory.WithData(errors.ErrAlreadyRunning, owner)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove deletes the PID file if it exists.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func readPID(path string) (int, bool) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	return pid, true
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// EPERM means the process exists but belongs to another user.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
