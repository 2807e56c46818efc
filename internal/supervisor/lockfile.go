package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
)

// ErrLockHeld means another live supervisor owns the worker lock file.
var ErrLockHeld = errors.New("worker lock held by another process")

// lockFile is an advisory lock recording the owning process id.
type lockFile struct {
	path string
	pid  int
}

// acquireLock creates path exclusively and writes the current pid into it.
// A lock left behind by a dead process is reclaimed.
func acquireLock(path string) (*lockFile, error) {
	pid := os.Getpid()
	for range 2 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid))
			cerr := f.Close()
			if werr = errors.Join(werr, cerr); werr != nil {
				_ = os.Remove(path)
				return nil, apperrors.ProcessSpawn("supervisor.lock", werr)
			}
			return &lockFile{path: path, pid: pid}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, apperrors.ProcessSpawn("supervisor.lock", err)
		}

		owner, err := readLockPID(path)
		if err == nil && owner != pid && processAlive(owner) {
			return nil, apperrors.ProcessSpawn("supervisor.lock", fmt.Errorf("%w: pid %d (%s)", ErrLockHeld, owner, path))
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.ProcessSpawn("supervisor.lock", err)
		}
	}
	return nil, apperrors.ProcessSpawn("supervisor.lock", fmt.Errorf("%w: %s", ErrLockHeld, path))
}

// release removes the lock file if it still records this process.
func (l *lockFile) release() {
	if l == nil {
		return
	}
	if owner, err := readLockPID(l.path); err == nil && owner == l.pid {
		_ = os.Remove(l.path)
	}
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive probes pid with signal 0. EPERM still means the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
