package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/droverhq/drover/pkg/errdefs"
)

// Write creates the pid file exclusively with the current pid. A stale
// file (its pid no longer exists) is reclaimed.
func Write(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		pid, rerr := Read(path)
		if rerr == nil && processAlive(pid) {
			return errdefs.New(errdefs.KindInvalidState, "pid file %s held by running pid %d", path, pid)
		}
		// Stale: owner is gone, reclaim
		if rerr := os.Remove(path); rerr != nil {
			return errdefs.Wrap(rerr, errdefs.KindTransport, "remove stale pid file")
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	}
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "create pid file")
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "write pid file")
	}
	return nil
}

// Read returns the pid recorded in the file.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errdefs.Wrap(err, errdefs.KindNotFound, "read pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errdefs.Wrap(err, errdefs.KindConfig, "parse pid file")
	}
	return pid, nil
}

// Remove deletes the pid file. Missing files are not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errdefs.Wrap(err, errdefs.KindTransport, "remove pid file")
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 probes existence without delivering anything
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
