package util

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by CreateMutex when another live process holds the lock.
var ErrAlreadyRunning = errors.New("another instance of pwgraph is running")

// CreateMutex takes a pid lock file. A lock left behind by a dead process is reclaimed.
func CreateMutex(name string) error {
	lockFile := name + ".lock"
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil {
		content := strings.TrimSpace(string(lockContent))
		if content != "" && content != strconv.Itoa(currentPid) {
			if lockPid, err := strconv.Atoi(content); err == nil && processAlive(lockPid) {
				return ErrAlreadyRunning
			}
		}
	}

	if err := os.WriteFile(lockFile, []byte(strconv.Itoa(currentPid)), 0664); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}

	return nil
}

// ReleaseMutex removes the lock file taken by CreateMutex.
func ReleaseMutex(name string) error {
	if err := os.Remove(name + ".lock"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}

	return nil
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
