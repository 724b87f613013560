//go:build windows

package main

import (
	"fmt"
	"os"
)

type instanceLock struct {
	path string
}

// acquireLock creates path exclusively; a stale file from a crashed daemon
// must be removed by hand.
func acquireLock(path string) (*instanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another geofenced is using %s", path)
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &instanceLock{path: path}, nil
}

func (l *instanceLock) Release() error {
	return os.Remove(l.path)
}
