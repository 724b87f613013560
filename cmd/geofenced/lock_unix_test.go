//go:build !windows

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstanceLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geofenced.lock")

	first, err := acquireLock(path)
	require.NoError(t, err)

	_, err = acquireLock(path)
	require.Error(t, err)

	require.NoError(t, first.Release())

	again, err := acquireLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}
