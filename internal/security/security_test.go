package security

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRateLimiter(2, 3)
	r.now = func() time.Time { return now }
	r.lastRefill = now

	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow(), "burst request %d", i)
	}
	assert.False(t, r.Allow())

	now = now.Add(500 * time.Millisecond)
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow())
	}
	assert.False(t, r.Allow(), "bucket is capped at burst")
}

func TestKeyedLimiter(t *testing.T) {
	k := NewKeyedLimiter(0.001, 1)

	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
	assert.True(t, k.Allow("b"), "keys are limited independently")
	assert.Equal(t, 2, k.Len())

	k.Forget("a")
	assert.Equal(t, 1, k.Len())
	assert.True(t, k.Allow("a"))
}

func TestKeyedLimiterDisabled(t *testing.T) {
	k := NewKeyedLimiter(0, 1)
	for i := 0; i < 100; i++ {
		require.True(t, k.Allow("a"))
	}
	assert.Equal(t, 0, k.Len())

	var nilLimiter *KeyedLimiter
	assert.True(t, nilLimiter.Allow("a"))
}

func TestKeyedLimiterPrune(t *testing.T) {
	k := NewKeyedLimiter(1, 1)
	k.Allow("a")
	k.Allow("b")
	assert.Equal(t, 0, k.Prune(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, k.Prune(time.Millisecond))
	assert.Equal(t, 0, k.Len())
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "geofenced.toml")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), PermPrivateFile))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), PermPrivateFile))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are not left behind")

	if runtime.GOOS != "windows" {
		require.NoError(t, CheckPrivate(path))
	}
}

func TestCheckPrivate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}
	path := filepath.Join(t.TempDir(), "open")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	require.NoError(t, os.Chmod(path, 0644))

	err := CheckPrivate(path)
	assert.ErrorIs(t, err, ErrInsecurePermissions)
}
